package supervisor

import "time"

// restartBudget throttles child restarts: up to limit restarts within a
// sliding cooldown window, after which further restarts are deferred until
// the window elapses and the counter resets.
type restartBudget struct {
	limit  int
	window time.Duration

	count       int
	windowStart time.Time
}

// Count reports the restarts recorded in the current window.
func (b *restartBudget) Count() int {
	return b.count
}

// Delay records a crash at now and returns how long the next restart must
// be deferred. Zero means the restart may proceed after the normal fixed
// delay. Reaching the ceiling returns the remainder of the window and
// resets the counter, so a crash-looping child cannot consume the host
// indefinitely.
func (b *restartBudget) Delay(now time.Time) time.Duration {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.count = 0
	}

	b.count++
	if b.count <= b.limit {
		return 0
	}

	remaining := b.window - now.Sub(b.windowStart)
	if remaining < 0 {
		remaining = 0
	}
	b.count = 0
	b.windowStart = time.Time{}
	return remaining
}
