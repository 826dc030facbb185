package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// bindRetryDelay is the pause before retrying a candidate port whose
	// bind failed for a reason other than address-in-use.
	bindRetryDelay = 2 * time.Second

	// sweepRetryDelay is the pause before re-scanning the whole range
	// after exhausting it. The plugin may free a port at any time, so
	// exhaustion is never fatal.
	sweepRetryDelay = 5 * time.Second
)

var errRangeExhausted = errors.New("no port available in range")

// PortAllocator binds a listening port within a bounded range, preferring
// the port persisted by a previous run so the plugin reconnects without a
// rescan on its side.
type PortAllocator struct {
	min, max  int
	statePath string
	logger    *slog.Logger
}

// NewPortAllocator creates an allocator for the inclusive range [min,max],
// persisting the bound port at statePath.
func NewPortAllocator(min, max int, statePath string, logger *slog.Logger) *PortAllocator {
	return &PortAllocator{
		min:       min,
		max:       max,
		statePath: statePath,
		logger:    logger,
	}
}

// Acquire binds a port from the range, sweeping indefinitely until one is
// available or ctx is cancelled. The bound port is persisted only after a
// successful bind, never on a failed attempt.
func (a *PortAllocator) Acquire(ctx context.Context) (net.Listener, int, error) {
	for {
		ln, port, err := a.sweep(ctx)
		if err == nil {
			a.persist(port)
			return ln, port, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		a.logger.Warn("port range exhausted, retrying",
			"min", a.min, "max", a.max, "delay", sweepRetryDelay)
		if err := sleepCtx(ctx, sweepRetryDelay); err != nil {
			return nil, 0, err
		}
	}
}

// sweep makes one pass over the candidates: the persisted hint first when
// present and in range, then the range from its lower bound.
func (a *PortAllocator) sweep(ctx context.Context) (net.Listener, int, error) {
	for _, port := range a.candidates() {
		ln, err := a.tryBind(ctx, port)
		if err == nil {
			return ln, port, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, errRangeExhausted
}

// tryBind attempts one candidate. Address-in-use advances immediately; any
// other failure waits a fixed backoff and retries the same candidate once.
func (a *PortAllocator) tryBind(ctx context.Context, port int) (net.Listener, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if isAddrInUse(err) {
		a.logger.Debug("port in use", "port", port)
		return nil, err
	}

	a.logger.Warn("bind failed, retrying once", "port", port, "error", err)
	if err := sleepCtx(ctx, bindRetryDelay); err != nil {
		return nil, err
	}
	return net.Listen("tcp", addr)
}

// candidates returns the bind order for one sweep.
func (a *PortAllocator) candidates() []int {
	ports := make([]int, 0, a.max-a.min+2)
	hint, ok := a.hint()
	if ok {
		ports = append(ports, hint)
	}
	for p := a.min; p <= a.max; p++ {
		if ok && p == hint {
			continue
		}
		ports = append(ports, p)
	}
	return ports
}

// hint reads the persisted port. A missing value is fine; an unreadable or
// out-of-range value is removed so it cannot mislead the next start either.
func (a *PortAllocator) hint() (int, bool) {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port < a.min || port > a.max {
		a.logger.Warn("removing invalid persisted port", "path", a.statePath)
		_ = os.Remove(a.statePath)
		return 0, false
	}
	return port, true
}

// persist durably records the bound port via an atomic temp-file rename,
// overwriting any stale value.
func (a *PortAllocator) persist(port int) {
	dir := filepath.Dir(a.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Warn("cannot create state directory", "dir", dir, "error", err)
		return
	}

	tmp := a.statePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(port)+"\n"), 0o644); err != nil {
		a.logger.Warn("cannot persist port", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, a.statePath); err != nil {
		a.logger.Warn("cannot persist port", "path", a.statePath, "error", err)
		return
	}
	a.logger.Debug("persisted port", "port", port, "path", a.statePath)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
