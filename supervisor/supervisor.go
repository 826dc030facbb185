// Package supervisor owns the lifecycle of the bridge child process: it
// spawns the bridge, relays stdio between the upstream client and the
// child, and restarts the child on unexpected exit subject to a
// restart-rate throttle. The upstream stdio connection and the child are
// independent lifetimes: restarting the bridge never requires the client
// to reconnect.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/domtap/domtap/internal/config"
	"github.com/domtap/domtap/internal/lockfile"
)

// killGrace is how long a signalled child may take to exit before it is
// killed outright.
const killGrace = 5 * time.Second

// dedupCapacity bounds the recently-seen response identifier set.
const dedupCapacity = 256

// State is the supervisor's lifecycle phase.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Supervisor spawns and restarts the bridge child while relaying stdio.
type Supervisor struct {
	cfg       *config.Config
	logger    *slog.Logger
	childArgs []string

	stdin  io.Reader
	stdout io.Writer
	outMu  sync.Mutex

	in     *switchWriter
	dedup  *dedupSet
	budget restartBudget

	mu       sync.Mutex
	state    State
	child    *exec.Cmd
	shutdown bool
}

// New creates a Supervisor that spawns the current executable with
// childArgs as the bridge child.
func New(cfg *config.Config, childArgs []string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		logger:    logger,
		childArgs: childArgs,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		in:        newSwitchWriter(logger),
		dedup:     newDedupSet(dedupCapacity),
		budget: restartBudget{
			limit:  cfg.RestartLimit,
			window: cfg.RestartWindow,
		},
	}
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run supervises the bridge until ctx is cancelled or the upstream stream
// ends. It returns nil on graceful shutdown; a failure to spawn the child
// is unrecoverable and surfaces as an error.
func (s *Supervisor) Run(ctx context.Context) error {
	lockPath := s.cfg.SupervisorLockFile()
	lockfile.CleanStale(lockPath, s.logger)
	info, err := lockfile.Write(lockPath)
	if err != nil {
		return fmt.Errorf("error writing lock file: %w", err)
	}
	defer func() {
		if err := lockfile.Remove(lockPath); err != nil {
			s.logger.Warn("error removing lock file", "path", lockPath, "error", err)
		}
	}()
	s.logger.Info("supervisor started", "pid", info.PID, "instance_id", info.InstanceID)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("error locating executable: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Single stdin pump for the supervisor's whole lifetime. Bytes flow to
	// whichever child is current; when the upstream client closes its end
	// the supervision is over.
	go func() {
		_, err := io.Copy(s.in, s.stdin)
		if err != nil {
			s.logger.Warn("stdin relay ended", "error", err)
		}
		cancel()
	}()

	// Termination signals and stdin EOF both land here.
	go func() {
		<-ctx.Done()
		s.beginShutdown()
	}()

	for {
		if s.shutdownRequested() {
			return nil
		}

		waitErr, err := s.runChild(exe)
		if err != nil {
			return err
		}

		if s.shutdownRequested() {
			s.logger.Info("bridge exited during shutdown")
			return nil
		}

		s.logger.Warn("bridge exited unexpectedly",
			"error", waitErr, "restarts_in_window", s.budget.Count())

		if wait := s.budget.Delay(time.Now()); wait > 0 {
			s.logger.Warn("restart limit reached, deferring restart",
				"limit", s.cfg.RestartLimit, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil
			}
		}
		if err := sleepCtx(ctx, s.cfg.RestartDelay); err != nil {
			return nil
		}
	}
}

// runChild spawns one bridge child and sees it through to exit: stdin is
// routed to it, its stdout is drained to completion, and only then is the
// process reaped. The child's exit error is returned separately from a
// spawn failure, which is unrecoverable.
func (s *Supervisor) runChild(exe string) (waitErr, spawnErr error) {
	cmd, childOut, childIn, err := s.spawn(exe)
	if err != nil {
		return nil, fmt.Errorf("error starting bridge: %w", err)
	}
	s.setChild(cmd, StateRunning)
	s.in.Swap(childIn)

	// A shutdown begun while the child was being spawned found a nil child
	// and signalled nothing; retire the fresh child here.
	if s.shutdownRequested() {
		s.signalChild(cmd)
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relayOutput(childOut)
	}()

	// Drain the relay before reaping: Wait closes the stdout pipe, and
	// frames still buffered in it would be lost.
	<-relayDone
	waitErr = cmd.Wait()
	s.in.Swap(nil)
	s.setChild(nil, StateRestarting)
	return waitErr, nil
}

// spawn starts one bridge child with piped stdio. The child's stderr joins
// the supervisor's so diagnostics reach the shared log stream.
func (s *Supervisor) spawn(exe string) (*exec.Cmd, io.ReadCloser, io.WriteCloser, error) {
	cmd := exec.Command(exe, s.childArgs...)
	cmd.Stderr = os.Stderr

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	s.logger.Info("bridge started", "pid", cmd.Process.Pid)
	return cmd, childOut, childIn, nil
}

// beginShutdown marks shutdown-requested and retires the current child.
// Once set, no further restarts occur regardless of later exit events.
func (s *Supervisor) beginShutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.state = StateShuttingDown
	child := s.child
	s.mu.Unlock()

	s.logger.Info("shutdown requested")
	s.signalChild(child)
}

// signalChild asks one child to exit, killing it after a grace period. A
// nil or already-exited child is fine.
func (s *Supervisor) signalChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("child already gone", "error", err)
		return
	}
	go func() {
		time.Sleep(killGrace)
		// Kill on an exited process is a harmless error.
		_ = cmd.Process.Kill()
	}()
}

func (s *Supervisor) shutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Supervisor) setChild(cmd *exec.Cmd, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.child = cmd
	if !s.shutdown {
		s.state = state
	}
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
