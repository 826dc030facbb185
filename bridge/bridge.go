// Package bridge connects an MCP client speaking newline-delimited
// JSON-RPC over stdio to a single host-application plugin reachable over a
// negotiated localhost TCP port. It owns port discovery and persistence,
// the single-peer socket listener with liveness sweeps, and the
// request/response correlation between the two transports.
package bridge

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/domtap/domtap/internal/config"
)

// Bridge wires the port allocator, socket listener, correlator, and stdio
// translator into one supervised unit.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	allocator  *PortAllocator
	listener   *Listener
	correlator *Correlator
	server     *Server
	transport  *StdioTransport

	port int
}

// New assembles a Bridge reading frames from in and replying to out.
func New(cfg *config.Config, version string, in io.Reader, out io.Writer, logger *slog.Logger) *Bridge {
	listener := NewListener(cfg.PingInterval, logger)
	correlator := NewCorrelator(listener, cfg.RequestTimeout, logger)

	return &Bridge{
		cfg:        cfg,
		logger:     logger,
		allocator:  NewPortAllocator(cfg.PortMin, cfg.PortMax, cfg.PortFile(), logger),
		listener:   listener,
		correlator: correlator,
		server:     NewServer(correlator, version, logger),
		transport:  NewStdioTransport(in, out, logger),
	}
}

// Run acquires a port and serves both transports until the upstream stream
// ends or ctx is cancelled. Restarts of the bridge never require the
// upstream client to reconnect; that property is the supervisor's to keep.
func (b *Bridge) Run(ctx context.Context) error {
	ln, port, err := b.allocator.Acquire(ctx)
	if err != nil {
		return err
	}
	defer ln.Close()
	b.port = port
	b.logger.Info("listening for plugin", "port", port)

	// When the upstream stream ends the whole bridge winds down; the
	// listener has nobody left to answer to.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.listener.Serve(ctx, ln, b.correlator)
	})
	g.Go(func() error {
		defer cancel()
		return b.transport.Run(ctx, b.server)
	})
	g.Go(func() error {
		b.healthLoop(ctx)
		return nil
	})
	return g.Wait()
}

// healthLoop periodically logs a read-only diagnostic snapshot.
func (b *Bridge) healthLoop(ctx context.Context) {
	if b.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logger.Info("health",
				"peer_connected", b.listener.Connected(),
				"pending_requests", b.correlator.PendingCount(),
				"port", b.port)
		}
	}
}
