package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// acceptRetryDelay is the pause before retrying a failed accept, so a
// transient socket error cannot spin the accept loop.
const acceptRetryDelay = 1 * time.Second

// ResponseRouter is the listener's view of the request correlator.
type ResponseRouter interface {
	Resolve(id uint64, result json.RawMessage, errMessage string)
	FailAll(err error)
}

// peerConn is one accepted plugin connection.
type peerConn struct {
	id   string
	conn net.Conn

	mu    sync.Mutex
	enc   *json.Encoder
	alive bool
}

func (p *peerConn) send(frame interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(frame)
}

func (p *peerConn) markAlive() {
	p.mu.Lock()
	p.alive = true
	p.mu.Unlock()
}

// presumeDead flips the liveness flag off and reports whether the peer was
// alive going into this sweep cycle.
func (p *peerConn) presumeDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wasAlive := p.alive
	p.alive = false
	return wasAlive
}

// Listener owns the single downstream plugin connection. A newly accepted
// connection supersedes and closes any existing one; the bridge never
// multiplexes two peers.
type Listener struct {
	logger       *slog.Logger
	pingInterval time.Duration

	mu     sync.Mutex
	cur    *peerConn
	router ResponseRouter
}

// NewListener creates a Listener; the response router is attached when
// Serve starts.
func NewListener(pingInterval time.Duration, logger *slog.Logger) *Listener {
	return &Listener{
		logger:       logger,
		pingInterval: pingInterval,
	}
}

// Connected reports whether a plugin connection is currently held.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur != nil
}

// Send writes one frame to the current peer.
func (l *Listener) Send(frame interface{}) error {
	l.mu.Lock()
	pc := l.cur
	l.mu.Unlock()
	if pc == nil {
		return ErrNoPeer
	}
	if err := pc.send(frame); err != nil {
		l.drop(pc, "write failed", err)
		return err
	}
	return nil
}

// Serve accepts plugin connections on ln until ctx is cancelled, routing
// responses through router. Accept errors are logged and the loop resumes
// after a fixed delay; the listener is never left half-open.
func (l *Listener) Serve(ctx context.Context, ln net.Listener, router ResponseRouter) error {
	l.mu.Lock()
	l.router = router
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go l.pingLoop(ctx)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.closeCurrent()
				return nil
			}
			l.logger.Error("accept failed", "error", err)
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-ctx.Done():
				l.closeCurrent()
				return nil
			}
		}
		l.adopt(conn)
	}
}

// adopt installs a freshly accepted connection, superseding any current one.
func (l *Listener) adopt(conn net.Conn) {
	pc := &peerConn{
		id:    uuid.NewString(),
		conn:  conn,
		enc:   json.NewEncoder(conn),
		alive: true,
	}

	l.mu.Lock()
	old := l.cur
	l.cur = pc
	router := l.router
	l.mu.Unlock()

	if old != nil {
		l.logger.Info("superseding existing peer connection",
			"old_conn", old.id, "new_conn", pc.id)
		old.conn.Close()
		// Requests in flight to the old plugin instance cannot be answered
		// by the new one.
		router.FailAll(ErrConnectionClosed)
	}

	l.logger.Info("peer connected", "conn", pc.id, "remote", conn.RemoteAddr().String())
	go l.read(pc)
}

// read consumes newline-delimited JSON frames from one connection until it
// closes or errors.
func (l *Listener) read(pc *peerConn) {
	scanner := bufio.NewScanner(pc.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg peerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			l.logger.Warn("dropping malformed peer frame", "conn", pc.id, "error", err)
			continue
		}

		switch {
		case msg.Type == "pong":
			pc.markAlive()
		case msg.Type == "ping":
			if err := pc.send(pingFrame{Type: "pong"}); err != nil {
				l.logger.Warn("pong write failed", "conn", pc.id, "error", err)
			}
		case msg.ID != nil:
			// A plugin that is answering requests is evidently alive.
			pc.markAlive()
			errMessage := ""
			if msg.Error != nil {
				errMessage = msg.Error.Message
			}
			l.currentRouter().Resolve(*msg.ID, msg.Result, errMessage)
		default:
			l.logger.Debug("ignoring unrecognized peer frame", "conn", pc.id)
		}
	}

	l.drop(pc, "connection closed", scanner.Err())
}

// pingLoop runs the liveness sweep: each cycle the peer is presumed dead
// and pinged; a peer that never answered the previous ping is evicted.
func (l *Listener) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		pc := l.cur
		l.mu.Unlock()
		if pc == nil {
			continue
		}

		if !pc.presumeDead() {
			l.logger.Warn("peer failed liveness check", "conn", pc.id)
			l.drop(pc, "liveness timeout", nil)
			continue
		}
		if err := pc.send(pingFrame{Type: "ping"}); err != nil {
			l.drop(pc, "ping write failed", err)
		}
	}
}

// drop tears down one connection. Pending requests are failed only when pc
// is still the current peer; a superseded connection already had its
// requests failed at replacement time.
func (l *Listener) drop(pc *peerConn, reason string, err error) {
	l.mu.Lock()
	isCurrent := l.cur == pc
	if isCurrent {
		l.cur = nil
	}
	router := l.router
	l.mu.Unlock()

	pc.conn.Close()
	if !isCurrent {
		return
	}

	if err != nil {
		l.logger.Info("peer disconnected", "conn", pc.id, "reason", reason, "error", err)
	} else {
		l.logger.Info("peer disconnected", "conn", pc.id, "reason", reason)
	}
	router.FailAll(ErrConnectionClosed)
}

func (l *Listener) currentRouter() ResponseRouter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.router
}

func (l *Listener) closeCurrent() {
	l.mu.Lock()
	pc := l.cur
	l.cur = nil
	l.mu.Unlock()
	if pc != nil {
		pc.conn.Close()
	}
}
