package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoPeer is returned when a call is attempted with no plugin connected.
	ErrNoPeer = errors.New("no peer connected")

	// ErrRequestTimeout is returned when the plugin does not answer within
	// the configured request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed fails every pending call when the plugin
	// connection goes away.
	ErrConnectionClosed = errors.New("peer connection closed")
)

// PeerSender is the correlator's view of the socket listener.
type PeerSender interface {
	Connected() bool
	Send(frame interface{}) error
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id      uint64
	tool    string
	created time.Time
	// done is buffered so resolution never blocks on a caller that has
	// already given up.
	done chan callResult
}

// Correlator forwards tool calls to the plugin and matches asynchronous
// responses back to their callers. Identifiers are an incrementing counter
// starting at 1, scoped to this process; they form a namespace fully
// disjoint from client-supplied JSON-RPC identifiers, which never appear
// on the socket.
type Correlator struct {
	sender  PeerSender
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
}

// NewCorrelator creates a Correlator sending through the given peer.
func NewCorrelator(sender PeerSender, timeout time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		sender:  sender,
		timeout: timeout,
		logger:  logger,
		pending: make(map[uint64]*pendingCall),
	}
}

// Call forwards one tool invocation and blocks until the plugin responds,
// the request times out, or ctx is cancelled. When no peer is connected it
// fails immediately without registering anything: the correlator never
// waits for a peer to appear.
func (c *Correlator) Call(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	if !c.sender.Connected() {
		return nil, ErrNoPeer
	}

	c.mu.Lock()
	c.nextID++
	call := &pendingCall{
		id:      c.nextID,
		tool:    tool,
		created: time.Now(),
		done:    make(chan callResult, 1),
	}
	c.pending[call.id] = call
	c.mu.Unlock()

	frame := peerRequest{
		JsonRpc:   "2.0",
		ID:        call.id,
		Name:      tool,
		Arguments: args,
	}
	if err := c.sender.Send(frame); err != nil {
		c.remove(call.id)
		return nil, fmt.Errorf("error sending request to peer: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.result, res.err
	case <-timer.C:
		if c.remove(call.id) == nil {
			// The response won the race with the timer.
			res := <-call.done
			return res.result, res.err
		}
		c.logger.Warn("request timed out", "id", call.id, "tool", tool, "timeout", c.timeout)
		return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, c.timeout)
	case <-ctx.Done():
		c.remove(call.id)
		return nil, ctx.Err()
	}
}

// Resolve routes a plugin response to its pending call. The entry is taken
// out of the table before its channel is signalled, so each identifier is
// resolved at most once; a late response for an identifier no longer
// present is logged and dropped.
func (c *Correlator) Resolve(id uint64, result json.RawMessage, errMessage string) {
	call := c.remove(id)
	if call == nil {
		c.logger.Debug("dropping response for unknown or expired request", "id", id)
		return
	}

	if errMessage != "" {
		call.done <- callResult{err: fmt.Errorf("peer error: %s", errMessage)}
		return
	}
	call.done <- callResult{result: result}
}

// FailAll rejects every pending call with err and clears the table in a
// single pass. Called on peer disconnect: an in-flight command addressed to
// a dead plugin instance cannot be replayed against a new one.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	if len(calls) > 0 {
		c.logger.Warn("failing all pending requests", "count", len(calls), "reason", err)
	}
	for _, call := range calls {
		call.done <- callResult{err: err}
	}
}

// PendingCount reports the current size of the pending-request table.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id uint64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}
