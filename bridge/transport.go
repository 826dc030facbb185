package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/domtap/domtap/jsonrpc"
)

// ResponseWriter delivers one JSON-RPC response frame upstream. It is safe
// for concurrent use: tool-call responses arrive from goroutines awaiting
// the plugin while the read loop keeps serving other methods.
type ResponseWriter interface {
	WriteResponse(resp jsonrpc.Response) error
}

// Handler processes one request. Replies go through w, possibly after the
// transport has moved on to the next frame; each request produces exactly
// one response.
type Handler interface {
	HandleRequest(ctx context.Context, req jsonrpc.Request, w ResponseWriter)
}

// StdioTransport speaks newline-delimited JSON-RPC over a byte stream,
// normally the process's stdin and stdout.
type StdioTransport struct {
	scanner *bufio.Scanner
	logger  *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewStdioTransport creates a transport reading frames from in and writing
// frames to out.
func NewStdioTransport(in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	scanner := bufio.NewScanner(in)
	// Partial lines are buffered across reads; cap a single frame at 1MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &StdioTransport{
		scanner: scanner,
		logger:  logger,
		out:     out,
	}
}

// WriteResponse serializes one response as a single newline-terminated
// frame and flushes it immediately. The upstream client treats each line
// as a complete frame, so output is never batched.
func (t *StdioTransport) WriteResponse(resp jsonrpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("error encoding response: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(data); err != nil {
		return fmt.Errorf("error writing response: %w", err)
	}
	return nil
}

// Run reads frames until EOF or ctx cancellation. A line that cannot be
// decoded as a request is answered with a parse error only when its own
// identifier is recoverable; otherwise it is logged and dropped, because a
// reply under a guessed identifier would be worse than silence.
//
// Scanning happens in a separate goroutine so cancellation is honored even
// while a read on the input stream is blocked; a blocked stdin read is
// otherwise uninterruptible.
func (t *StdioTransport) Run(ctx context.Context, handler Handler) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		for t.scanner.Scan() {
			// Copied: the scanner reuses its buffer on the next Scan.
			line := append([]byte(nil), t.scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- t.scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("error reading frames: %w", err)
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}

			var request jsonrpc.Request
			if err := json.Unmarshal(line, &request); err != nil {
				t.rejectMalformed(line, err)
				continue
			}

			handler.HandleRequest(ctx, request, t)
		}
	}
}

// rejectMalformed answers a frame that failed request decoding, but only
// when the frame's own identifier is recoverable. Everything else is
// dropped: an identifier is never guessed on the sender's behalf.
func (t *StdioTransport) rejectMalformed(line []byte, parseErr error) {
	var probe struct {
		ID jsonrpc.ID `json:"id"`
	}
	if json.Unmarshal(line, &probe) != nil || probe.ID.IsNil() {
		t.logger.Warn("dropping malformed frame", "error", parseErr)
		return
	}

	t.logger.Warn("rejecting malformed frame", "id", probe.ID.String(), "error", parseErr)
	resp := jsonrpc.NewResponse(probe.ID, nil, jsonrpc.NewError(jsonrpc.ErrParse, parseErr.Error()))
	if err := t.WriteResponse(resp); err != nil {
		t.logger.Error("error writing response", "id", probe.ID.String(), "error", err)
	}
}
