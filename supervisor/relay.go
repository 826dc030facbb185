package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// switchWriter forwards writes to the current child's stdin, which is
// swapped as children come and go. The upstream pipe must stay open across
// restarts, so writes while no child is attached are dropped and a write
// error from a dying child is swallowed rather than propagated back to
// the stdin pump.
type switchWriter struct {
	logger *slog.Logger

	mu sync.Mutex
	w  io.Writer
}

func newSwitchWriter(logger *slog.Logger) *switchWriter {
	return &switchWriter{logger: logger}
}

// Swap installs dst as the current destination; nil detaches.
func (sw *switchWriter) Swap(dst io.Writer) {
	sw.mu.Lock()
	sw.w = dst
	sw.mu.Unlock()
}

func (sw *switchWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	dst := sw.w
	sw.mu.Unlock()

	if dst == nil {
		sw.logger.Warn("dropping input while no bridge is running", "bytes", len(p))
		return len(p), nil
	}
	if _, err := dst.Write(p); err != nil {
		sw.logger.Warn("input write to bridge failed", "error", err)
	}
	return len(p), nil
}

// dedupSet remembers recently emitted response identifiers so a response
// produced twice, once by a dying child and once by its replacement, is
// forwarded upstream only once. Bounded FIFO eviction.
type dedupSet struct {
	capacity int

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// Seen records key and reports whether it was already present.
func (d *dedupSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.capacity {
		evicted := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evicted)
	}
	return false
}

// responseKey extracts the identifier of a response frame. Frames carrying
// a method (requests, notifications) and frames without an identifier are
// never deduplicated. Anything unparseable is relayed untouched: this path
// is a byte relay first and a deduplicator second.
func responseKey(line []byte) (string, bool) {
	var probe struct {
		Method string      `json:"method"`
		ID     interface{} `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return "", false
	}
	if probe.Method != "" || probe.ID == nil {
		return "", false
	}
	return fmt.Sprintf("%v", probe.ID), true
}

// relayOutput copies one child's stdout lines to the parent stdout,
// suppressing duplicate response identifiers.
func (s *Supervisor) relayOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if key, ok := responseKey(line); ok && s.dedup.Seen(key) {
			s.logger.Debug("suppressing duplicate response", "id", key)
			continue
		}
		s.writeOut(line)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("bridge output stream ended", "error", err)
	}
}

// writeOut emits one frame upstream, newline-terminated and unbatched.
// The line is copied: it aliases the scanner's internal buffer.
func (s *Supervisor) writeOut(line []byte) {
	frame := make([]byte, 0, len(line)+1)
	frame = append(frame, line...)
	frame = append(frame, '\n')

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.stdout.Write(frame); err != nil {
		s.logger.Warn("output write failed", "error", err)
	}
}
