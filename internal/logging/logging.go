// Package logging builds the process-wide slog logger: text-formatted,
// written to stderr and mirrored into an append-only log file so the
// stream survives across restarts.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// New returns a logger writing to stderr and, when logPath is non-empty,
// appending to the file at logPath. The returned closer releases the file.
func New(logPath string, verbose bool) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closer := func() error { return nil }

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("error creating log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file %s: %w", logPath, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f.Close
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closer, nil
}
