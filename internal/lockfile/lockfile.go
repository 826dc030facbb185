// Package lockfile records a long-lived process's identity on disk so a
// later instance, or external cleanup tooling, can find and retire it.
package lockfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Info identifies the process holding a lock file.
type Info struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Write records the calling process's identity at path, replacing any
// existing lock file.
func Write(path string) (*Info, error) {
	info := &Info{
		PID:        os.Getpid(),
		InstanceID: uuid.NewString(),
		StartedAt:  time.Now().UTC(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating lock directory: %w", err)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("error marshaling lock info: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("error writing lock file %s: %w", path, err)
	}
	return info, nil
}

// Read parses the lock file at path.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("error parsing lock file %s: %w", path, err)
	}
	return &info, nil
}

// Remove deletes the lock file at path. Absence is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CleanStale retires any process recorded at path and removes the file.
// Everything here is best effort: an unreadable file, a pid that is already
// gone, or a failed signal only produce log lines.
func CleanStale(path string, logger *slog.Logger) {
	info, err := Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("removing unreadable lock file", "path", path, "error", err)
			_ = Remove(path)
		}
		return
	}

	if info.PID > 0 && info.PID != os.Getpid() && processAlive(info.PID) {
		logger.Info("terminating stale process from previous instance",
			"pid", info.PID, "instance_id", info.InstanceID)
		if err := syscall.Kill(info.PID, syscall.SIGTERM); err != nil {
			logger.Warn("failed to signal stale process", "pid", info.PID, "error", err)
		} else {
			// Give it a moment to exit before forcing the issue.
			for i := 0; i < 10 && processAlive(info.PID); i++ {
				time.Sleep(100 * time.Millisecond)
			}
			if processAlive(info.PID) {
				_ = syscall.Kill(info.PID, syscall.SIGKILL)
			}
		}
	}

	_ = Remove(path)
}

// processAlive reports whether a process with the given pid exists.
func processAlive(pid int) bool {
	// Signal 0 performs the permission and existence checks without
	// delivering anything.
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
