package lockfile

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domtap.lock")

	info, err := Write(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NotEmpty(t, info.InstanceID)

	read, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, info.PID, read.PID)
	assert.Equal(t, info.InstanceID, read.InstanceID)

	require.NoError(t, Remove(path))
	_, err = Read(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveAbsentIsNotAnError(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "never-written.lock")))
}

func TestWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domtap.lock")

	first, err := Write(path)
	require.NoError(t, err)
	second, err := Write(path)
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)

	read, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, second.InstanceID, read.InstanceID)
}

func TestCleanStale_DeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domtap.lock")

	// A pid far beyond pid_max cannot be alive.
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":99999999,"instance_id":"gone"}`), 0o644))

	CleanStale(path, testLogger())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "stale lock file should be removed")
}

func TestCleanStale_UnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domtap.lock")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	CleanStale(path, testLogger())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "unreadable lock file should be removed")
}

func TestCleanStale_Absent(t *testing.T) {
	// Absence is not an error and must not create anything.
	dir := t.TempDir()
	CleanStale(filepath.Join(dir, "absent.lock"), testLogger())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
