package bridge

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort asks the kernel for an unused port and releases it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestPortAllocator_CandidatesHintFirst(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "port")
	require.NoError(t, os.WriteFile(statePath, []byte("27128\n"), 0o644))

	a := NewPortAllocator(27125, 27130, statePath, testLogger())
	assert.Equal(t, []int{27128, 27125, 27126, 27127, 27129, 27130}, a.candidates())
}

func TestPortAllocator_IgnoresBadHint(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not a number", "wat\n"},
		{"below range", "1000\n"},
		{"above range", "60000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statePath := filepath.Join(t.TempDir(), "port")
			require.NoError(t, os.WriteFile(statePath, []byte(tt.data), 0o644))

			a := NewPortAllocator(27125, 27130, statePath, testLogger())
			_, ok := a.hint()
			assert.False(t, ok)
			assert.Equal(t, []int{27125, 27126, 27127, 27128, 27129, 27130}, a.candidates())

			// The bad value is cleaned up, not just skipped.
			_, err := os.Stat(statePath)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestPortAllocator_AcquireBindsAndPersists(t *testing.T) {
	port := freePort(t)
	statePath := filepath.Join(t.TempDir(), "port")

	a := NewPortAllocator(port, port, statePath, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, bound, err := a.Acquire(ctx)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, port, bound)

	// The bound port is durably recorded for the next start.
	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	persisted, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, bound, persisted)
}

func TestPortAllocator_SecondStartConvergesOnPersistedPort(t *testing.T) {
	port := freePort(t)
	statePath := filepath.Join(t.TempDir(), "port")
	a := NewPortAllocator(port, port+10, statePath, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, first, err := a.Acquire(ctx)
	require.NoError(t, err)
	ln.Close()

	// A fresh allocator over the same state tries the persisted port first.
	b := NewPortAllocator(port, port+10, statePath, testLogger())
	hint, ok := b.hint()
	require.True(t, ok)
	assert.Equal(t, first, hint)
	assert.Equal(t, first, b.candidates()[0])

	ln2, second, err := b.Acquire(ctx)
	require.NoError(t, err)
	defer ln2.Close()
	assert.Equal(t, first, second)
}

func TestPortAllocator_AdvancesPastBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	statePath := filepath.Join(t.TempDir(), "port")
	a := NewPortAllocator(busyPort, busyPort+10, statePath, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, bound, err := a.Acquire(ctx)
	require.NoError(t, err)
	defer ln.Close()

	assert.NotEqual(t, busyPort, bound)
	assert.GreaterOrEqual(t, bound, busyPort)
	assert.LessOrEqual(t, bound, busyPort+10)
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	require.Error(t, err)
	assert.True(t, isAddrInUse(err))
}
