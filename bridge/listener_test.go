package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolvedCall struct {
	id     uint64
	result json.RawMessage
	errMsg string
}

// fakeRouter records correlator interactions.
type fakeRouter struct {
	mu       sync.Mutex
	resolved []resolvedCall
	failures []error
}

func (r *fakeRouter) Resolve(id uint64, result json.RawMessage, errMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, resolvedCall{id: id, result: result, errMsg: errMessage})
}

func (r *fakeRouter) FailAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *fakeRouter) resolvedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resolved)
}

func (r *fakeRouter) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func startListener(t *testing.T, pingInterval time.Duration) (*Listener, *fakeRouter, string, context.CancelFunc) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	l := NewListener(pingInterval, testLogger())
	router := &fakeRouter{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Serve(ctx, ln, router)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return l, router, ln.Addr().String(), cancel
}

func dialPeer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func TestListener_RoutesResponses(t *testing.T) {
	l, router, addr, _ := startListener(t, time.Hour)

	conn := dialPeer(t, addr)
	defer conn.Close()

	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	_, err := conn.Write([]byte(`{"id":3,"result":{"found":2}}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return router.resolvedCount() == 1 }, time.Second, 5*time.Millisecond)
	router.mu.Lock()
	defer router.mu.Unlock()
	assert.Equal(t, uint64(3), router.resolved[0].id)
	assert.JSONEq(t, `{"found":2}`, string(router.resolved[0].result))
}

func TestListener_RoutesErrorResponses(t *testing.T) {
	_, router, addr, _ := startListener(t, time.Hour)

	conn := dialPeer(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte(`{"id":4,"error":{"message":"no such element"}}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return router.resolvedCount() == 1 }, time.Second, 5*time.Millisecond)
	router.mu.Lock()
	defer router.mu.Unlock()
	assert.Equal(t, "no such element", router.resolved[0].errMsg)
}

func TestListener_MalformedFrameIgnored(t *testing.T) {
	_, router, addr, _ := startListener(t, time.Hour)

	conn := dialPeer(t, addr)
	defer conn.Close()

	_, err := conn.Write([]byte("garbage\n" + `{"id":1,"result":null}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return router.resolvedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListener_NewConnectionSupersedesOld(t *testing.T) {
	l, router, addr, _ := startListener(t, time.Hour)

	first := dialPeer(t, addr)
	defer first.Close()
	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	second := dialPeer(t, addr)
	defer second.Close()

	// The first connection is closed by the listener: its read side hits EOF.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err := first.Read(buf)
	assert.Error(t, err, "superseded connection should be closed")

	// In-flight requests to the replaced peer were failed.
	require.Eventually(t, func() bool { return router.failureCount() == 1 }, time.Second, 5*time.Millisecond)

	// The replacement connection is live and routes responses.
	_, err = second.Write([]byte(`{"id":8,"result":[]}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return router.resolvedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, l.Connected())
}

func TestListener_DisconnectFailsPending(t *testing.T) {
	l, router, addr, _ := startListener(t, time.Hour)

	conn := dialPeer(t, addr)
	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return router.failureCount() == 1 }, time.Second, 5*time.Millisecond)
	router.mu.Lock()
	failure := router.failures[0]
	router.mu.Unlock()
	assert.ErrorIs(t, failure, ErrConnectionClosed)
	assert.Eventually(t, func() bool { return !l.Connected() }, time.Second, 5*time.Millisecond)
}

func TestListener_EvictsSilentPeer(t *testing.T) {
	l, router, addr, _ := startListener(t, 30*time.Millisecond)

	conn := dialPeer(t, addr)
	defer conn.Close()
	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	// Never answer pings: the sweep marks the peer dead and evicts it.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(conn)
	sawPing := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break // evicted
		}
		var frame pingFrame
		if json.Unmarshal([]byte(line), &frame) == nil && frame.Type == "ping" {
			sawPing = true
		}
	}

	assert.True(t, sawPing, "liveness sweep should have pinged")
	require.Eventually(t, func() bool { return router.failureCount() >= 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, l.Connected())
}

func TestListener_PongKeepsPeerAlive(t *testing.T) {
	l, _, addr, _ := startListener(t, 40*time.Millisecond)

	conn := dialPeer(t, addr)
	defer conn.Close()
	require.Eventually(t, l.Connected, time.Second, 5*time.Millisecond)

	// Answer every ping with a pong.
	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var frame pingFrame
			if json.Unmarshal([]byte(line), &frame) == nil && frame.Type == "ping" {
				if _, err := conn.Write([]byte(`{"type":"pong"}` + "\n")); err != nil {
					return
				}
			}
		}
	}()

	// Several sweep cycles later the connection is still up.
	time.Sleep(250 * time.Millisecond)
	assert.True(t, l.Connected())
}

func TestListener_SendWithoutPeer(t *testing.T) {
	l := NewListener(time.Hour, testLogger())
	assert.ErrorIs(t, l.Send(pingFrame{Type: "ping"}), ErrNoPeer)
	assert.False(t, l.Connected())
}
