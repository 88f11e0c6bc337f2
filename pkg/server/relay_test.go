package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLineConn records written lines. Reads block forever; the relay never
// reads.
type fakeLineConn struct {
	mu    sync.Mutex
	lines [][]byte
}

func (c *fakeLineConn) ReadLine() ([]byte, error) {
	select {}
}

func (c *fakeLineConn) WriteLine(line []byte) error {
	cp := make([]byte, len(line))
	copy(cp, line)
	c.mu.Lock()
	c.lines = append(c.lines, cp)
	c.mu.Unlock()
	return nil
}

func (c *fakeLineConn) Close() error { return nil }

func (c *fakeLineConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (c *fakeLineConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *fakeLineConn) waitForLines(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := c.written(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %d", n, len(c.written()))
	return nil
}

func startRelay(t *testing.T) (*Relay, chan struct{}) {
	t.Helper()
	relay := NewRelay(50*time.Millisecond, nil, zerolog.Nop())
	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		relay.Run(shutdown)
		close(done)
	}()
	t.Cleanup(func() {
		close(shutdown)
		<-done
	})
	return relay, shutdown
}

func TestRelayDeliversToAllSubscribers(t *testing.T) {
	relay, _ := startRelay(t)

	conns := make([]*fakeLineConn, 3)
	for i := range conns {
		conns[i] = &fakeLineConn{}
		relay.Subscribe(uint64(i+1), NewSafeConn(conns[i]))
	}

	payload := []byte(`{"message":{"type":"post"},"sig":"x"}`)
	relay.Enqueue(payload)

	for _, conn := range conns {
		lines := conn.waitForLines(t, 1)
		assert.Equal(t, payload, lines[0], "relayed bytes must be verbatim")
	}
}

func TestRelayPreservesOrder(t *testing.T) {
	relay, _ := startRelay(t)

	conn := &fakeLineConn{}
	relay.Subscribe(1, NewSafeConn(conn))

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	for _, line := range want {
		relay.Enqueue(line)
	}

	lines := conn.waitForLines(t, len(want))
	require.Len(t, lines, len(want))
	for i, line := range want {
		assert.Equal(t, line, lines[i])
	}
}

func TestRelayUnsubscribedGetsNothing(t *testing.T) {
	relay, _ := startRelay(t)

	stays := &fakeLineConn{}
	leaves := &fakeLineConn{}
	relay.Subscribe(1, NewSafeConn(stays))
	relay.Subscribe(2, NewSafeConn(leaves))
	relay.Unsubscribe(2)

	relay.Enqueue([]byte("after unsubscribe"))

	stays.waitForLines(t, 1)
	assert.Empty(t, leaves.written())
}

func TestRelaySubscriberCount(t *testing.T) {
	relay, _ := startRelay(t)

	assert.Equal(t, 0, relay.Subscribers())
	relay.Subscribe(1, NewSafeConn(&fakeLineConn{}))
	relay.Subscribe(2, NewSafeConn(&fakeLineConn{}))
	assert.Equal(t, 2, relay.Subscribers())

	relay.Unsubscribe(1)
	relay.Unsubscribe(1) // repeat removal is a no-op
	assert.Equal(t, 1, relay.Subscribers())
}
