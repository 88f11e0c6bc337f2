package client

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/lugchat/lugchat/pkg/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testSrvKeys  *protocol.KeyPair
	testCliKeys  *protocol.KeyPair
	testCliKeys2 *protocol.KeyPair
)

func testKeys(t *testing.T) (*protocol.KeyPair, *protocol.KeyPair, *protocol.KeyPair) {
	t.Helper()
	testKeysOnce.Do(func() {
		var err error
		if testSrvKeys, err = protocol.GenerateKeyPair(); err != nil {
			panic(err)
		}
		if testCliKeys, err = protocol.GenerateKeyPair(); err != nil {
			panic(err)
		}
		if testCliKeys2, err = protocol.GenerateKeyPair(); err != nil {
			panic(err)
		}
	})
	return testSrvKeys, testCliKeys, testCliKeys2
}

func startTestServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	sk, _, _ := testKeys(t)

	config := server.DefaultConfig()
	config.TCPPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.PostsPerMinute = 0
	config.RelayPollInterval = 50 * time.Millisecond

	srv := server.NewServer(config, sk, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, srv.Addr().String()
}

// nextEvent pulls events until one of the wanted kind arrives.
func nextEvent(t *testing.T, c *Client, want EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == want {
				return ev
			}
			if ev.Kind == KindClosed {
				t.Fatalf("connection closed while waiting for event kind %d: %v", want, ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", want)
		}
	}
}

func TestClientIdentifies(t *testing.T) {
	sk, ck, _ := testKeys(t)
	_, addr := startTestServer(t)

	c, err := Dial(addr, ck, "ida", zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello())
	ev := nextEvent(t, c, KindIdentified)
	assert.Equal(t, sk.PublicB64, ev.ServerKey)
	assert.Equal(t, sk.PublicB64, c.ServerKey())
}

func TestClientPostAndReceive(t *testing.T) {
	_, ck, ck2 := testKeys(t)
	_, addr := startTestServer(t)

	poster, err := Dial(addr, ck, "poster", zerolog.Nop())
	require.NoError(t, err)
	defer poster.Close()
	watcher, err := Dial(addr, ck2, "watcher", zerolog.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, poster.Hello())
	nextEvent(t, poster, KindIdentified)
	require.NoError(t, watcher.Hello())
	nextEvent(t, watcher, KindIdentified)

	require.NoError(t, watcher.Subscribe(0))
	sub := nextEvent(t, watcher, KindResponse)
	assert.True(t, sub.Response.Accept)

	// The watcher learns the poster's key so the relayed post verifies.
	require.NoError(t, watcher.RequestUsers(0))
	users := nextEvent(t, watcher, KindUsers)
	assert.NotEmpty(t, users.Users)

	require.NoError(t, poster.Post("hello there"))
	ack := nextEvent(t, poster, KindResponse)
	assert.True(t, ack.Response.Accept)
	assert.Equal(t, protocol.TypePost, ack.Response.To)

	got := nextEvent(t, watcher, KindPost)
	assert.Equal(t, "hello there", got.Post.Text)
	assert.Equal(t, "poster", got.Post.Nick)
	assert.Equal(t, protocol.Fingerprint(ck.PublicB64), got.Post.KeyHash)
}

func TestClientHistoryAndReply(t *testing.T) {
	_, ck, ck2 := testKeys(t)
	_, addr := startTestServer(t)

	alice, err := Dial(addr, ck, "alice", zerolog.Nop())
	require.NoError(t, err)
	defer alice.Close()

	require.NoError(t, alice.Hello())
	nextEvent(t, alice, KindIdentified)

	before := time.Now().UnixMilli()
	require.NoError(t, alice.Post("original"))
	ack := nextEvent(t, alice, KindResponse)
	require.True(t, ack.Response.Accept)
	postSig := ack.Response.OrigSig

	bob, err := Dial(addr, ck2, "bob", zerolog.Nop())
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.Hello())
	nextEvent(t, bob, KindIdentified)

	require.NoError(t, bob.Reply(postSig, before, "seconded"))
	reply := nextEvent(t, bob, KindResponse)
	assert.True(t, reply.Response.Accept)
	assert.Equal(t, protocol.TypeReply, reply.Response.To)

	require.NoError(t, bob.RequestHistory(before, time.Now().UnixMilli()))
	hist := nextEvent(t, bob, KindHistory)
	require.Len(t, hist.History, 2)
	assert.Equal(t, "original", hist.History[0].Text)
	assert.Equal(t, "seconded", hist.History[1].Text)
	assert.Equal(t, postSig, hist.History[1].ReplyTo)
}

func TestClientDisconnect(t *testing.T) {
	_, ck, _ := testKeys(t)
	_, addr := startTestServer(t)

	c, err := Dial(addr, ck, "leaver", zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello())
	nextEvent(t, c, KindIdentified)

	require.NoError(t, c.Disconnect())
	ev := nextEvent(t, c, KindClosed)
	assert.NoError(t, ev.Err, "requested disconnect is not an error")
}

// TestClosedEventSurvivesSlowConsumer floods an unread event buffer with
// relayed posts, then kills the server; the closed event must still reach
// the consumer once it catches up.
func TestClosedEventSurvivesSlowConsumer(t *testing.T) {
	_, ck, ck2 := testKeys(t)
	srv, addr := startTestServer(t)

	poster, err := Dial(addr, ck, "firehose", zerolog.Nop())
	require.NoError(t, err)
	defer poster.Close()
	watcher, err := Dial(addr, ck2, "sleeper", zerolog.Nop())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, poster.Hello())
	nextEvent(t, poster, KindIdentified)
	require.NoError(t, watcher.Hello())
	nextEvent(t, watcher, KindIdentified)

	require.NoError(t, watcher.Subscribe(0))
	sub := nextEvent(t, watcher, KindResponse)
	require.True(t, sub.Response.Accept)

	// The watcher consumes nothing while the poster floods it.
	for i := 0; i < 120; i++ {
		require.NoError(t, poster.Post(fmt.Sprintf("flood %d", i)))
		nextEvent(t, poster, KindResponse)
	}
	require.Eventually(t, func() bool {
		return len(watcher.events) == cap(watcher.events)
	}, 2*time.Second, 10*time.Millisecond, "event buffer should be full")

	srv.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-watcher.Events():
			if ev.Kind == KindClosed {
				return
			}
		case <-deadline:
			t.Fatal("closed event never delivered to the slow consumer")
		}
	}
}

func TestClientWebSocketTransportParsing(t *testing.T) {
	_, err := dialTransport("ws://127.0.0.1:1/ws")
	assert.Error(t, err, "nothing listens there, but the scheme must route to the websocket dialer")
	assert.Contains(t, err.Error(), "websocket dial")

	_, err = dialTransport("127.0.0.1:1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tcp dial")
}
