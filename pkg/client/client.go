// Package client implements the LugChat client pipeline: a connection
// plus the goroutines that sign outbound messages and verify inbound
// ones. Applications consume the Events channel and call the typed send
// methods; they never touch the wire format.
package client

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/rs/zerolog"
)

// ErrNotConnected reports a send after the connection ended.
var ErrNotConnected = errors.New("not connected")

// Client is one identity's connection to a server.
//
// Three internal goroutines run the pipeline: the read loop decodes lines
// into envelopes, the dispatch loop verifies them and emits Events, the
// write loop flushes queued envelopes. The application's own loop is the
// fourth stage, feeding the queue through the send methods.
type Client struct {
	conn transport
	keys *protocol.KeyPair
	nick string

	mu        sync.RWMutex
	serverKey string            // bound by the hello response
	knownKeys map[string]string // fingerprint -> public key, learned from users listings

	inbound  chan *protocol.Envelope
	outgoing chan []byte
	events   chan Event

	shutdown      chan struct{}
	closeOnce     sync.Once
	closedEmitted atomic.Bool
	disconnecting atomic.Bool
	wg            sync.WaitGroup

	log zerolog.Logger
}

// Dial connects to addr ("host:port" for TCP, "ws://host:port/ws" for
// websocket) and starts the pipeline. The connection is unidentified
// until Hello.
func Dial(addr string, keys *protocol.KeyPair, nick string, log zerolog.Logger) (*Client, error) {
	conn, err := dialTransport(addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:      conn,
		keys:      keys,
		nick:      nick,
		knownKeys: map[string]string{protocol.Fingerprint(keys.PublicB64): keys.PublicB64},
		inbound:   make(chan *protocol.Envelope, 100),
		outgoing:  make(chan []byte, 100),
		events:    make(chan Event, 100),
		shutdown:  make(chan struct{}),
		log:       log.With().Str("component", "client").Logger(),
	}

	c.wg.Add(3)
	go c.readLoop()
	go c.dispatchLoop()
	go c.writeLoop()

	return c, nil
}

// Events delivers what the dispatch loop surfaces. A KindClosed event is
// the last thing delivered when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ServerKey returns the server's public key, empty before identification.
func (c *Client) ServerKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverKey
}

// Close tears the connection down. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.conn.Close()
	})
	c.wg.Wait()
}

// Hello introduces this identity. The server key arrives asynchronously
// as a KindIdentified event.
func (c *Client) Hello() error {
	return c.send(protocol.TypeHello, protocol.HelloContent{PublicKey: c.keys.PublicB64})
}

// Subscribe asks for live relay of future posts. lastClientTime is the
// newest message time this client already has, 0 for none.
func (c *Client) Subscribe(lastClientTime int64) error {
	return c.send(protocol.TypeSubscribe, protocol.SubscribeContent{LastClientTime: lastClientTime})
}

// Post publishes a chat message.
func (c *Client) Post(text string) error {
	return c.send(protocol.TypePost, protocol.PostContent{PostContent: text})
}

// Reply publishes a reply to the post identified by origSig/postTime.
func (c *Client) Reply(origSig string, postTime int64, text string) error {
	return c.send(protocol.TypeReply, protocol.ReplyContent{
		PostTime:     postTime,
		OrigSig:      origSig,
		ReplyContent: text,
	})
}

// RequestHistory asks for the posts received between start and end
// (milliseconds, inclusive). Answer arrives as a KindHistory event.
func (c *Client) RequestHistory(start, end int64) error {
	return c.send(protocol.TypeHistory, protocol.HistoryContent{Start: start, End: end})
}

// RequestUsers asks for identities seen since the given time. Answer
// arrives as a KindUsers event.
func (c *Client) RequestUsers(since int64) error {
	return c.send(protocol.TypeUsers, protocol.UsersContent{Since: since})
}

// Disconnect says goodbye; the server acknowledges and hangs up, which
// surfaces as KindClosed with a nil error.
func (c *Client) Disconnect() error {
	c.disconnecting.Store(true)
	return c.send(protocol.TypeDisconnect, struct{}{})
}

func (c *Client) send(msgType protocol.MessageType, content any) error {
	data, err := protocol.NewMessageData(msgType, c.nick, time.Now().UnixMilli(), content)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(data, c.keys)
	if err != nil {
		return err
	}
	line, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case c.outgoing <- line:
		return nil
	case <-c.shutdown:
		return ErrNotConnected
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			c.emitClosed(err)
			return
		}
		if len(line) == 0 {
			continue
		}

		env, err := protocol.DecodeEnvelope(line)
		if err != nil {
			c.log.Debug().Err(err).Msg("undecodable line from server")
			c.emitClosed(err)
			c.conn.Close()
			return
		}

		select {
		case c.inbound <- env:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case line := <-c.outgoing:
			if err := c.conn.WriteLine(line); err != nil {
				c.emitClosed(err)
				return
			}
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case env := <-c.inbound:
			c.dispatch(env)
		case <-c.shutdown:
			return
		}
	}
}

// dispatch verifies one inbound envelope and turns it into an Event.
func (c *Client) dispatch(env *protocol.Envelope) {
	data := env.Data()

	if data.Type == protocol.TypeResponse {
		c.dispatchResponse(env)
		return
	}

	// Relayed traffic. Posts verify when the sender's key is known from a
	// users listing; unknown senders are surfaced with their fingerprint
	// so the application can decide what to trust.
	switch data.Type {
	case protocol.TypePost, protocol.TypeReply:
		if key, ok := c.lookupKey(env.KeyHash); ok && !env.Verify(key) {
			c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "signature mismatch"}})
			return
		}
		if post, ok := decodePost(env); ok {
			c.emit(Event{Kind: KindPost, Post: post})
			return
		}
		c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "unreadable content"}})

	default:
		c.log.Debug().Str("type", string(data.Type)).Msg("ignoring unexpected relayed type")
	}
}

func (c *Client) dispatchResponse(env *protocol.Envelope) {
	data := env.Data()

	// The hello response carries the server key and is the trust anchor:
	// it must verify against the key it delivers, every later response
	// against the key bound here.
	if data.ResponseToType == protocol.TypeHello && data.Response == protocol.Accept {
		var content protocol.HelloResponse
		if err := json.Unmarshal(data.Content, &content); err != nil || content.ServerKey == "" {
			c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "unreadable hello response"}})
			return
		}
		if !env.Verify(content.ServerKey) {
			c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "hello response failed verification"}})
			return
		}

		c.mu.Lock()
		c.serverKey = content.ServerKey
		c.mu.Unlock()

		c.emit(Event{Kind: KindIdentified, ServerKey: content.ServerKey})
		return
	}

	serverKey := c.ServerKey()
	if serverKey != "" && !env.Verify(serverKey) {
		c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "response failed verification"}})
		return
	}

	switch data.ResponseToType {
	case protocol.TypeHistory:
		if data.Response == protocol.Accept {
			c.dispatchHistory(data)
			return
		}
	case protocol.TypeUsers:
		if data.Response == protocol.Accept {
			c.dispatchUsers(data)
			return
		}
	}

	c.emit(Event{Kind: KindResponse, Response: &ResponseEvent{
		To:      data.ResponseToType,
		OrigSig: data.OrigSig,
		Accept:  data.Response == protocol.Accept,
		Reason:  data.Reason,
	}})
}

func (c *Client) dispatchHistory(data *protocol.MessageData) {
	var content protocol.HistoryResponse
	if err := json.Unmarshal(data.Content, &content); err != nil {
		c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "unreadable history response"}})
		return
	}

	posts := make([]PostEvent, 0, len(content.MsgList))
	for _, raw := range content.MsgList {
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		if post, ok := decodePost(env); ok {
			posts = append(posts, *post)
		}
	}
	c.emit(Event{Kind: KindHistory, History: posts})
}

func (c *Client) dispatchUsers(data *protocol.MessageData) {
	var content protocol.UsersResponse
	if err := json.Unmarshal(data.Content, &content); err != nil {
		c.emit(Event{Kind: KindDropped, Dropped: &DroppedEvent{Type: data.Type, Reason: "unreadable users response"}})
		return
	}

	// Learn fingerprints so future relayed posts from these identities
	// verify.
	c.mu.Lock()
	for _, u := range content.UserList {
		c.knownKeys[protocol.Fingerprint(u.PublicKey)] = u.PublicKey
	}
	c.mu.Unlock()

	c.emit(Event{Kind: KindUsers, Users: content.UserList})
}

func (c *Client) lookupKey(fingerprint string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.knownKeys[fingerprint]
	return key, ok
}

func decodePost(env *protocol.Envelope) (*PostEvent, bool) {
	data := env.Data()
	post := &PostEvent{
		Type:    data.Type,
		Nick:    data.Nick,
		Time:    data.Time,
		Sig:     env.Sig,
		KeyHash: env.KeyHash,
	}

	switch data.Type {
	case protocol.TypePost:
		var content protocol.PostContent
		if err := json.Unmarshal(data.Content, &content); err != nil {
			return nil, false
		}
		post.Text = content.PostContent
	case protocol.TypeReply:
		var content protocol.ReplyContent
		if err := json.Unmarshal(data.Content, &content); err != nil {
			return nil, false
		}
		post.Text = content.ReplyContent
		post.ReplyTo = content.OrigSig
	default:
		return nil, false
	}
	return post, true
}

// emitClosed delivers the final event exactly once, waiting out a slow
// consumer rather than dropping it. Close releases the wait when the
// consumer is gone. The channel itself stays open; other pipeline
// goroutines may still be unwinding.
func (c *Client) emitClosed(err error) {
	if !c.closedEmitted.CompareAndSwap(false, true) {
		return
	}
	if c.disconnecting.Load() {
		err = nil
	}
	select {
	case c.events <- Event{Kind: KindClosed, Err: err}:
	case <-c.shutdown:
	}
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.shutdown:
	}
}
