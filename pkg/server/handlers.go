package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/lugchat/lugchat/pkg/store"
)

// errClientDisconnecting signals an orderly close requested by the client.
// The message loop treats it as end-of-session, not a failure.
var errClientDisconnecting = errors.New("client disconnecting")

// handleEnvelope processes one decoded envelope on a session. It returns
// errClientDisconnecting after a disconnect message and a transport error
// when the response could not be written; protocol-level problems are
// answered with a reject response and a nil error, the connection stays up.
func (s *Server) handleEnvelope(sess *Session, raw []byte, env *protocol.Envelope) error {
	data := env.Data()
	s.metrics.RecordMessageReceived(string(data.Type))

	// Identity gate. The hello binds the session's key; everything before
	// that has no key to verify against and is rejected.
	if !sess.Identified() {
		if data.Type != protocol.TypeHello {
			return s.reject(sess, env, protocol.ReasonSignature, nil)
		}
		return s.handleHello(sess, env)
	}

	// Every post-hello message must verify against the bound key. A bad
	// signature rejects the message, not the connection.
	if !env.Verify(sess.publicKey) {
		return s.reject(sess, env, protocol.ReasonSignature, nil)
	}

	switch data.Type {
	case protocol.TypeHello:
		// Re-hello on an identified session refreshes presence.
		s.presence.Upsert(sess.publicKey, sess.nick, time.Now().UnixMilli())
		return s.accept(sess, env, protocol.HelloResponse{ServerKey: s.keys.PublicB64})

	case protocol.TypePost, protocol.TypeReply:
		return s.handlePost(sess, raw, env)

	case protocol.TypeSubscribe:
		return s.handleSubscribe(sess, env)

	case protocol.TypeHistory:
		return s.handleHistory(sess, env)

	case protocol.TypeUsers:
		return s.handleUsers(sess, env)

	case protocol.TypeDisconnect:
		s.presence.SetStatus(sess.publicKey, sess.nick, store.StatusOffline)
		if err := s.accept(sess, env, nil); err != nil {
			return err
		}
		return errClientDisconnecting

	default:
		return s.reject(sess, env, protocol.ReasonFormat, nil)
	}
}

// handleHello verifies the envelope against the key it carries and binds
// that key to the session. Trust-on-first-use: the server never checks the
// key against anything but the hello's own signature.
func (s *Server) handleHello(sess *Session, env *protocol.Envelope) error {
	data := env.Data()

	var content protocol.HelloContent
	if err := json.Unmarshal(data.Content, &content); err != nil || content.PublicKey == "" {
		return s.reject(sess, env, protocol.ReasonFormat, nil)
	}

	if !env.Verify(content.PublicKey) {
		return s.reject(sess, env, protocol.ReasonSignature, nil)
	}

	sess.publicKey = content.PublicKey
	sess.nick = data.Nick
	sess.state = stateIdentified

	s.presence.Upsert(sess.publicKey, sess.nick, time.Now().UnixMilli())
	sess.log.Info().Str("nick", sess.nick).Msg("session identified")

	return s.accept(sess, env, protocol.HelloResponse{ServerKey: s.keys.PublicB64})
}

// handlePost accepts a verified post or reply: record it, answer the
// sender, hand the original bytes to the relay. The rate limit runs before
// the history append so a rejected post leaves no trace.
func (s *Server) handlePost(sess *Session, raw []byte, env *protocol.Envelope) error {
	if sess.limiter != nil && !sess.limiter.Allow() {
		return s.reject(sess, env, protocol.ReasonAccess, nil)
	}

	s.history.Append(raw, env.Data())
	s.metrics.SetHistorySize(s.history.Len())

	if err := s.accept(sess, env, nil); err != nil {
		return err
	}
	s.relay.Enqueue(raw)
	return nil
}

func (s *Server) handleSubscribe(sess *Session, env *protocol.Envelope) error {
	oldest, latest := s.history.Bounds()
	if err := s.accept(sess, env, protocol.SubscribeResponse{
		OldestMessageTime: oldest,
		LatestMessageTime: latest,
	}); err != nil {
		return err
	}
	// Subscribe after responding: the client sees the bounds before any
	// relayed post.
	s.relay.Subscribe(sess.ID, sess.Conn)
	return nil
}

func (s *Server) handleHistory(sess *Session, env *protocol.Envelope) error {
	var content protocol.HistoryContent
	if err := json.Unmarshal(env.Data().Content, &content); err != nil {
		return s.reject(sess, env, protocol.ReasonFormat, nil)
	}

	msgs := s.history.Range(content.Start, content.End)
	return s.accept(sess, env, protocol.HistoryResponse{MsgList: msgs})
}

func (s *Server) handleUsers(sess *Session, env *protocol.Envelope) error {
	var content protocol.UsersContent
	if err := json.Unmarshal(env.Data().Content, &content); err != nil {
		return s.reject(sess, env, protocol.ReasonFormat, nil)
	}

	records := s.presence.Since(content.Since)
	users := make([]protocol.UserRecord, 0, len(records))
	for _, rec := range records {
		users = append(users, protocol.UserRecord{
			PublicKey: rec.PublicKey,
			Nick:      rec.Nick,
			JoinTime:  rec.JoinTime,
			Status:    string(rec.Status),
		})
	}
	return s.accept(sess, env, protocol.UsersResponse{UserList: users})
}

func (s *Server) accept(sess *Session, env *protocol.Envelope, content any) error {
	return s.respond(sess, env, protocol.Accept, protocol.ReasonNone, content)
}

func (s *Server) reject(sess *Session, env *protocol.Envelope, reason protocol.Reason, content any) error {
	s.metrics.RecordReject(string(reason))
	sess.log.Debug().
		Str("type", string(env.Data().Type)).
		Str("reason", string(reason)).
		Msg("message rejected")
	return s.respond(sess, env, protocol.Reject, reason, content)
}

// respond signs and writes a response envelope correlated to env by its
// signature.
func (s *Server) respond(sess *Session, env *protocol.Envelope, verdict protocol.AccRej, reason protocol.Reason, content any) error {
	data, err := protocol.NewResponseData(env.Data().Type, env.Sig, verdict, reason, time.Now().UnixMilli(), content)
	if err != nil {
		return err
	}
	out, err := protocol.NewEnvelope(data, s.keys)
	if err != nil {
		return err
	}
	line, err := out.Encode()
	if err != nil {
		return err
	}
	return sess.Conn.WriteLine(line)
}
