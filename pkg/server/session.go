package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type sessionState int

const (
	// stateAwaitingIdentity: no hello seen yet, nothing verifies.
	stateAwaitingIdentity sessionState = iota
	// stateIdentified: public key bound, messages verify against it.
	stateIdentified
	// stateClosed: connection torn down.
	stateClosed
)

// Session is one client connection's protocol state. The state machine
// fields (state, publicKey, nick) are owned by the session's message loop
// goroutine and never touched elsewhere; only Conn and lastActivity are
// shared.
type Session struct {
	ID   uint64
	Conn *SafeConn

	state     sessionState
	publicKey string // bound by the first verified hello, fixed afterwards
	nick      string

	limiter      *rate.Limiter // nil when post rate limiting is disabled
	lastActivity atomic.Int64  // unix millis, read by the idle cleanup loop

	log zerolog.Logger
}

// Identified reports whether a hello has bound this session's key.
func (s *Session) Identified() bool {
	return s.state == stateIdentified
}

func (s *Session) touch(nowMillis int64) {
	s.lastActivity.Store(nowMillis)
}

// SessionManager tracks all live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64
	metrics  *Metrics
}

func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		metrics:  metrics,
	}
}

// Create registers a new session for a connection.
func (sm *SessionManager) Create(conn *SafeConn, limiter *rate.Limiter, log zerolog.Logger) *Session {
	id := sm.nextID.Add(1)

	sess := &Session{
		ID:      id,
		Conn:    conn,
		limiter: limiter,
		log:     log.With().Uint64("session", id).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	sess.touch(time.Now().UnixMilli())

	sm.mu.Lock()
	sm.sessions[id] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordSessionCreated()
	sm.metrics.SetActiveSessions(count)
	return sess
}

// Remove unregisters a session and returns it, or nil if already gone.
func (sm *SessionManager) Remove(id uint64) *Session {
	sm.mu.Lock()
	sess, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return nil
	}
	sm.metrics.SetActiveSessions(count)
	return sess
}

// All returns a snapshot of live sessions.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every live connection. The owning message loops observe
// the close and unwind through their normal cleanup path.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.All() {
		sess.Conn.Close()
	}
}
