package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lugchat/lugchat/pkg/protocol"
	"github.com/lugchat/lugchat/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server accepts connections, runs one message loop per session and fans
// accepted posts out through the relay.
type Server struct {
	config   ServerConfig
	keys     *protocol.KeyPair
	sessions *SessionManager
	history  *store.History
	presence *store.Presence
	relay    *Relay
	metrics  *Metrics

	listener  net.Listener
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	log zerolog.Logger
}

// NewServer creates a server. The keypair identifies the server to clients
// (its public half is returned in hello responses).
func NewServer(config ServerConfig, keys *protocol.KeyPair, log zerolog.Logger) *Server {
	metrics := NewMetrics()
	return &Server{
		config:   config,
		keys:     keys,
		sessions: NewSessionManager(metrics),
		history:  store.NewHistory(),
		presence: store.NewPresence(),
		relay:    NewRelay(config.RelayPollInterval, metrics, log),
		metrics:  metrics,
		shutdown: make(chan struct{}),
		log:      log,
	}
}

// Start begins listening and returns without blocking; background
// goroutines run until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("tcp listener up")

	// Metrics server (internal only, never expose publicly)
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", s.metrics.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			addr := fmt.Sprintf(":%d", s.config.MetricsPort)
			s.log.Info().Str("addr", addr).Msg("metrics server up (/metrics, /health)")
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				s.log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	// Public HTTP server for the websocket transport
	if s.config.HTTPPort > 0 {
		go func() {
			publicMux := http.NewServeMux()
			publicMux.HandleFunc("/ws", s.HandleWebSocket)
			addr := fmt.Sprintf(":%d", s.config.HTTPPort)
			s.log.Info().Str("addr", addr).Msg("websocket server up (/ws)")
			if err := http.ListenAndServe(addr, publicMux); err != nil {
				s.log.Error().Err(err).Msg("websocket server error")
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relay.Run(s.shutdown)
	}()

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop gracefully stops the server. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutdown initiated")

		close(s.shutdown)

		// Close unblocks the accept loop; the field is never reassigned so
		// the loop can keep reading it without synchronization.
		if s.listener != nil {
			s.listener.Close()
		}

		s.sessions.CloseAll()
		s.wg.Wait()

		s.log.Info().Dur("uptime", time.Since(s.startTime)).Msg("shutdown complete")
	})
	return nil
}

// HealthHandler reports process liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d,"uptime_seconds":%d}`,
		s.sessions.Count(), int(time.Since(s.startTime).Seconds()))
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.log.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection sets up a session for a raw TCP connection, then runs
// the message loop.
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	lc := NewTCPLineConn(conn, s.config.MaxLineBytes)
	sess := s.sessions.Create(NewSafeConn(lc), s.newPostLimiter(), s.log)
	s.log.Debug().Uint64("session", sess.ID).Str("remote", conn.RemoteAddr().String()).Msg("tcp connection")

	s.messageLoop(sess)
}

// newPostLimiter builds the per-session post rate limiter, nil when the
// limit is disabled.
func (s *Server) newPostLimiter() *rate.Limiter {
	if s.config.PostsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.config.PostsPerMinute)/60.0, s.config.PostBurst)
}

// messageLoop reads and handles envelopes until the connection ends. A
// line that fails to decode closes the connection without a response;
// everything else is answered in place.
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess)

	for {
		line, err := sess.Conn.ReadLine()
		if err != nil {
			if err == io.EOF {
				sess.log.Debug().Msg("client disconnected")
			} else {
				sess.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		sess.touch(time.Now().UnixMilli())

		env, err := protocol.DecodeEnvelope(line)
		if err != nil {
			// Malformed input means the peer isn't speaking the protocol;
			// there is nothing meaningful to answer.
			sess.log.Debug().Err(err).Msg("malformed line, closing")
			return
		}

		if err := s.handleEnvelope(sess, line, env); err != nil {
			if errors.Is(err, errClientDisconnecting) {
				sess.log.Debug().Msg("client disconnecting")
				return
			}
			sess.log.Debug().Err(err).Msg("handler error, closing")
			return
		}
	}
}

// removeSession tears a session down. Safe to call more than once.
func (s *Server) removeSession(sess *Session) {
	s.relay.Unsubscribe(sess.ID)
	removed := s.sessions.Remove(sess.ID)
	sess.Conn.Close()

	if removed != nil && removed.Identified() {
		removed.state = stateClosed
		s.presence.SetStatus(removed.publicKey, removed.nick, store.StatusOffline)
	}
}

func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupStaleSessions()
		}
	}
}

// cleanupStaleSessions closes connections idle past the session timeout.
// The owning message loop observes the close and unwinds normally.
func (s *Server) cleanupStaleSessions() {
	if s.config.SessionTimeoutSeconds <= 0 {
		return
	}
	timeout := time.Duration(s.config.SessionTimeoutSeconds) * time.Second
	cutoff := time.Now().Add(-timeout).UnixMilli()

	for _, sess := range s.sessions.All() {
		if last := sess.lastActivity.Load(); last != 0 && last < cutoff {
			sess.log.Debug().Dur("timeout", timeout).Msg("closing stale session")
			sess.Conn.Close()
		}
	}
}
