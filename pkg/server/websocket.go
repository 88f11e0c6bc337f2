package server

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and runs a normal session over
// it. One WebSocket text message carries one envelope line, so WebSocket
// clients speak the exact same protocol as TCP ones.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(s.config.MaxLineBytes))

	sess := s.sessions.Create(NewSafeConn(&wsLineConn{conn: conn}), s.newPostLimiter(), s.log)
	s.log.Debug().Uint64("session", sess.ID).Str("remote", r.RemoteAddr).Msg("websocket connection")

	go s.messageLoop(sess)
}

// wsLineConn adapts a WebSocket connection to the LineConn contract.
type wsLineConn struct {
	conn *websocket.Conn
}

func (c *wsLineConn) ReadLine() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsLineConn) WriteLine(line []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, line)
}

func (c *wsLineConn) Close() error {
	return c.conn.Close()
}

func (c *wsLineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
