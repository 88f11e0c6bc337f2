package client

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// transport carries envelope lines to and from the server. Reads and
// writes happen on separate goroutines (read loop, write loop) and never
// concurrently with themselves, so implementations need no locking.
type transport interface {
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	Close() error
}

// dialTransport connects to addr. "host:port" dials TCP; "ws://..." and
// "wss://..." dial the websocket endpoint.
func dialTransport(addr string) (transport, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", addr, err)
		}
		return &wsTransport{conn: conn}, nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return &tcpTransport{conn: conn, reader: bufio.NewReader(conn)}, nil
}

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (t *tcpTransport) ReadLine() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func (t *tcpTransport) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := t.conn.Write(buf)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteLine(line []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, line)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
