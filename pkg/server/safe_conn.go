package server

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// LineConn is a transport able to carry newline-delimited envelope lines.
// The TCP and WebSocket transports both implement it, which keeps the
// session engine transport-agnostic.
type LineConn interface {
	// ReadLine returns the next envelope line without its terminator.
	// The returned slice is owned by the caller.
	ReadLine() ([]byte, error)
	// WriteLine writes one envelope line plus terminator.
	WriteLine(line []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// SafeConn wraps a LineConn with automatic write synchronization.
//
// Two writers share every connection: the session handler (responses) and
// the relay broadcaster (fan-out). Without the mutex their lines would
// interleave mid-envelope on the wire. The raw conn is private, so writing
// without the lock is impossible.
type SafeConn struct {
	conn LineConn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a LineConn with write synchronization.
func NewSafeConn(conn LineConn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteLine writes one envelope line with synchronization. This is the
// only way to write to the connection.
func (sc *SafeConn) WriteLine(line []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteLine(line)
}

// ReadLine reads the next line. Reads don't need write synchronization.
func (sc *SafeConn) ReadLine() ([]byte, error) {
	return sc.conn.ReadLine()
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// tcpLineConn carries envelope lines over a stream socket.
type tcpLineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// NewTCPLineConn wraps a stream connection. Lines longer than maxLineBytes
// fail the read, which closes the connection (oversized input is treated
// like any other malformed line).
func NewTCPLineConn(conn net.Conn, maxLineBytes int) LineConn {
	scanner := bufio.NewScanner(conn)
	// Scanner takes the larger of max and the initial capacity, so the
	// initial buffer must not exceed the limit.
	initial := 64 * 1024
	if maxLineBytes < initial {
		initial = maxLineBytes
	}
	scanner.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &tcpLineConn{conn: conn, scanner: scanner}
}

func (c *tcpLineConn) ReadLine() ([]byte, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	// The scanner reuses its buffer between reads; the line outlives the
	// next read (history, relay), so copy.
	token := c.scanner.Bytes()
	line := make([]byte, len(token))
	copy(line, token)
	return line, nil
}

func (c *tcpLineConn) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

func (c *tcpLineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
