package ingest

import (
	"net"
	"sync"
	"time"
)

// SocketHandle identifies a handler's socket slot. It is the key of the
// listener's handler map and the correlation token of every operation the
// handler posts. Zero is never a valid handle.
type SocketHandle = uint32

// socket is the slot a handler owns from creation. An accept binds a
// connection into it; Stop can close it at any time, including while the
// accept is still reading the header pre-read.
type socket struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// attach binds conn to the slot. If the slot was already closed, conn is
// closed and attach reports false.
func (s *socket) attach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = conn.Close()
		return false
	}

	s.conn = conn
	return true
}

// Conn returns the bound connection, or nil if none is bound or the slot is
// closed.
func (s *socket) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	return s.conn
}

// setReadDeadline arms a read deadline of d on the bound connection; d <= 0
// clears it.
func (s *socket) setReadDeadline(conn net.Conn, d time.Duration) {
	if d <= 0 {
		_ = conn.SetReadDeadline(time.Time{})
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(d))
}

// Close closes the slot and any bound connection. Safe to call repeatedly.
func (s *socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	if s.conn == nil {
		return nil
	}

	return s.conn.Close()
}

// Disconnect shuts the write side down when the transport supports it, then
// closes the connection. A slot that was already closed reports net.ErrClosed.
func (s *socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}

	s.closed = true
	if s.conn == nil {
		return nil
	}

	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}

	return s.conn.Close()
}
