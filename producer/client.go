// Package producer is the client side of the ingest protocol: a Client that
// streams one header and its records over a TCP connection, and Run, a load
// generator driving many clients concurrently.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// ErrNotConnected is returned when sending on a client that is not connected.
var ErrNotConnected = errors.New("producer: not connected")

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial in progress
	Connected                           // Connected and able to send
	Closed                              // Client closed; it cannot reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The remote address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// ConnectionStateHandler is called on every state change. Handlers are
// invoked from their own goroutine and must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// ClientConfig holds the settings of a single producer connection.
type ClientConfig struct {
	// Address is the "host:port" of the ingest server.
	Address string
	// ConnectionTimeout is the max duration for establishing the connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration of a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// CloseTimeout is how long WaitForClose waits for the server to hang up;
	// 0 means no timeout.
	CloseTimeout time.Duration
	// ChunkSize splits every send into writes of at most this many bytes;
	// 0 writes everything at once.
	ChunkSize int
	// ChunkDelay is slept between chunks to force fragmented reads on the
	// server.
	ChunkDelay time.Duration
}

// DefaultClientConfig returns a ClientConfig with default values for address.
//
// Returns:
//   - A ClientConfig with ConnectionTimeout 10s, WriteTimeout 10s,
//     CloseTimeout 30s and unchunked writes.
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		CloseTimeout:      30 * time.Second,
	}
}

// Client streams one ingest transfer over one connection. It is safe for
// concurrent use, although a transfer is naturally sequential.
type Client struct {
	config ClientConfig
	conn   net.Conn
	state  ConnectionState
	sent   int64

	onConnectionState ConnectionStateHandler

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a disconnected Client.
func NewClient(config ClientConfig) *Client {
	return &Client{
		config: config,
		state:  Disconnected,
	}
}

// OnConnectionState registers the handler for state changes. Repeated calls
// replace the previous handler; nil clears it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// Connect dials the server.
//
// Returns:
//   - nil on success; an error if the client is closed, already connected or
//     the dial fails
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return fmt.Errorf("already connected or connecting")
	}
	c.mu.Unlock()

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		return fmt.Errorf("failed to connect to %s: %w", c.config.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(Connected, nil)
	return nil
}

// Send writes data, split into ChunkSize writes.
//
// Returns:
//   - ErrNotConnected if not connected; otherwise the first write error
func (c *Client) Send(ctx context.Context, data []byte) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}

	chunk := c.config.ChunkSize
	if chunk <= 0 {
		chunk = len(data)
	}

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := chunk
		if n > len(data) {
			n = len(data)
		}

		if c.config.WriteTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
				return err
			}
		}

		written, err := conn.Write(data[:n])
		c.mu.Lock()
		c.sent += int64(written)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}

		data = data[n:]
		if len(data) > 0 && c.config.ChunkDelay > 0 {
			time.Sleep(c.config.ChunkDelay)
		}
	}

	return nil
}

// SendTransfer sends a header announcing len(records) records followed by
// the records themselves.
func (c *Client) SendTransfer(ctx context.Context, index int32, records []wire.SensorValue) error {
	hdr := wire.Header{RecordCount: uint64(len(records)), Index: index}
	if err := c.Send(ctx, hdr.Bytes()); err != nil {
		return fmt.Errorf("failed to send header: %w", err)
	}

	if err := c.Send(ctx, wire.EncodeBatch(records)); err != nil {
		return fmt.Errorf("failed to send records: %w", err)
	}

	return nil
}

// WaitForClose blocks until the server closes the connection. The server
// hangs up once it consumed the announced records, so a clean EOF confirms
// the transfer. Any bytes the server sends are discarded.
func (c *Client) WaitForClose(ctx context.Context) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}

	deadline := time.Time{}
	if c.config.CloseTimeout > 0 {
		deadline = time.Now().Add(c.config.CloseTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}

	buf := make([]byte, 512)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			c.disconnect(nil)
			return nil
		}

		c.disconnect(err)
		return fmt.Errorf("waiting for server close: %w", err)
	}
}

// Sent returns the number of bytes written so far.
func (c *Client) Sent() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sent
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close closes the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.setState(Closed, nil)
	return err
}

func (c *Client) connected() (net.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != Connected || c.conn == nil {
		return nil, ErrNotConnected
	}

	return c.conn, nil
}

func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.setState(Disconnected, cause)
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		go handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}
