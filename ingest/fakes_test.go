package ingest

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sensor-ingest/iocontext"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
	"github.com/cyberinferno/sensor-ingest/wire"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// scriptConn returns one scripted chunk per Read (less if the buffer is
// smaller), waiting delay before each chunk. When the script is exhausted it
// either reports EOF or blocks until the connection is closed.
type scriptConn struct {
	mu     sync.Mutex
	chunks [][]byte
	eof    bool
	reads  int
	delay  time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	peerGone  chan struct{}
	peerOnce  sync.Once
}

func newScriptConn(eof bool, chunks ...[]byte) *scriptConn {
	return &scriptConn{
		chunks:   chunks,
		eof:      eof,
		closed:   make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

func (c *scriptConn) Read(b []byte) (int, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	c.reads++
	if len(c.chunks) > 0 {
		n := copy(b, c.chunks[0])
		c.chunks[0] = c.chunks[0][n:]
		if len(c.chunks[0]) == 0 {
			c.chunks = c.chunks[1:]
		}
		c.mu.Unlock()
		return n, nil
	}
	eof := c.eof
	c.mu.Unlock()

	if eof {
		return 0, io.EOF
	}

	select {
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.peerGone:
		return 0, io.EOF
	}
}

// hangUp makes a blocked Read report that the peer closed.
func (c *scriptConn) hangUp() {
	c.peerOnce.Do(func() { close(c.peerGone) })
}

func (c *scriptConn) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func (c *scriptConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *scriptConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
func (c *scriptConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *scriptConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

// fakeListener hands out the connections pushed into it.
type fakeListener struct {
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		conns:  make(chan net.Conn, 128),
		closed: make(chan struct{}),
	}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeListener) Addr() net.Addr { return fakeAddr("listener") }

// flakyListener fails its first failures accepts with EMFILE and then
// behaves like fakeListener. A negative count fails every accept.
type flakyListener struct {
	*fakeListener
	failures atomic.Int32
	attempts atomic.Int32
}

func newFlakyListener(failures int32) *flakyListener {
	l := &flakyListener{fakeListener: newFakeListener()}
	l.failures.Store(failures)
	return l
}

func (l *flakyListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}

	l.attempts.Add(1)
	for {
		n := l.failures.Load()
		if n == 0 {
			return l.fakeListener.Accept()
		}
		if n < 0 || l.failures.CompareAndSwap(n, n-1) {
			return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
		}
	}
}

type transition struct {
	handle   SocketHandle
	from, to State
}

type fakeRecorder struct {
	mu          sync.Mutex
	accepted    int
	closed      map[Result]int
	replaced    int
	batches     int
	records     int
	sinkErrors  int
	throughputs []perfmonitor.Throughput
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{closed: make(map[Result]int)}
}

func (r *fakeRecorder) ConnectionAccepted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *fakeRecorder) ConnectionClosed(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[result]++
}

func (r *fakeRecorder) HandlerReplaced() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaced++
}

func (r *fakeRecorder) SetActiveHandlers(int) {}

func (r *fakeRecorder) BatchReceived(records int, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	r.records += records
}

func (r *fakeRecorder) SinkError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinkErrors++
}

func (r *fakeRecorder) StateTransition(State, State) {}

func (r *fakeRecorder) ObserveThroughput(t perfmonitor.Throughput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throughputs = append(r.throughputs, t)
}

func (r *fakeRecorder) Throughputs() []perfmonitor.Throughput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]perfmonitor.Throughput(nil), r.throughputs...)
}

// recordingSink keeps copies of every stored record in arrival order.
type recordingSink struct {
	mu     sync.Mutex
	values []wire.SensorValue
	err    error
}

func (s *recordingSink) StoreRecord(ctx context.Context, v wire.SensorValue) error {
	return s.StoreBatch(ctx, []wire.SensorValue{v})
}

func (s *recordingSink) StoreBatch(_ context.Context, batch []wire.SensorValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, batch...)
	return s.err
}

func (s *recordingSink) Values() []wire.SensorValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.SensorValue(nil), s.values...)
}

type harness struct {
	t        *testing.T
	io       *iocontext.IOContext
	ln       *fakeListener
	listener *Listener
	sink     *recordingSink
	metrics  *fakeRecorder

	mu          sync.Mutex
	transitions []transition
	headers     map[SocketHandle]wire.Header
	maxLen      atomic.Int64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		io:      iocontext.New(iocontext.Config{Workers: 4}, logger.NewNopLogger()),
		ln:      newFakeListener(),
		metrics: newFakeRecorder(),
		headers: make(map[SocketHandle]wire.Header),
	}

	if cfg.Sink == nil {
		h.sink = &recordingSink{}
		cfg.Sink = h.sink
	}
	cfg.Metrics = h.metrics
	cfg.OnTransition = h.onTransition

	require.NoError(t, h.io.Start())
	h.listener = NewListener(cfg, h.io, logger.NewNopLogger())
	require.NoError(t, h.listener.StartWithListener(h.ln))

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.listener.Stop()
	h.io.Stop()
}

func (h *harness) onTransition(handle SocketHandle, from, to State) {
	if to == Disconnecting {
		if handler, ok := h.listener.Handler(handle); ok {
			hdr := handler.Header()
			h.mu.Lock()
			h.headers[handle] = hdr
			h.mu.Unlock()
		}
	}

	if n := int64(h.listener.Len()); n > h.maxLen.Load() {
		h.maxLen.Store(n)
	}

	h.mu.Lock()
	h.transitions = append(h.transitions, transition{handle: handle, from: from, to: to})
	h.mu.Unlock()
}

func (h *harness) connect(c net.Conn) {
	h.ln.conns <- c
}

func (h *harness) Transitions() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transition(nil), h.transitions...)
}

// disconnected returns the handles that reached Disconnecting, in order.
func (h *harness) disconnected() []SocketHandle {
	var out []SocketHandle
	for _, tr := range h.Transitions() {
		if tr.to == Disconnecting {
			out = append(out, tr.handle)
		}
	}
	return out
}

func (h *harness) transitionsOf(handle SocketHandle) []transition {
	var out []transition
	for _, tr := range h.Transitions() {
		if tr.handle == handle {
			out = append(out, tr)
		}
	}
	return out
}

func (h *harness) header(handle SocketHandle) wire.Header {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headers[handle]
}

func (h *harness) waitReplacements(n uint64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.listener.Replacements() >= n
	}, 5*time.Second, 5*time.Millisecond)
}

func makeRecords(n int, prefix string) []wire.SensorValue {
	out := make([]wire.SensorValue, n)
	for i := range out {
		out[i] = wire.SensorValue{
			SensorID:  wire.NewSensorID(prefix),
			Timestamp: int64(1_700_000_000_000_000_000 + i),
			Value:     float64(i) * 0.5,
		}
	}
	return out
}

func stream(count uint64, index int32, records []wire.SensorValue) []byte {
	return append(wire.Header{RecordCount: count, Index: index}.Bytes(), wire.EncodeBatch(records)...)
}
