package ingest

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
	"github.com/cyberinferno/sensor-ingest/wire"
)

// ConnectionHandler drives one connection through
// Accepting -> ReceivingHeader -> ReceivingValues -> Disconnecting.
//
// Exactly one operation is outstanding at any time, so the completion
// callbacks below never run concurrently for the same handler. The accessors
// used from other goroutines (State, Received, Header, Throughput) read
// atomics or take statsMu.
type ConnectionHandler struct {
	handle   SocketHandle
	listener *Listener
	log      logger.Logger
	sock     *socket

	state         atomic.Int32
	received      atomic.Uint64
	disconnecting atomic.Bool

	// acceptFailed is guarded by the listener mutex.
	acceptFailed bool

	statsMu    sync.Mutex
	header     wire.Header
	throughput perfmonitor.Throughput

	headerBuf [wire.HeaderSize]byte
	batchBuf  []byte
	decoded   []wire.SensorValue
	unit      []byte
	cursor    []byte
	monitor   *perfmonitor.PerformanceMonitor

	accept     AcceptRequest
	receive    ReceiveRequest
	disconnect DisconnectRequest
}

func newConnectionHandler(l *Listener, handle SocketHandle) *ConnectionHandler {
	h := &ConnectionHandler{
		handle:   handle,
		listener: l,
		log:      l.log.With(logger.Field{Key: "handle", Value: handle}),
		sock:     &socket{},
		batchBuf: make([]byte, l.cfg.BatchSize*wire.RecordSize),
		decoded:  make([]wire.SensorValue, 0, l.cfg.BatchSize),
		monitor:  perfmonitor.NewPerformanceMonitor(),
	}

	h.accept = AcceptRequest{
		operation: operation{kind: opAccept, handle: handle, sock: h.sock},
		owner:     l,
		timeout:   l.cfg.ReadTimeout,
	}
	h.receive = ReceiveRequest{
		operation: operation{kind: opReceive, handle: handle, sock: h.sock},
		handler:   h,
		timeout:   l.cfg.ReadTimeout,
	}
	h.disconnect = DisconnectRequest{
		operation: operation{kind: opDisconnect, handle: handle, sock: h.sock},
		handler:   h,
	}

	return h
}

// Handle returns the socket handle the handler is registered under.
func (h *ConnectionHandler) Handle() SocketHandle { return h.handle }

// State returns the current protocol state.
func (h *ConnectionHandler) State() State { return State(h.state.Load()) }

// Received returns the number of records accumulated so far.
func (h *ConnectionHandler) Received() uint64 { return h.received.Load() }

// Header returns the header received from the peer; zero until it arrived.
func (h *ConnectionHandler) Header() wire.Header {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.header
}

// Throughput returns the statistics reported when the record count was
// satisfied; zero before that.
func (h *ConnectionHandler) Throughput() perfmonitor.Throughput {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.throughput
}

// postAccept issues the accept together with the header pre-read.
func (h *ConnectionHandler) postAccept(ln net.Listener) error {
	h.accept.Clear()
	h.accept.ln = ln
	h.unit = h.headerBuf[:]
	h.cursor = h.unit
	h.accept.prepare(h.cursor)
	return h.listener.io.Post(&h.accept)
}

// HandleAcceptCompleted continues the protocol after the accept pre-read.
// The listener forwards every accept completion that is not the result of a
// local shutdown.
func (h *ConnectionHandler) HandleAcceptCompleted(req *AcceptRequest) {
	h.monitor.Start()

	if req.Accepted() {
		h.listener.metrics.ConnectionAccepted()
		if conn := h.sock.Conn(); conn != nil {
			h.log = h.log.With(logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
		}
	}

	if req.Result() != Success {
		h.fail(req)
		return
	}

	h.log.Debug("connection accepted", logger.Field{Key: "bytes", Value: req.BytesTransferred()})
	h.onHeaderBytes(req.BytesTransferred())
}

// HandleReceiveCompleted accumulates a partial or complete unit and decides
// what to post next.
func (h *ConnectionHandler) HandleReceiveCompleted(req *ReceiveRequest) {
	if req.Result() != Success {
		h.fail(req)
		return
	}

	n := req.BytesTransferred()
	switch h.State() {
	case ReceivingHeader:
		h.onHeaderBytes(n)
	case ReceivingValues:
		if !h.advance(n) {
			h.postReceive()
			return
		}
		h.batchComplete()
	default:
		h.log.Warn("receive completed in unexpected state", logger.Field{Key: "state", Value: h.State().String()})
	}
}

// HandleDisconnectCompleted hands the handler back to the listener, which
// destroys it and seeds a replacement.
func (h *ConnectionHandler) HandleDisconnectCompleted(req *DisconnectRequest) {
	h.log.Debug("connection closed",
		logger.Field{Key: "result", Value: req.Result().String()},
		logger.Field{Key: "received", Value: h.Received()},
	)

	h.listener.metrics.ConnectionClosed(req.Result())
	h.listener.DestroyAndAddNewHandler(h)
}

// Disconnect moves the handler to Disconnecting and posts the graceful close.
// Only the first call has any effect. If the completion queue refuses the
// post, the close runs inline so the handler is still replaced.
func (h *ConnectionHandler) Disconnect() {
	if !h.disconnecting.CompareAndSwap(false, true) {
		return
	}

	h.transition(Disconnecting)
	h.disconnect.Clear()
	if err := h.listener.io.Post(&h.disconnect); err != nil {
		h.log.Debug("disconnect post refused, closing inline", logger.Field{Key: "error", Value: err.Error()})
		h.disconnect.Execute()
		h.HandleDisconnectCompleted(&h.disconnect)
	}
}

// onHeaderBytes accounts n header bytes from either the accept pre-read or a
// header receive.
func (h *ConnectionHandler) onHeaderBytes(n int) {
	if !h.advance(n) {
		h.transition(ReceivingHeader)
		h.postReceive()
		return
	}

	h.headerComplete()
}

func (h *ConnectionHandler) headerComplete() {
	hdr, err := wire.DecodeHeader(h.headerBuf[:])
	if err != nil {
		h.log.Error("failed to decode header", logger.Field{Key: "error", Value: err.Error()})
		h.Disconnect()
		return
	}

	h.statsMu.Lock()
	h.header = hdr
	h.statsMu.Unlock()

	h.transition(ReceivingValues)
	h.log.Debug("header received",
		logger.Field{Key: "record_count", Value: hdr.RecordCount},
		logger.Field{Key: "index", Value: hdr.Index},
	)

	if hdr.RecordCount == 0 {
		h.finish()
		return
	}

	h.postNextBatch()
}

// postNextBatch re-points the cursor at the batch buffer. Under CountExact the
// final batch is trimmed to the records still outstanding.
func (h *ConnectionHandler) postNextBatch() {
	records := uint64(h.listener.cfg.BatchSize)
	if h.listener.cfg.CountPolicy == CountExact {
		if remaining := h.Header().RecordCount - h.Received(); remaining < records {
			records = remaining
		}
	}

	h.unit = h.batchBuf[:int(records)*wire.RecordSize]
	h.cursor = h.unit
	h.postReceive()
}

func (h *ConnectionHandler) batchComplete() {
	batch, err := wire.DecodeBatch(h.unit, h.decoded[:0])
	if err != nil {
		h.log.Error("failed to decode batch", logger.Field{Key: "error", Value: err.Error()})
		h.Disconnect()
		return
	}
	h.decoded = batch

	if err := h.listener.cfg.Sink.StoreBatch(h.listener.ctx, batch); err != nil {
		h.listener.metrics.SinkError()
		h.log.Warn("failed to store batch",
			logger.Field{Key: "records", Value: len(batch)},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}

	received := h.received.Add(uint64(len(batch)))
	h.listener.metrics.BatchReceived(len(batch), len(h.unit))

	if received >= h.Header().RecordCount {
		h.finish()
		return
	}

	h.postNextBatch()
}

// finish stops the stopwatch, reports throughput and disconnects.
func (h *ConnectionHandler) finish() {
	h.monitor.Stop()
	tp := h.monitor.Throughput(h.Received(), wire.RecordSize)

	h.statsMu.Lock()
	h.throughput = tp
	h.statsMu.Unlock()

	h.listener.metrics.ObserveThroughput(tp)
	h.log.Info("records received",
		logger.Field{Key: "records", Value: tp.Records},
		logger.Field{Key: "elapsed_ms", Value: h.monitor.ElapsedMilliseconds()},
		logger.Field{Key: "records_per_sec", Value: tp.RecordsPerSecond},
		logger.Field{Key: "gb_per_sec", Value: tp.GBPerSecond},
	)

	h.Disconnect()
}

// advance consumes n bytes of the current unit and reports whether the unit
// is complete.
func (h *ConnectionHandler) advance(n int) bool {
	h.cursor = h.cursor[n:]
	return len(h.cursor) == 0
}

func (h *ConnectionHandler) postReceive() {
	h.receive.Clear()
	h.receive.prepare(h.cursor)
	if err := h.listener.io.Post(&h.receive); err != nil {
		h.log.Warn("failed to post receive", logger.Field{Key: "error", Value: err.Error()})
		h.Disconnect()
	}
}

type completion interface {
	Result() Result
	Err() error
	BytesRequested() int
	BytesTransferred() int
}

// fail logs a failed completion and forces Disconnecting.
func (h *ConnectionHandler) fail(c completion) {
	fields := []logger.Field{
		{Key: "result", Value: c.Result().String()},
		{Key: "state", Value: h.State().String()},
		{Key: "requested", Value: c.BytesRequested()},
		{Key: "transferred", Value: c.BytesTransferred()},
	}
	if err := c.Err(); err != nil {
		fields = append(fields, logger.Field{Key: "error", Value: err.Error()})
	}

	if c.Result().IsShutdownStatus() {
		h.log.Debug("connection ended", fields...)
	} else {
		h.log.Warn("connection failed", fields...)
	}

	h.Disconnect()
}

func (h *ConnectionHandler) transition(to State) {
	from := State(h.state.Swap(int32(to)))
	if from == to {
		return
	}

	h.listener.metrics.StateTransition(from, to)
	if h.listener.cfg.OnTransition != nil {
		h.listener.cfg.OnTransition(h.handle, from, to)
	}
}
