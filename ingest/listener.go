// Package ingest implements the completion-driven sensor ingest server: a
// Listener keeping a fixed pool of ConnectionHandlers ready to accept, and the
// per-connection protocol that receives a header followed by RecordCount
// fixed-size records in batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sensor-ingest/idgenerator"
	"github.com/cyberinferno/sensor-ingest/logger"
)

// ErrListenerRunning is returned by Start when the listener was already
// started.
var ErrListenerRunning = errors.New("ingest: listener already running")

// Bounds of the delay applied before a replacement handler accepts again
// after its predecessor's accept failed (EMFILE, ENOBUFS and the like).
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listener owns the listening socket and the handler pool. Every handler is
// registered under its socket handle; the map is only touched under mu.
type Listener struct {
	cfg     Config
	io      Poster
	log     logger.Logger
	metrics MetricsRecorder
	handles *idgenerator.IdGenerator

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ln           net.Listener
	handlers     map[SocketHandle]*ConnectionHandler
	running      bool
	stopped      bool
	replacements uint64

	// acceptDelay grows while accepts keep failing and resets on the first
	// accept that produces a connection. delayed holds the replacement
	// accepts waiting out that delay.
	acceptDelay time.Duration
	delayed     map[SocketHandle]*time.Timer
}

// NewListener creates a stopped Listener.
//
// Parameters:
//   - cfg: Listener configuration; zero fields take their defaults
//   - io: Completion queue the listener and its handlers post to
//   - log: Logger for listener and handler diagnostics
//
// Returns:
//   - The new Listener
func NewListener(cfg Config, io Poster, log logger.Logger) *Listener {
	cfg = cfg.withDefaults()

	var rec MetricsRecorder = nopMetrics{}
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:      cfg,
		io:       io,
		log:      log.With(logger.Field{Key: "component", Value: "listener"}),
		metrics:  rec,
		handles:  idgenerator.NewIdGenerator(0),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[SocketHandle]*ConnectionHandler, cfg.PoolSize),
		delayed:  make(map[SocketHandle]*time.Timer),
	}
}

// Start listens on the configured TCP address and posts PoolSize accepts.
//
// Returns:
//   - ErrListenerRunning if already started
//   - An error if the address cannot be bound
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
	}

	if err := l.StartWithListener(ln); err != nil {
		_ = ln.Close()
		return err
	}

	return nil
}

// StartWithListener is Start over an already bound listener, which the
// Listener takes ownership of.
func (l *Listener) StartWithListener(ln net.Listener) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running || l.stopped {
		return ErrListenerRunning
	}

	l.ln = ln
	l.running = true

	for i := 0; i < l.cfg.PoolSize; i++ {
		h := l.addHandlerLocked()
		if err := h.postAccept(ln); err != nil {
			l.running = false
			l.closeAllLocked()
			return fmt.Errorf("failed to post accept: %w", err)
		}
	}

	l.metrics.SetActiveHandlers(len(l.handlers))
	l.log.Info("listening",
		logger.Field{Key: "address", Value: ln.Addr().String()},
		logger.Field{Key: "pool_size", Value: l.cfg.PoolSize},
		logger.Field{Key: "batch_size", Value: l.cfg.BatchSize},
		logger.Field{Key: "count_policy", Value: string(l.cfg.CountPolicy)},
	)

	return nil
}

// Stop closes every owned connection and then the listening socket. Pending
// operations complete with shutdown statuses, which are dropped. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	l.running = false
	l.stopped = true
	l.closeAllLocked()
	l.log.Info("listener stopped", logger.Field{Key: "replacements", Value: l.replacements})
}

func (l *Listener) closeAllLocked() {
	for handle, t := range l.delayed {
		t.Stop()
		delete(l.handlers, handle)
		delete(l.delayed, handle)
	}

	for _, h := range l.handlers {
		_ = h.sock.Close()
	}

	if l.ln != nil {
		_ = l.ln.Close()
	}

	l.cancel()
}

// HandleAcceptCompleted routes an accept completion to its handler. Shutdown
// statuses are dropped when the listener is stopped or when the accept never
// produced a connection; otherwise the handler takes over and, on failure,
// disconnects so that a replacement is seeded.
func (l *Listener) HandleAcceptCompleted(req *AcceptRequest) {
	l.mu.Lock()
	h, ok := l.handlers[req.Handle()]
	running := l.running
	if ok && !running && req.Result().IsShutdownStatus() {
		delete(l.handlers, req.Handle())
	}
	if ok {
		h.acceptFailed = !req.Accepted()
	}
	if req.Accepted() {
		l.acceptDelay = 0
	}
	l.mu.Unlock()

	if !ok {
		l.log.Debug("accept completed for unknown handle", logger.Field{Key: "handle", Value: req.Handle()})
		return
	}

	if req.Result().IsShutdownStatus() && (!running || !req.Accepted()) {
		_ = h.sock.Close()
		l.log.Debug("accept cancelled",
			logger.Field{Key: "handle", Value: req.Handle()},
			logger.Field{Key: "result", Value: req.Result().String()},
		)
		return
	}

	h.HandleAcceptCompleted(req)
}

// DestroyAndAddNewHandler removes h from the pool and, while the listener is
// running, registers a replacement and posts its accept. Calls for a handler
// that is no longer registered are ignored, so a handler is replaced at most
// once. When h's own accept failed, the replacement's accept is posted after
// a delay that doubles on every consecutive failure.
func (l *Listener) DestroyAndAddNewHandler(h *ConnectionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.handlers[h.handle]; !ok || cur != h {
		return
	}

	delete(l.handlers, h.handle)
	if !l.running {
		l.metrics.SetActiveHandlers(len(l.handlers))
		return
	}

	next := l.addHandlerLocked()
	l.replacements++
	l.metrics.HandlerReplaced()
	l.metrics.SetActiveHandlers(len(l.handlers))

	if !h.acceptFailed {
		l.postAcceptLocked(next)
		return
	}

	l.acceptDelay = nextAcceptDelay(l.acceptDelay)
	l.log.Warn("accept failed, delaying next accept",
		logger.Field{Key: "handle", Value: next.handle},
		logger.Field{Key: "delay", Value: l.acceptDelay.String()},
	)

	l.delayed[next.handle] = time.AfterFunc(l.acceptDelay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		if _, ok := l.delayed[next.handle]; !ok {
			return
		}

		delete(l.delayed, next.handle)
		l.postAcceptLocked(next)
	})
}

func (l *Listener) postAcceptLocked(h *ConnectionHandler) {
	if err := h.postAccept(l.ln); err != nil {
		l.log.Error("failed to post accept for replacement handler",
			logger.Field{Key: "handle", Value: h.handle},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}

	if d *= 2; d > maxAcceptDelay {
		return maxAcceptDelay
	}

	return d
}

func (l *Listener) addHandlerLocked() *ConnectionHandler {
	h := newConnectionHandler(l, l.handles.Id())
	l.handlers[h.handle] = h
	return h
}

// Len returns the number of registered handlers.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Replacements returns how many handlers were replaced since Start.
func (l *Listener) Replacements() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replacements
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}

	return l.ln.Addr()
}

// Handler returns the handler registered under handle.
func (l *Listener) Handler(handle SocketHandle) (*ConnectionHandler, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.handlers[handle]
	return h, ok
}
