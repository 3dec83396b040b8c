// Package iocontext implements a completion queue: callers post operations
// that perform one blocking I/O call each, and a fixed pool of worker
// goroutines delivers the completed operations back to their owners.
//
// Posting never blocks the caller. The blocking part of an operation runs on
// a goroutine owned by the IOContext; when it returns the operation is queued
// and exactly one worker invokes its Complete method. At most one operation
// per handle may be outstanding, which serializes the completions of any
// single connection while different connections complete in parallel.
package iocontext

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/sensor-ingest/logger"
)

var (
	// ErrStopped is returned by Post when the context is not running.
	ErrStopped = errors.New("iocontext: not running")

	// ErrOperationInFlight is returned by Post when the handle already has an
	// outstanding operation.
	ErrOperationInFlight = errors.New("iocontext: operation already in flight")

	// ErrRunning is returned by Start when the context is already running.
	ErrRunning = errors.New("iocontext: already running")
)

// Operation is a single asynchronous operation.
type Operation interface {
	// Handle returns the token correlating the operation with its owner.
	// Only one operation per handle may be in flight.
	Handle() uint32

	// Execute performs the blocking I/O. It runs on an I/O goroutine and
	// must record its outcome on the operation itself.
	Execute()

	// Complete delivers the outcome to the owner. It runs on a worker
	// goroutine after Execute returned.
	Complete()
}

// Config sizes the completion machinery.
type Config struct {
	// Workers is the number of goroutines draining the completion queue.
	// Zero means runtime.NumCPU().
	Workers int
	// QueueSize is the completion queue capacity. Zero means 4*Workers.
	QueueSize int
}

// IOContext owns the completion queue and its workers. It is created by the
// server, started before any listener uses it and stopped after every socket
// that could still complete has been closed.
type IOContext struct {
	log     logger.Logger
	workers int
	queue   chan Operation

	mu       sync.Mutex
	inflight map[uint32]struct{}
	running  bool
	stopping bool

	pending   sync.WaitGroup
	workerWG  sync.WaitGroup
	completed atomic.Uint64
	panics    atomic.Uint64
}

// New creates a stopped IOContext.
//
// Parameters:
//   - cfg: Worker and queue sizing
//   - log: Logger for worker diagnostics
//
// Returns:
//   - The new IOContext; call Start before posting
func New(cfg Config, log logger.Logger) *IOContext {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	size := cfg.QueueSize
	if size <= 0 {
		size = 4 * workers
	}

	return &IOContext{
		log:      log.With(logger.Field{Key: "component", Value: "iocontext"}),
		workers:  workers,
		queue:    make(chan Operation, size),
		inflight: make(map[uint32]struct{}),
	}
}

// Start launches the worker goroutines.
//
// Returns:
//   - ErrRunning if the context was already started
func (c *IOContext) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrRunning
	}

	if c.stopping {
		return fmt.Errorf("restart after stop: %w", ErrStopped)
	}

	c.running = true
	c.workerWG.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go c.worker(i)
	}

	c.log.Debug("completion workers started", logger.Field{Key: "workers", Value: c.workers})
	return nil
}

// Post submits op. Execute starts immediately on a new I/O goroutine.
//
// Parameters:
//   - op: The operation to run
//
// Returns:
//   - ErrStopped if the context is not running or is stopping
//   - ErrOperationInFlight if op.Handle() already has an outstanding operation
func (c *IOContext) Post(op Operation) error {
	c.mu.Lock()
	if !c.running || c.stopping {
		c.mu.Unlock()
		return ErrStopped
	}

	handle := op.Handle()
	if _, busy := c.inflight[handle]; busy {
		c.mu.Unlock()
		return fmt.Errorf("handle %d: %w", handle, ErrOperationInFlight)
	}

	c.inflight[handle] = struct{}{}
	c.pending.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()
		op.Execute()
		c.queue <- op
	}()

	return nil
}

// Stop refuses further posts, waits for every outstanding operation to
// complete and then for the workers to exit. Operations blocked in I/O keep
// Stop waiting, so owners must close their sockets first. Completions that try
// to post during Stop receive ErrStopped.
func (c *IOContext) Stop() {
	c.mu.Lock()
	if !c.running || c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.mu.Unlock()

	c.pending.Wait()
	close(c.queue)
	c.workerWG.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.Debug("completion workers stopped", logger.Field{Key: "completed", Value: c.completed.Load()})
}

// InFlight returns the number of handles with an outstanding operation.
func (c *IOContext) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Completed returns the number of completions delivered so far.
func (c *IOContext) Completed() uint64 {
	return c.completed.Load()
}

// Workers returns the size of the worker pool.
func (c *IOContext) Workers() int {
	return c.workers
}

func (c *IOContext) worker(id int) {
	defer c.workerWG.Done()

	for op := range c.queue {
		c.mu.Lock()
		delete(c.inflight, op.Handle())
		c.mu.Unlock()

		c.dispatch(id, op)
		c.completed.Add(1)
	}
}

// dispatch runs one completion; a panicking owner must not take the worker
// down with it.
func (c *IOContext) dispatch(id int, op Operation) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.log.Error("completion handler panicked",
				logger.Field{Key: "worker", Value: id},
				logger.Field{Key: "handle", Value: op.Handle()},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()

	op.Complete()
}
