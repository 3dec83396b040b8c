package ingest

import (
	"fmt"
	"time"

	"github.com/cyberinferno/sensor-ingest/iocontext"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
	"github.com/cyberinferno/sensor-ingest/store"
)

// CountPolicy decides how many records a connection consumes.
type CountPolicy string

const (
	// CountExact trims the final receive so exactly RecordCount records are
	// consumed.
	CountExact CountPolicy = "exact"
	// CountWholeBatch always receives whole batches and stops once the
	// accumulated count reaches RecordCount, possibly consuming more.
	CountWholeBatch CountPolicy = "whole_batch"
)

// ParseCountPolicy validates s as a CountPolicy. The empty string selects
// CountExact.
func ParseCountPolicy(s string) (CountPolicy, error) {
	switch CountPolicy(s) {
	case "", CountExact:
		return CountExact, nil
	case CountWholeBatch:
		return CountWholeBatch, nil
	default:
		return "", fmt.Errorf("unknown count policy %q", s)
	}
}

const (
	DefaultAddress   = "127.0.0.1:9500"
	DefaultPoolSize  = 64
	DefaultBatchSize = 1024
)

// Poster submits operations to a completion queue. *iocontext.IOContext
// satisfies it.
type Poster interface {
	Post(op iocontext.Operation) error
}

// MetricsRecorder receives ingest events. Every method must be safe for
// concurrent use; a nil recorder disables recording.
type MetricsRecorder interface {
	ConnectionAccepted()
	ConnectionClosed(result Result)
	HandlerReplaced()
	SetActiveHandlers(n int)
	BatchReceived(records int, bytes int)
	SinkError()
	StateTransition(from, to State)
	ObserveThroughput(t perfmonitor.Throughput)
}

// Config configures a Listener and the handlers it creates.
type Config struct {
	// Address is the TCP address to listen on; ignored by StartWithListener.
	Address string
	// PoolSize is the number of handlers kept ready to accept.
	PoolSize int
	// BatchSize is the number of records per receive.
	BatchSize int
	// CountPolicy selects exact or whole-batch record counting.
	CountPolicy CountPolicy
	// ReadTimeout bounds each individual read; zero disables it.
	ReadTimeout time.Duration
	// Sink receives every completed batch. Nil discards records.
	Sink store.Sink
	// Metrics receives ingest events. Nil disables recording.
	Metrics MetricsRecorder
	// OnTransition observes handler state changes. Optional.
	OnTransition TransitionFunc
}

// DefaultConfig returns a Config with the default address, pool and batch
// sizes and exact counting.
func DefaultConfig() Config {
	return Config{
		Address:     DefaultAddress,
		PoolSize:    DefaultPoolSize,
		BatchSize:   DefaultBatchSize,
		CountPolicy: CountExact,
	}
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}

	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	if c.CountPolicy == "" {
		c.CountPolicy = CountExact
	}

	if c.Sink == nil {
		c.Sink = store.NewCountingSink()
	}

	return c
}
