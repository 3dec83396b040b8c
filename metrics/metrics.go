// Package metrics exports ingest activity to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
)

const (
	namespace = "sensor_ingest"
	subsystem = "server"
)

// IngestMetrics provides Prometheus metrics for the ingest listener and its
// handlers. It implements ingest.MetricsRecorder.
// All methods are nil-safe: calls on a nil *IngestMetrics are no-ops.
type IngestMetrics struct {
	// ConnectionsAccepted counts accepts that produced a connection.
	ConnectionsAccepted prometheus.Counter

	// ConnectionsClosed counts finished connections by disconnect result.
	ConnectionsClosed *prometheus.CounterVec

	// HandlerReplacements counts handlers seeded after a disconnect.
	HandlerReplacements prometheus.Counter

	// ActiveHandlers is the current handler pool size.
	ActiveHandlers prometheus.Gauge

	// Records counts records received in complete batches.
	Records prometheus.Counter

	// Bytes counts record payload bytes received in complete batches.
	Bytes prometheus.Counter

	// Batches counts complete batches.
	Batches prometheus.Counter

	// SinkErrors counts batches the sink failed to store.
	SinkErrors prometheus.Counter

	// Transitions counts handler state changes.
	// Labels: from, to.
	Transitions *prometheus.CounterVec

	// ConnectionRecordsPerSecond observes per-connection throughput.
	ConnectionRecordsPerSecond prometheus.Histogram

	// ConnectionDuration observes how long a connection took to deliver its
	// records.
	ConnectionDuration prometheus.Histogram
}

var _ ingest.MetricsRecorder = (*IngestMetrics)(nil)

// NewIngestMetrics creates and registers ingest metrics with reg. If reg is
// nil, metrics are created but not registered (useful for testing).
//
// On re-registration existing collectors from the registry are reused.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_closed_total",
			Help:      "Total number of closed connections by disconnect result",
		}, []string{"result"}),
		HandlerReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_replacements_total",
			Help:      "Total number of connection handlers replaced after a disconnect",
		}),
		ActiveHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_handlers",
			Help:      "Current number of connection handlers in the pool",
		}),
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Total number of records received",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "record_bytes_total",
			Help:      "Total number of record payload bytes received",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_total",
			Help:      "Total number of complete batches received",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sink_errors_total",
			Help:      "Total number of batches the storage sink failed to store",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total number of connection handler state transitions",
		}, []string{"from", "to"}),
		ConnectionRecordsPerSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_records_per_second",
			Help:      "Records per second achieved by individual connections",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
		}),
		ConnectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to the last expected record",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		m.ConnectionsAccepted = registerOrReuse(reg, m.ConnectionsAccepted).(prometheus.Counter)
		m.ConnectionsClosed = registerOrReuse(reg, m.ConnectionsClosed).(*prometheus.CounterVec)
		m.HandlerReplacements = registerOrReuse(reg, m.HandlerReplacements).(prometheus.Counter)
		m.ActiveHandlers = registerOrReuse(reg, m.ActiveHandlers).(prometheus.Gauge)
		m.Records = registerOrReuse(reg, m.Records).(prometheus.Counter)
		m.Bytes = registerOrReuse(reg, m.Bytes).(prometheus.Counter)
		m.Batches = registerOrReuse(reg, m.Batches).(prometheus.Counter)
		m.SinkErrors = registerOrReuse(reg, m.SinkErrors).(prometheus.Counter)
		m.Transitions = registerOrReuse(reg, m.Transitions).(*prometheus.CounterVec)
		m.ConnectionRecordsPerSecond = registerOrReuse(reg, m.ConnectionRecordsPerSecond).(prometheus.Histogram)
		m.ConnectionDuration = registerOrReuse(reg, m.ConnectionDuration).(prometheus.Histogram)
	}

	return m
}

// registerOrReuse registers c, returning the already registered collector
// when an identical one exists. Any other registration error panics.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// ConnectionAccepted increments the accepted connection counter.
func (m *IngestMetrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// ConnectionClosed increments the closed connection counter for result.
func (m *IngestMetrics) ConnectionClosed(result ingest.Result) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.WithLabelValues(result.String()).Inc()
}

// HandlerReplaced increments the replacement counter.
func (m *IngestMetrics) HandlerReplaced() {
	if m == nil {
		return
	}
	m.HandlerReplacements.Inc()
}

// SetActiveHandlers sets the pool size gauge.
func (m *IngestMetrics) SetActiveHandlers(n int) {
	if m == nil {
		return
	}
	m.ActiveHandlers.Set(float64(n))
}

// BatchReceived accounts one complete batch.
func (m *IngestMetrics) BatchReceived(records int, bytes int) {
	if m == nil {
		return
	}
	m.Batches.Inc()
	m.Records.Add(float64(records))
	m.Bytes.Add(float64(bytes))
}

// SinkError increments the sink error counter.
func (m *IngestMetrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// StateTransition increments the transition counter for from -> to.
func (m *IngestMetrics) StateTransition(from, to ingest.State) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ObserveThroughput records the statistics of one finished connection.
func (m *IngestMetrics) ObserveThroughput(t perfmonitor.Throughput) {
	if m == nil {
		return
	}
	m.ConnectionDuration.Observe(t.Elapsed.Seconds())
	if t.RecordsPerSecond > 0 {
		m.ConnectionRecordsPerSecond.Observe(t.RecordsPerSecond)
	}
}
