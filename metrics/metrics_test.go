package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
)

func TestIngestMetrics_NilSafe(t *testing.T) {
	var m *IngestMetrics

	assert.NotPanics(t, func() {
		m.ConnectionAccepted()
		m.ConnectionClosed(ingest.Success)
		m.HandlerReplaced()
		m.SetActiveHandlers(3)
		m.BatchReceived(1, 32)
		m.SinkError()
		m.StateTransition(ingest.Accepting, ingest.ReceivingValues)
		m.ObserveThroughput(perfmonitor.Throughput{})
	})
}

func TestIngestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIngestMetrics(reg)

	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed(ingest.Success)
	m.ConnectionClosed(ingest.RemoteDisconnect)
	m.ConnectionClosed(ingest.RemoteDisconnect)
	m.HandlerReplaced()
	m.SetActiveHandlers(8)
	m.BatchReceived(3, 96)
	m.BatchReceived(1, 32)
	m.SinkError()
	m.StateTransition(ingest.Accepting, ingest.ReceivingValues)
	m.ObserveThroughput(perfmonitor.Throughput{Records: 10, Elapsed: time.Second, RecordsPerSecond: 10})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("remote_disconnect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerReplacements))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.ActiveHandlers))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Records))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.Bytes))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Batches))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("Accepting", "ReceivingValues")))

	count, err := testutil.GatherAndCount(reg, "sensor_ingest_server_connection_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestMetrics_Reregister(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewIngestMetrics(reg)
	first.ConnectionAccepted()

	second := NewIngestMetrics(reg)
	second.ConnectionAccepted()

	assert.Equal(t, 2.0, testutil.ToFloat64(second.ConnectionsAccepted))
}

func TestIngestMetrics_Unregistered(t *testing.T) {
	m := NewIngestMetrics(nil)
	m.HandlerReplaced()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerReplacements))
}
