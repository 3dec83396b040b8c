package producer

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/iocontext"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/store"
	"github.com/cyberinferno/sensor-ingest/wire"
)

// readingServer accepts one connection, reads a full transfer and either
// hangs up or holds the connection open until the test ends.
func readingServer(t *testing.T, hangUp bool) (addr string, got chan []wire.SensorValue) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got = make(chan []wire.SensorValue, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		hdrBuf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			return
		}
		hdr, _ := wire.DecodeHeader(hdrBuf)

		body := make([]byte, int(hdr.RecordCount)*wire.RecordSize)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		values, _ := wire.DecodeBatch(body, nil)
		got <- values

		if !hangUp {
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	return ln.Addr().String(), got
}

func TestGenerateRecords(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	records := GenerateRecords(10, 3, start)

	require.Len(t, records, 10)
	assert.Equal(t, "sensor-0", records[0].SensorID.String())
	assert.Equal(t, "sensor-1", records[1].SensorID.String())
	assert.Equal(t, "sensor-0", records[3].SensorID.String())
	assert.Equal(t, start.UnixNano(), records[0].Timestamp)
	assert.Equal(t, start.Add(9*time.Millisecond).UnixNano(), records[9].Timestamp)

	assert.Len(t, GenerateRecords(2, 0, start), 2)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(9).String())
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(DefaultClientConfig("127.0.0.1:1"))
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, []byte{1}), ErrNotConnected)
	assert.ErrorIs(t, c.WaitForClose(ctx), ErrNotConnected)
	assert.Equal(t, Disconnected, c.GetState())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.GetState())
	assert.Error(t, c.Connect(ctx))
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultClientConfig(addr)
	cfg.ConnectionTimeout = time.Second
	c := NewClient(cfg)

	var mu sync.Mutex
	var states []ConnectionState
	c.OnConnectionState(func(e ConnectionStateEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.State)
	})

	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, Disconnected, c.GetState())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, time.Millisecond)
}

func TestClient_ChunkedTransfer(t *testing.T) {
	addr, got := readingServer(t, true)

	cfg := DefaultClientConfig(addr)
	cfg.ChunkSize = 7
	cfg.CloseTimeout = 5 * time.Second
	c := NewClient(cfg)
	defer c.Close()

	ctx := context.Background()
	records := GenerateRecords(5, 2, time.Now())

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, Connected, c.GetState())
	require.NoError(t, c.SendTransfer(ctx, 3, records))
	require.NoError(t, c.WaitForClose(ctx))

	assert.Equal(t, records, <-got)
	assert.Equal(t, int64(wire.HeaderSize+5*wire.RecordSize), c.Sent())
	assert.Equal(t, Disconnected, c.GetState())
}

func TestClient_WaitForCloseTimeout(t *testing.T) {
	addr, got := readingServer(t, false)

	cfg := DefaultClientConfig(addr)
	cfg.CloseTimeout = 50 * time.Millisecond
	c := NewClient(cfg)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SendTransfer(ctx, 0, GenerateRecords(1, 1, time.Now())))
	<-got

	assert.Error(t, c.WaitForClose(ctx))
}

func TestRun_AgainstListener(t *testing.T) {
	ioc := iocontext.New(iocontext.Config{Workers: 4}, logger.NewNopLogger())
	require.NoError(t, ioc.Start())

	sink := store.NewCountingSink()
	l := ingest.NewListener(ingest.Config{
		Address:   "127.0.0.1:0",
		PoolSize:  4,
		BatchSize: 16,
		Sink:      sink,
	}, ioc, logger.NewNopLogger())
	require.NoError(t, l.Start())
	defer func() {
		l.Stop()
		ioc.Stop()
	}()

	cfg := DefaultConfig(l.Addr().String())
	cfg.Connections = 12
	cfg.Concurrency = 4
	cfg.Records = 50
	cfg.Client.ChunkSize = 100

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := Run(ctx, cfg, logger.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, 12, report.Connections)
	assert.Equal(t, uint64(600), report.Throughput.Records)
	assert.Equal(t, uint64(600), sink.Records())
	assert.Eventually(t, func() bool { return l.Replacements() == 12 }, 5*time.Second, 5*time.Millisecond)
}

func TestRun_Errors(t *testing.T) {
	_, err := Run(context.Background(), Config{}, logger.NewNopLogger())
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig(addr)
	cfg.Connections = 3
	report, err := Run(context.Background(), cfg, logger.NewNopLogger())
	assert.Error(t, err)
	assert.Equal(t, 0, report.Connections)
}
