package producer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/perfmonitor"
	"github.com/cyberinferno/sensor-ingest/wire"
)

// Config describes a load run.
type Config struct {
	// Client configures every connection.
	Client ClientConfig
	// Connections is the total number of transfers.
	Connections int
	// Concurrency is the number of transfers in flight at once.
	Concurrency int
	// Records is the number of records per transfer.
	Records int
	// Sensors is the number of distinct sensor IDs the records cycle through.
	Sensors int
}

// DefaultConfig returns a Config sending 100 records over one connection.
func DefaultConfig(address string) Config {
	return Config{
		Client:      DefaultClientConfig(address),
		Connections: 1,
		Concurrency: 1,
		Records:     100,
		Sensors:     4,
	}
}

// Report summarizes a finished run.
type Report struct {
	// Connections is the number of transfers the server confirmed.
	Connections int
	// Throughput covers every confirmed record over the whole run.
	Throughput perfmonitor.Throughput
}

// Run performs cfg.Connections transfers, at most cfg.Concurrency at a time,
// and waits until the server confirmed each by closing the connection. The
// first failing transfer cancels the rest.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: The run description
//   - log: Logger for per-connection diagnostics
//
// Returns:
//   - The report of the confirmed transfers
//   - The first transfer error, if any
func Run(ctx context.Context, cfg Config, log logger.Logger) (Report, error) {
	if cfg.Connections <= 0 {
		return Report{}, fmt.Errorf("connections must be positive, got %d", cfg.Connections)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	log = log.With(logger.Field{Key: "component", Value: "producer"})
	monitor := perfmonitor.NewPerformanceMonitor()
	monitor.Start()

	var confirmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	for i := 0; i < cfg.Connections; i++ {
		index := int32(i)
		g.Go(func() error {
			records := GenerateRecords(cfg.Records, cfg.Sensors, time.Now())
			if err := transfer(gctx, cfg.Client, index, records); err != nil {
				log.Warn("transfer failed",
					logger.Field{Key: "index", Value: index},
					logger.Field{Key: "error", Value: err.Error()},
				)
				return fmt.Errorf("transfer %d: %w", index, err)
			}

			confirmed.Add(1)
			return nil
		})
	}

	err := g.Wait()
	monitor.Stop()

	n := int(confirmed.Load())
	report := Report{
		Connections: n,
		Throughput:  monitor.Throughput(uint64(n)*uint64(cfg.Records), wire.RecordSize),
	}

	log.Info("run finished",
		logger.Field{Key: "connections", Value: n},
		logger.Field{Key: "records", Value: report.Throughput.Records},
		logger.Field{Key: "elapsed_ms", Value: monitor.ElapsedMilliseconds()},
		logger.Field{Key: "records_per_sec", Value: report.Throughput.RecordsPerSecond},
		logger.Field{Key: "gb_per_sec", Value: report.Throughput.GBPerSecond},
	)

	return report, err
}

func transfer(ctx context.Context, cfg ClientConfig, index int32, records []wire.SensorValue) error {
	c := NewClient(cfg)
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	if err := c.SendTransfer(ctx, index, records); err != nil {
		return err
	}

	return c.WaitForClose(ctx)
}

// GenerateRecords produces n records cycling through sensors named
// "sensor-0".."sensor-<sensors-1>", one millisecond apart starting at start,
// with a sine wave as the value.
func GenerateRecords(n, sensors int, start time.Time) []wire.SensorValue {
	if sensors <= 0 {
		sensors = 1
	}

	ids := make([]wire.SensorID, sensors)
	for i := range ids {
		ids[i] = wire.NewSensorID(fmt.Sprintf("sensor-%d", i))
	}

	out := make([]wire.SensorValue, n)
	base := start.UnixNano()
	for i := range out {
		out[i] = wire.SensorValue{
			SensorID:  ids[i%sensors],
			Timestamp: base + int64(i)*int64(time.Millisecond),
			Value:     math.Sin(float64(i) / 10),
		}
	}

	return out
}
