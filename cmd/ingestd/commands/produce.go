package commands

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/producer"
)

var (
	produceAddress     string
	produceConnections int
	produceConcurrency int
	produceRecords     int
	produceSensors     int
	produceChunkSize   int
	produceChunkDelay  time.Duration
	produceVerbose     bool
)

var produceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Send generated sensor records to an ingest server",
	Long: `Open connections to an ingest server, send a header and generated records on
each, and wait for the server to confirm by closing the connection.

Examples:
  # 1000 records over one connection
  ingestd produce --records 1000

  # 200 transfers, 16 at a time, fragmented into 10-byte writes
  ingestd produce --connections 200 --concurrency 16 --chunk-size 10`,
	RunE: runProduce,
}

func init() {
	def := producer.DefaultConfig(ingest.DefaultAddress)

	produceCmd.Flags().StringVar(&produceAddress, "address", ingest.DefaultAddress, "ingest server address")
	produceCmd.Flags().IntVar(&produceConnections, "connections", def.Connections, "total number of transfers")
	produceCmd.Flags().IntVar(&produceConcurrency, "concurrency", def.Concurrency, "transfers in flight at once")
	produceCmd.Flags().IntVar(&produceRecords, "records", def.Records, "records per transfer")
	produceCmd.Flags().IntVar(&produceSensors, "sensors", def.Sensors, "distinct sensor IDs")
	produceCmd.Flags().IntVar(&produceChunkSize, "chunk-size", 0, "split writes into chunks of this many bytes (0 = no split)")
	produceCmd.Flags().DurationVar(&produceChunkDelay, "chunk-delay", 0, "pause between chunks")
	produceCmd.Flags().BoolVarP(&produceVerbose, "verbose", "v", false, "log every failed transfer")
}

func runProduce(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if !produceVerbose {
		level = zerolog.ErrorLevel
	}

	log, err := logger.New(logger.Config{Service: "ingestd-produce", Level: level})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := producer.DefaultConfig(produceAddress)
	cfg.Connections = produceConnections
	cfg.Concurrency = produceConcurrency
	cfg.Records = produceRecords
	cfg.Sensors = produceSensors
	cfg.Client.ChunkSize = produceChunkSize
	cfg.Client.ChunkDelay = produceChunkDelay

	report, err := producer.Run(ctx, cfg, log)

	cmd.Printf("confirmed %d/%d transfers, %d records in %s (%.0f records/s, %.6f GB/s)\n",
		report.Connections, cfg.Connections, report.Throughput.Records,
		report.Throughput.Elapsed.Round(time.Millisecond),
		report.Throughput.RecordsPerSecond, report.Throughput.GBPerSecond)

	return err
}
