package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/sensor-ingest/config"
	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/iocontext"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/metrics"
	"github.com/cyberinferno/sensor-ingest/store"
	"github.com/cyberinferno/sensor-ingest/wire"
)

var (
	serveAddress   string
	servePoolSize  int
	serveBatchSize int
	serveStoreKind string
	serveLogLevel  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest server",
	Long: `Run the ingest server until SIGINT or SIGTERM.

Examples:
  # Listen on the default address with the counting sink
  ingestd serve

  # Keep the newest value per sensor in Redis
  INGEST_STORE_KIND=redis INGEST_STORE_REDIS_ADDRESS=localhost:6379 ingestd serve

  # Override the listen address and pool size
  ingestd serve --listen 0.0.0.0:9500 --pool-size 256`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "listen", "", "TCP address to listen on")
	serveCmd.Flags().IntVar(&servePoolSize, "pool-size", 0, "number of connections accepted concurrently")
	serveCmd.Flags().IntVar(&serveBatchSize, "batch-size", 0, "records per receive")
	serveCmd.Flags().StringVar(&serveStoreKind, "store", "", "storage sink: count, memory, cache or redis")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "minimum log level")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	flags := cmd.Flags()

	if flags.Changed("listen") {
		overrides["listen.address"] = serveAddress
	}
	if flags.Changed("pool-size") {
		overrides["listen.pool_size"] = servePoolSize
	}
	if flags.Changed("batch-size") {
		overrides["ingest.batch_size"] = serveBatchSize
	}
	if flags.Changed("store") {
		overrides["store.kind"] = serveStoreKind
	}
	if flags.Changed("log-level") {
		overrides["logging.level"] = serveLogLevel
	}

	return overrides
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, serveOverrides(cmd))
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Service: "ingestd",
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Dir:     cfg.Logging.Dir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer sinks.Close()

	reg := prometheus.NewRegistry()
	var recorder *metrics.IngestMetrics
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewIngestMetrics(reg)
	}

	policy, err := ingest.ParseCountPolicy(cfg.Ingest.CountPolicy)
	if err != nil {
		return err
	}

	ioc := iocontext.New(iocontext.Config{Workers: cfg.IO.Workers, QueueSize: cfg.IO.QueueSize}, log)
	if err := ioc.Start(); err != nil {
		return fmt.Errorf("failed to start completion workers: %w", err)
	}
	defer ioc.Stop()

	listener := ingest.NewListener(ingest.Config{
		Address:     cfg.Listen.Address,
		PoolSize:    cfg.Listen.PoolSize,
		BatchSize:   cfg.Ingest.BatchSize,
		CountPolicy: policy,
		ReadTimeout: cfg.Ingest.ReadTimeout,
		Sink:        sinks.Sink,
		Metrics:     recorder,
	}, ioc, log)

	if err := listener.Start(); err != nil {
		return err
	}
	defer listener.Stop()

	var httpServer *http.Server
	httpDone := make(chan error, 1)
	if cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newHTTPHandler(reg, sinks.Reader),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpDone <- err
			}
			close(httpDone)
		}()

		log.Info("http endpoint enabled", logger.Field{Key: "address", Value: cfg.Metrics.Address})
	}

	log.Info("server is running, press Ctrl+C to stop",
		logger.Field{Key: "store", Value: cfg.Store.Kind},
		logger.Field{Key: "workers", Value: ioc.Workers()},
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping")
	case err := <-httpDone:
		if err != nil {
			log.Error("http endpoint failed", logger.Field{Key: "error", Value: err.Error()})
			return err
		}
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http endpoint shutdown failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}

	listener.Stop()
	ioc.Stop()
	log.Info("server stopped", logger.Field{Key: "replacements", Value: listener.Replacements()})
	return nil
}

// sinkSet is the storage selected by configuration.
type sinkSet struct {
	Sink   store.Sink
	Reader store.Reader
	close  func() error
}

// Close releases the sink's resources.
func (s sinkSet) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// buildSink constructs the sink named by cfg.Store.Kind. The Redis sink is
// pinged so a bad address fails startup.
func buildSink(ctx context.Context, cfg *config.Config) (sinkSet, error) {
	switch cfg.Store.Kind {
	case "", "count":
		return sinkSet{Sink: store.NewCountingSink()}, nil
	case "memory":
		s := store.NewMemorySink()
		return sinkSet{Sink: s, Reader: s}, nil
	case "cache":
		s := store.NewCacheSink(cfg.Store.Cache.TTL, cfg.Store.Cache.CleanupInterval)
		return sinkSet{Sink: s, Reader: s}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Store.Redis.Address,
			DB:           cfg.Store.Redis.DB,
			DialTimeout:  cfg.Store.Redis.Timeout,
			ReadTimeout:  cfg.Store.Redis.Timeout,
			WriteTimeout: cfg.Store.Redis.Timeout,
		})

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Store.Redis.Timeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return sinkSet{}, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.Redis.Address, err)
		}

		s := store.NewRedisSink(client, cfg.Store.Redis.Prefix)
		return sinkSet{
			Sink:   s,
			Reader: store.NewCachedReader(s, cfg.Store.Redis.ReadCacheTTL),
			close:  s.Close,
		}, nil
	default:
		return sinkSet{}, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

type sensorResponse struct {
	Sensor    string    `json:"sensor"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// newHTTPHandler serves /metrics from reg and, when reader is set, the newest
// value of a sensor at /sensors/{id}.
func newHTTPHandler(reg *prometheus.Registry, reader store.Reader) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if reader != nil {
		mux.HandleFunc("GET /sensors/{id}", func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("id")
			if len(name) > wire.SensorIDSize {
				http.Error(w, "sensor id too long", http.StatusBadRequest)
				return
			}

			v, err := reader.Latest(r.Context(), wire.NewSensorID(name))
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "sensor not found", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sensorResponse{
				Sensor:    v.SensorID.String(),
				Timestamp: v.Time().UTC(),
				Value:     v.Value,
			})
		})
	}

	return mux
}
