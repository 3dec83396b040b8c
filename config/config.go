// Package config loads the ingest server configuration.
//
// Configuration sources (in order of precedence):
//  1. Overrides passed by the caller (CLI flags)
//  2. Environment variables (INGEST_*)
//  3. Configuration file (YAML, TOML or JSON)
//  4. Default values
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	// Listen controls the listening socket and handler pool.
	Listen ListenConfig `mapstructure:"listen"`

	// Ingest controls record batching and counting.
	Ingest IngestConfig `mapstructure:"ingest"`

	// IO sizes the completion queue.
	IO IOConfig `mapstructure:"io"`

	// Logging controls log output.
	Logging LoggingConfig `mapstructure:"logging"`

	// Metrics controls the Prometheus HTTP endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Store selects where received records go.
	Store StoreConfig `mapstructure:"store"`

	// ShutdownTimeout bounds the graceful shutdown of the HTTP endpoint.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ListenConfig controls the listening socket.
type ListenConfig struct {
	// Address is the TCP address to listen on.
	// Default: 127.0.0.1:9500
	Address string `mapstructure:"address" validate:"required,hostname_port"`

	// PoolSize is the number of connections accepted concurrently.
	// Default: 64
	PoolSize int `mapstructure:"pool_size" validate:"min=1,max=65536"`
}

// IngestConfig controls batching.
type IngestConfig struct {
	// BatchSize is the number of records received per read.
	// Default: 1024
	BatchSize int `mapstructure:"batch_size" validate:"min=1,max=1048576"`

	// CountPolicy is "exact" or "whole_batch".
	// Default: exact
	CountPolicy string `mapstructure:"count_policy" validate:"oneof=exact whole_batch"`

	// ReadTimeout bounds every read; zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
}

// IOConfig sizes the completion queue.
type IOConfig struct {
	// Workers is the number of completion workers; zero uses the CPU count.
	Workers int `mapstructure:"workers" validate:"gte=0"`

	// QueueSize is the completion queue capacity; zero uses 4 per worker.
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level zerolog.Level `mapstructure:"level"`

	// Format is "console" or "json".
	Format string `mapstructure:"format" validate:"oneof=console json"`

	// Dir additionally writes daily log files into this directory when set.
	Dir string `mapstructure:"dir"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	// Enabled starts the HTTP endpoint.
	Enabled bool `mapstructure:"enabled"`

	// Address is the HTTP listen address.
	// Default: 127.0.0.1:9501
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

// StoreConfig selects the record sink.
type StoreConfig struct {
	// Kind is one of count, memory, cache, redis.
	// Default: count
	Kind string `mapstructure:"kind" validate:"oneof=count memory cache redis"`

	// Cache configures the "cache" sink.
	Cache CacheStoreConfig `mapstructure:"cache"`

	// Redis configures the "redis" sink.
	Redis RedisStoreConfig `mapstructure:"redis"`
}

// CacheStoreConfig configures the TTL-bounded in-memory sink.
type CacheStoreConfig struct {
	// TTL is how long a sensor's latest value is kept.
	// Default: 5m
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`

	// CleanupInterval is how often expired values are purged.
	// Default: 1m
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// RedisStoreConfig configures the Redis sink.
type RedisStoreConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"gte=0"`

	// Prefix is prepended to every key.
	// Default: ingest:
	Prefix string `mapstructure:"prefix"`

	// Timeout bounds each sink call.
	// Default: 2s
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`

	// ReadCacheTTL is how long lookups served over HTTP are cached.
	// Default: 1s
	ReadCacheTTL time.Duration `mapstructure:"read_cache_ttl" validate:"gt=0"`
}

// Load reads the configuration.
//
// Parameters:
//   - path: Config file to read; empty means defaults and environment only
//   - overrides: Keys (e.g. "listen.address") set with the highest priority
//
// Returns:
//   - The loaded and validated configuration
//   - An error if the file cannot be read or a value is invalid
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.address", "127.0.0.1:9500")
	v.SetDefault("listen.pool_size", 64)
	v.SetDefault("ingest.batch_size", 1024)
	v.SetDefault("ingest.count_policy", "exact")
	v.SetDefault("ingest.read_timeout", "0s")
	v.SetDefault("io.workers", 0)
	v.SetDefault("io.queue_size", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.dir", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9501")
	v.SetDefault("store.kind", "count")
	v.SetDefault("store.cache.ttl", "5m")
	v.SetDefault("store.cache.cleanup_interval", "1m")
	v.SetDefault("store.redis.address", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "ingest:")
	v.SetDefault("store.redis.timeout", "2s")
	v.SetDefault("store.redis.read_cache_ttl", "1s")
	v.SetDefault("shutdown_timeout", "10s")
}

var validate = validator.New()

// Validate checks cfg against its field constraints and the rules that span
// sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if cfg.Store.Kind == "redis" && cfg.Store.Redis.Address == "" {
		return fmt.Errorf("store.redis.address is required when store.kind is redis")
	}

	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		levelDecodeHook(),
	)
}

// levelDecodeHook converts level names such as "debug" into zerolog.Level.
func levelDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(zerolog.Level(0)) {
			return data, nil
		}

		s, ok := data.(string)
		if !ok {
			return data, nil
		}

		level, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s, err)
		}

		return level, nil
	}
}
