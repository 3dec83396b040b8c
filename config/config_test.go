package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9500", cfg.Listen.Address)
	assert.Equal(t, 64, cfg.Listen.PoolSize)
	assert.Equal(t, 1024, cfg.Ingest.BatchSize)
	assert.Equal(t, "exact", cfg.Ingest.CountPolicy)
	assert.Equal(t, time.Duration(0), cfg.Ingest.ReadTimeout)
	assert.Equal(t, zerolog.InfoLevel, cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "count", cfg.Store.Kind)
	assert.Equal(t, 5*time.Minute, cfg.Store.Cache.TTL)
	assert.Equal(t, "ingest:", cfg.Store.Redis.Prefix)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, cfg, Default())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: 0.0.0.0:7000
  pool_size: 8
ingest:
  batch_size: 16
  count_policy: whole_batch
  read_timeout: 30s
logging:
  level: DEBUG
  format: json
store:
  kind: redis
  redis:
    address: localhost:6379
    db: 2
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Listen.Address)
	assert.Equal(t, 8, cfg.Listen.PoolSize)
	assert.Equal(t, 16, cfg.Ingest.BatchSize)
	assert.Equal(t, "whole_batch", cfg.Ingest.CountPolicy)
	assert.Equal(t, 30*time.Second, cfg.Ingest.ReadTimeout)
	assert.Equal(t, zerolog.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "redis", cfg.Store.Kind)
	assert.Equal(t, "localhost:6379", cfg.Store.Redis.Address)
	assert.Equal(t, 2, cfg.Store.Redis.DB)
	assert.Equal(t, 2*time.Second, cfg.Store.Redis.Timeout)
}

func TestLoad_EnvAndOverrides(t *testing.T) {
	t.Setenv("INGEST_LISTEN_POOL_SIZE", "3")
	t.Setenv("INGEST_LOGGING_LEVEL", "warn")
	t.Setenv("INGEST_LISTEN_ADDRESS", "127.0.0.1:1111")

	cfg, err := Load("", map[string]any{"listen.address": "127.0.0.1:2222"})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Listen.PoolSize)
	assert.Equal(t, zerolog.WarnLevel, cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:2222", cfg.Listen.Address)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"pool size":    "listen:\n  pool_size: 0\n",
		"count policy": "ingest:\n  count_policy: rounded\n",
		"store kind":   "store:\n  kind: s3\n",
		"redis addr":   "store:\n  kind: redis\n",
		"log level":    "logging:\n  level: loud\n",
		"log format":   "logging:\n  format: xml\n",
		"address":      "listen:\n  address: nowhere\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
