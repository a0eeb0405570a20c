package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 1024, cfg.MaxPending)
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tributary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 8
pool_size: 32
shutdown_timeout: 5s
log:
  level: debug
kafka:
  brokers: [a:9092, b:9092]
`), 0o644))

	t.Setenv("TRIBUTARY_WORKERS", "2")
	t.Setenv("TRIBUTARY_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers, "environment overrides the file")
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4096, cfg.BufferCapacity, "unset keys keep defaults")
}

func TestInvalid(t *testing.T) {
	t.Setenv("TRIBUTARY_MAX_PENDING", "0")
	t.Setenv("TRIBUTARY_LOG_LEVEL", "chatty")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_pending")
	assert.Contains(t, err.Error(), "chatty")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	l, err := ParseLevel("error")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, l)
}
