// Package config loads runtime configuration from defaults, an optional
// config file and TRIBUTARY_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. TRIBUTARY_WORKERS.
const EnvPrefix = "TRIBUTARY"

// Config holds all runtime configuration.
type Config struct {
	// Workers is the number of workers executing each pipeline stage.
	Workers int `mapstructure:"workers" envconfig:"WORKERS"`
	// BufferCapacity is the tuple capacity of one buffer.
	BufferCapacity int `mapstructure:"buffer_capacity" envconfig:"BUFFER_CAPACITY"`
	// PoolSize is the number of in-flight buffers per pool.
	PoolSize int `mapstructure:"pool_size" envconfig:"POOL_SIZE"`
	// PageSize is the paged store page size in bytes.
	PageSize int `mapstructure:"page_size" envconfig:"PAGE_SIZE"`
	// MaxPages bounds live pages across all paged stores; 0 is unbounded.
	MaxPages int `mapstructure:"max_pages" envconfig:"MAX_PAGES"`
	// MaxPending bounds buffers held by one sequencer.
	MaxPending int `mapstructure:"max_pending" envconfig:"MAX_PENDING"`

	MetricsAddr     string        `mapstructure:"metrics_addr" envconfig:"METRICS_ADDR"`
	StatsInterval   time.Duration `mapstructure:"stats_interval" envconfig:"STATS_INTERVAL"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	Log   LogConfig   `mapstructure:"log" ignored:"true"`
	Kafka KafkaConfig `mapstructure:"kafka" ignored:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" envconfig:"LOG_LEVEL"`
	Format string `mapstructure:"format" envconfig:"LOG_FORMAT"` // text or json
}

// KafkaConfig holds defaults for Kafka sources and sinks.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	Group   string   `mapstructure:"group" envconfig:"KAFKA_GROUP"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Workers:         4,
		BufferCapacity:  4096,
		PoolSize:        256,
		PageSize:        64 << 10,
		MaxPending:      1024,
		MetricsAddr:     ":9090",
		StatsInterval:   10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Group:   "tributary",
		},
	}
}

// Load builds the configuration. path may be empty; otherwise it names a
// YAML, JSON or TOML file whose keys override the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	// Sections are flattened so variables read TRIBUTARY_LOG_LEVEL rather
	// than TRIBUTARY_LOG_LOG_LEVEL.
	for _, target := range []any{&cfg, &cfg.Log, &cfg.Kafka} {
		if err := envconfig.Process(EnvPrefix, target); err != nil {
			return Config{}, fmt.Errorf("load environment: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer_capacity must be positive, got %d", c.BufferCapacity))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.PageSize < 64 {
		errs = append(errs, fmt.Errorf("page_size must be at least 64 bytes, got %d", c.PageSize))
	}
	if c.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("max_pages must not be negative, got %d", c.MaxPages))
	}
	if c.MaxPending <= 0 {
		errs = append(errs, fmt.Errorf("max_pending must be positive, got %d", c.MaxPending))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
