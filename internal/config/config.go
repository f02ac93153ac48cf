// Package config loads claspd's runtime configuration from the
// environment, grounded on the teacher's root config.go (caarlos0/env +
// godotenv, with Validate/LogConfig methods).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all claspd configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics.
	Addr            string `env:"CLASP_ADDR" envDefault:":7420"`
	MetricsAddr     string `env:"CLASP_METRICS_ADDR" envDefault:":9420"`
	ServerName      string `env:"CLASP_SERVER_NAME" envDefault:"claspd"`
	Authenticated   bool   `env:"CLASP_AUTHENTICATED" envDefault:"false"`
	ProtocolVersion uint8  `env:"CLASP_PROTOCOL_VERSION" envDefault:"1"`

	// Session lifecycle.
	HandshakeTimeout time.Duration `env:"CLASP_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	SessionTimeout   time.Duration `env:"CLASP_SESSION_TIMEOUT" envDefault:"2m"`
	CleanupInterval  time.Duration `env:"CLASP_CLEANUP_INTERVAL" envDefault:"15s"`

	// Capacity and rate limiting.
	MaxConnections    int `env:"CLASP_MAX_CONNECTIONS" envDefault:"10000"`
	RateLimitPerSec   int `env:"CLASP_RATE_LIMIT_PER_SEC" envDefault:"200"`
	SnapshotChunkSize int `env:"CLASP_SNAPSHOT_CHUNK_SIZE" envDefault:"800"`
	BroadcastWorkers  int `env:"CLASP_BROADCAST_WORKERS" envDefault:"8"`
	BroadcastQueue    int `env:"CLASP_BROADCAST_QUEUE" envDefault:"4096"`

	// Resource limits (container-aware, mirrors the Resource Guard).
	CPULimit           float64 `env:"CLASP_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit        int64   `env:"CLASP_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	CPURejectThreshold float64 `env:"CLASP_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"CLASP_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Gesture Registry tuning.
	GestureCoalesceInterval time.Duration `env:"CLASP_GESTURE_COALESCE_INTERVAL" envDefault:"16ms"`
	GestureMaxAge           time.Duration `env:"CLASP_GESTURE_MAX_AGE" envDefault:"5m"`

	// Bridges (bridge components exit cleanly if their broker env is unset).
	KafkaBrokers        string `env:"CLASP_KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup  string `env:"CLASP_KAFKA_CONSUMER_GROUP" envDefault:"claspd-bridge"`
	KafkaTopic          string `env:"CLASP_KAFKA_TOPIC" envDefault:"clasp-signals"`
	NATSURL             string `env:"CLASP_NATS_URL" envDefault:""`
	NATSSubjectPrefix   string `env:"CLASP_NATS_SUBJECT_PREFIX" envDefault:"clasp"`

	// Monitoring.
	MetricsInterval time.Duration `env:"CLASP_METRICS_INTERVAL" envDefault:"15s"`

	// Logging.
	LogLevel  string `env:"CLASP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CLASP_LOG_FORMAT" envDefault:"json"`

	// Environment.
	Environment string `env:"CLASP_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CLASP_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CLASP_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RateLimitPerSec < 1 {
		return fmt.Errorf("CLASP_RATE_LIMIT_PER_SEC must be > 0, got %d", c.RateLimitPerSec)
	}
	if c.SnapshotChunkSize < 1 {
		return fmt.Errorf("CLASP_SNAPSHOT_CHUNK_SIZE must be > 0, got %d", c.SnapshotChunkSize)
	}
	if c.BroadcastWorkers < 1 {
		return fmt.Errorf("CLASP_BROADCAST_WORKERS must be > 0, got %d", c.BroadcastWorkers)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CLASP_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("CLASP_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CLASP_CPU_PAUSE_THRESHOLD (%.1f) must be >= CLASP_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.ProtocolVersion == 0 {
		return fmt.Errorf("CLASP_PROTOCOL_VERSION must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("CLASP_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("CLASP_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Str("server_name", c.ServerName).
		Bool("authenticated", c.Authenticated).
		Uint8("protocol_version", c.ProtocolVersion).
		Dur("handshake_timeout", c.HandshakeTimeout).
		Dur("session_timeout", c.SessionTimeout).
		Int("max_connections", c.MaxConnections).
		Int("rate_limit_per_sec", c.RateLimitPerSec).
		Int("snapshot_chunk_size", c.SnapshotChunkSize).
		Int("broadcast_workers", c.BroadcastWorkers).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("gesture_coalesce_interval", c.GestureCoalesceInterval).
		Dur("gesture_max_age", c.GestureMaxAge).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
