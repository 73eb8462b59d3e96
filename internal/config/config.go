// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection URL for postgres
}

// QueueConfig tunes the command execution engine.
type QueueConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReclaimInterval    time.Duration `yaml:"reclaim_interval"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Token string `yaml:"token"` // bearer token; empty disables auth
}

// RateLimitConfig holds submission rate limiting settings.
type RateLimitConfig struct {
	SubmitRPM int64 `yaml:"submit_rpm"` // submissions per minute per namespace (0 = unlimited)
}

// CacheConfig holds terminal command record cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "courier.db",
		},
		Queue: QueueConfig{
			MaxConcurrentTasks: 16,
			HeartbeatInterval:  5 * time.Second,
			StaleThreshold:     30 * time.Second,
			DefaultTimeout:     time.Minute,
			PollInterval:       2 * time.Second,
			ReclaimInterval:    10 * time.Second,
			ShutdownGrace:      20 * time.Second,
			DefaultMaxAttempts: 3,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Queue.StaleThreshold <= c.Queue.HeartbeatInterval {
		return fmt.Errorf("stale_threshold (%s) must exceed heartbeat_interval (%s)",
			c.Queue.StaleThreshold, c.Queue.HeartbeatInterval)
	}
	if c.Queue.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.Queue.MaxConcurrentTasks)
	}
	if c.Queue.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("default_max_attempts must be positive, got %d", c.Queue.DefaultMaxAttempts)
	}
	return nil
}
