package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
	Assets    AssetsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"DECAF_PORT" default:"8130"`
	Host string `envconfig:"DECAF_HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"DECAF_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"DECAF_LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"DECAF_RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"DECAF_RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"DECAF_RATE_LIMIT_ENABLED" default:"true"`
}

// WorkerConfig holds defaults applied to every worker-backed stage.
type WorkerConfig struct {
	Interpreter   string        `envconfig:"DECAF_WORKER_INTERPRETER" default:"python3"`
	GraceTimeout  time.Duration `envconfig:"DECAF_WORKER_GRACE_TIMEOUT" default:"30s"`
	BatchSize     int           `envconfig:"DECAF_WORKER_BATCH_SIZE" default:"32"`
	DiagnosticLog string        `envconfig:"DECAF_WORKER_DIAGNOSTIC_LOG"`
}

// AssetsConfig holds model artifact cache configuration.
type AssetsConfig struct {
	CacheDir string `envconfig:"DECAF_ASSETS_DIR"`
	Retries  int    `envconfig:"DECAF_ASSETS_RETRIES" default:"3"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8130",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
		Worker: WorkerConfig{
			Interpreter:  "python3",
			GraceTimeout: 30 * time.Second,
			BatchSize:    32,
		},
		Assets: AssetsConfig{
			Retries: 3,
		},
	}
}
