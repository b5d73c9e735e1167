// Package config loads broker server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration surface of the broker server.
type Config struct {
	Port     string `env:"BROKER_PORT" envDefault:"8433"`
	LogLevel string `env:"BROKER_LOG_LEVEL" envDefault:"info"`

	// TrustedOrigin is the only origin whose messages the broker acts
	// upon. Required.
	TrustedOrigin string `env:"BROKER_TRUSTED_ORIGIN,notEmpty"`

	// AllowedTools is the default allowlist for sessions not created
	// through a UI spec. Empty means nothing permitted.
	AllowedTools []string `env:"BROKER_ALLOWED_TOOLS" envSeparator:","`

	MaxConcurrentJobs  int  `env:"BROKER_MAX_CONCURRENT_JOBS" envDefault:"5"`
	RequestTimeoutMs   int  `env:"BROKER_REQUEST_TIMEOUT_MS" envDefault:"30000"`
	IdempotencyEnabled bool `env:"BROKER_IDEMPOTENCY_ENABLED" envDefault:"true"`
	IdempotencyTTLH    int  `env:"BROKER_IDEMPOTENCY_TTL_H" envDefault:"24"`

	// LongRunningPatterns override the substring classifier for
	// job-tracked tools.
	LongRunningPatterns []string `env:"BROKER_LONG_RUNNING_PATTERNS" envSeparator:","`

	NeedTimeoutMs  int `env:"BROKER_NEED_TIMEOUT_MS" envDefault:"10000"`
	ReadyTimeoutMs int `env:"BROKER_READY_TIMEOUT_MS" envDefault:"30000"`

	PostgresDSN     string `env:"POSTGRES_DSN"`
	CatalogCacheTTL int    `env:"BROKER_CATALOG_CACHE_TTL_S" envDefault:"60"`
	ClickHouseDSN   string `env:"CLICKHOUSE_DSN"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return nil, fmt.Errorf("BROKER_MAX_CONCURRENT_JOBS must be positive")
	}
	if cfg.RequestTimeoutMs <= 0 {
		return nil, fmt.Errorf("BROKER_REQUEST_TIMEOUT_MS must be positive")
	}
	return &cfg, nil
}

// RequestTimeout returns the simple-path timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// IdempotencyTTL returns the result retention window.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLH) * time.Hour
}

// NeedTimeout returns the per-need resolution timeout.
func (c *Config) NeedTimeout() time.Duration {
	return time.Duration(c.NeedTimeoutMs) * time.Millisecond
}

// ReadyTimeout returns the render readiness timeout.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMs) * time.Millisecond
}
