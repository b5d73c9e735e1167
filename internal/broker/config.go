package broker

import (
	"errors"
	"time"
)

// Defaults applied by NewConfig.
const (
	DefaultMaxConcurrentJobs = 5
	DefaultRequestTimeout    = 30 * time.Second
)

// Config is immutable for the lifetime of a broker instance. No runtime
// mutation API exists: a compromised UI cannot expand its own
// privileges.
type Config struct {
	// TrustedOrigin is the only origin whose messages are acted upon.
	// Required, non-empty.
	TrustedOrigin string

	// AllowedTools is the set of tool names the UI may invoke. Empty
	// means nothing is permitted.
	AllowedTools []string

	// MaxConcurrentJobs bounds in-flight long-running jobs. Excess
	// starts are rejected, not queued.
	MaxConcurrentJobs int

	// RequestTimeout applies to the simple path only. On expiry the UI
	// receives a TIMEOUT error; the executor is not guaranteed to have
	// stopped (best-effort).
	RequestTimeout time.Duration

	// IdempotencyEnabled caches results by request id so replays
	// short-circuit instead of re-executing.
	IdempotencyEnabled bool

	// IdempotencyTTL bounds how long cached results satisfy replays.
	// Zero uses the idempotency package default (24h).
	IdempotencyTTL time.Duration
}

// ErrNoTrustedOrigin is returned when Config.TrustedOrigin is empty.
var ErrNoTrustedOrigin = errors.New("trusted origin is required")

// NewConfig fills defaults and validates. The returned Config is safe
// to pass to New.
func NewConfig(trustedOrigin string, allowedTools []string) (Config, error) {
	cfg := Config{
		TrustedOrigin:      trustedOrigin,
		AllowedTools:       allowedTools,
		MaxConcurrentJobs:  DefaultMaxConcurrentJobs,
		RequestTimeout:     DefaultRequestTimeout,
		IdempotencyEnabled: true,
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants New relies on.
func (c Config) Validate() error {
	if c.TrustedOrigin == "" {
		return ErrNoTrustedOrigin
	}
	if c.MaxConcurrentJobs <= 0 {
		return errors.New("max concurrent jobs must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}
