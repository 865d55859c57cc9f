// Package driftmail is a server-side Go SDK for the Driftmail
// customer-messaging platform. It provides a typed HTTP client for the
// platform API and, together with the anon and anonstore packages, a local
// buffering pipeline that tracks events for not-yet-identified visitors and
// replays them once an identity is established.
package driftmail

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds SDK configuration.
// All fields can be populated from environment variables or set directly.
type Config struct {
	// API access
	APIKey  string `env:"DRIFTMAIL_API_KEY,required"`
	BaseURL string `env:"DRIFTMAIL_BASE_URL" envDefault:"https://api.driftmail.io"`

	// Logging
	LogLevel  string `env:"DRIFTMAIL_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DRIFTMAIL_LOG_FORMAT" envDefault:"json"`

	// HTTP timeouts
	RequestTimeout time.Duration `env:"DRIFTMAIL_REQUEST_TIMEOUT" envDefault:"30s"`

	// Anonymous pipeline
	// AnonStorage selects the buffer backend: "memory", "redis" or "postgres".
	AnonStorage string `env:"DRIFTMAIL_ANON_STORAGE" envDefault:"memory"`
	RedisURL    string `env:"DRIFTMAIL_REDIS_URL" envDefault:""`
	DatabaseURL string `env:"DRIFTMAIL_DATABASE_URL" envDefault:""`

	// AnonMatchMode selects criteria semantics: "any" (one satisfied item
	// matches the criteria) or "all" (every item must be satisfied).
	AnonMatchMode string `env:"DRIFTMAIL_ANON_MATCH_MODE" envDefault:"any"`

	// RetainFailedEvents keeps events that failed to replay in the buffer for
	// a later SyncPending call instead of clearing the whole buffer after a
	// flush attempt.
	RetainFailedEvents bool `env:"DRIFTMAIL_ANON_RETAIN_FAILED" envDefault:"false"`

	// MaxBufferedEvents caps the anonymous buffer; the oldest event is evicted
	// on overflow. Zero means unlimited.
	MaxBufferedEvents int `env:"DRIFTMAIL_ANON_MAX_EVENTS" envDefault:"100"`
}

// Load parses environment variables and returns a Config.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	switch c.AnonStorage {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("invalid anon storage backend %q", c.AnonStorage)
	}
	if c.AnonStorage == "redis" && c.RedisURL == "" {
		return fmt.Errorf("anon storage %q requires DRIFTMAIL_REDIS_URL", c.AnonStorage)
	}
	if c.AnonStorage == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("anon storage %q requires DRIFTMAIL_DATABASE_URL", c.AnonStorage)
	}
	switch c.AnonMatchMode {
	case "any", "all":
	default:
		return fmt.Errorf("invalid anon match mode %q", c.AnonMatchMode)
	}
	return nil
}
