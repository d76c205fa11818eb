// Package config loads service configuration from AEGIS_* environment
// variables.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"

	"aegisid.org/internal/federation"
	"aegisid.org/internal/policy"
)

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"AEGIS_LISTEN_ADDR" envDefault:":8080"`

	// DatabaseURL is the PostgreSQL DSN. Empty runs the service on the
	// in-memory store, which only suits development and tests.
	DatabaseURL string `env:"AEGIS_DATABASE_URL"`

	// Issuer is the iss claim stamped into every issued token.
	Issuer string `env:"AEGIS_ISSUER" envDefault:"aegisid"`

	AccessTTL  time.Duration `env:"AEGIS_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"AEGIS_REFRESH_TTL" envDefault:"168h"`

	// KeyRotateInterval is how often a fresh signing key is promoted.
	KeyRotateInterval time.Duration `env:"AEGIS_KEY_ROTATE_INTERVAL" envDefault:"24h"`

	// RevocationCacheTTL bounds how long a revoked token may still pass
	// verification on a single node. Zero disables the cache.
	RevocationCacheTTL time.Duration `env:"AEGIS_REVOCATION_CACHE_TTL" envDefault:"0s"`

	// TrustedProviders is a JSON array of federation providers:
	// [{"name":"corp","issuer":"https://...","audience":"aegis","jwks_url":"https://..."}]
	TrustedProviders string `env:"AEGIS_TRUSTED_PROVIDERS"`

	Password  PasswordConfig  `envPrefix:"AEGIS_PASSWORD_"`
	RateLimit RateLimitConfig `envPrefix:"AEGIS_RATELIMIT_"`

	Version string `env:"AEGIS_VERSION" envDefault:"dev"`
}

// PasswordConfig holds the password policy knobs.
type PasswordConfig struct {
	MinLength          int      `env:"MIN_LENGTH" envDefault:"8"`
	RequiredClasses    []string `env:"REQUIRED_CLASSES" envDefault:"upper,lower,digit"`
	ForbiddenSequences []string `env:"FORBIDDEN_SEQUENCES"`
	HistoryWindow      int      `env:"HISTORY_WINDOW" envDefault:"5"`
}

// RateLimitConfig throttles the credential-facing endpoints.
type RateLimitConfig struct {
	RPS   float64 `env:"RPS" envDefault:"10"`
	Burst int     `env:"BURST" envDefault:"20"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return Config{}, fmt.Errorf("config: token TTLs must be positive")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return Config{}, fmt.Errorf("config: refresh TTL must not be shorter than access TTL")
	}
	return cfg, nil
}

// PolicyConfig maps the password knobs onto the policy engine's config.
func (c Config) PolicyConfig() policy.Config {
	classes := make([]policy.Class, 0, len(c.Password.RequiredClasses))
	for _, name := range c.Password.RequiredClasses {
		classes = append(classes, policy.Class(name))
	}
	return policy.Config{
		MinLength:          c.Password.MinLength,
		RequiredClasses:    classes,
		ForbiddenSequences: c.Password.ForbiddenSequences,
		HistoryWindow:      c.Password.HistoryWindow,
	}
}

// Providers decodes the federation trust list.
func (c Config) Providers() ([]federation.Provider, error) {
	if c.TrustedProviders == "" {
		return nil, nil
	}
	var providers []federation.Provider
	if err := json.Unmarshal([]byte(c.TrustedProviders), &providers); err != nil {
		return nil, fmt.Errorf("config: decode AEGIS_TRUSTED_PROVIDERS: %w", err)
	}
	return providers, nil
}

// MaxTokenLifetime is the longest TTL any signing key must outlive once
// demoted, which drives key retirement.
func (c Config) MaxTokenLifetime() time.Duration {
	if c.RefreshTTL > c.AccessTTL {
		return c.RefreshTTL
	}
	return c.AccessTTL
}
