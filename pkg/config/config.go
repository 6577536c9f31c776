// Package config loads and validates the loadpulse configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSessionTTL is the default session lifetime.
	DefaultSessionTTL = "168h"

	// DefaultSQLitePath is the default database location.
	DefaultSQLitePath = "./loadpulse.db"

	// DefaultMaxParallelExecutions bounds concurrent background run
	// executions process-wide.
	DefaultMaxParallelExecutions = 16
)

// Config is the root configuration for loadpulse.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Execution ExecutionConfig `yaml:"execution"`
	Billing   BillingConfig   `yaml:"billing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Auth          RateLimitTier `yaml:"auth,omitempty"`
	Public        RateLimitTier `yaml:"public,omitempty"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty"`
}

// RateLimitTier defines request limits for a route group.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	SessionTTL string `yaml:"session_ttl"`
}

// ExecutionConfig controls background run execution.
type ExecutionConfig struct {
	// MaxParallel bounds the number of runs executing concurrently
	// across all accounts.
	MaxParallel int `yaml:"max_parallel"`

	// Inline runs executions synchronously inside the submit call
	// instead of in the background. Degraded mode for environments
	// without background completion guarantees.
	Inline bool `yaml:"inline"`

	// Timeout bounds a single run execution, e.g. "2m". Empty or
	// invalid values use the built-in default.
	Timeout string `yaml:"timeout,omitempty"`
}

// BillingConfig contains Stripe settings. When disabled, all accounts
// stay on the free tier unless changed by an admin.
type BillingConfig struct {
	Enabled         bool              `yaml:"enabled"`
	StripeSecretKey string            `yaml:"stripe_secret_key,omitempty"`
	WebhookSecret   string            `yaml:"webhook_secret,omitempty"`
	PriceTiers      map[string]string `yaml:"price_tiers,omitempty"`
	SuccessURL      string            `yaml:"success_url,omitempty"`
	CancelURL       string            `yaml:"cancel_url,omitempty"`
	PortalReturnURL string            `yaml:"portal_return_url,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = DefaultSessionTTL
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Execution.MaxParallel <= 0 {
		c.Execution.MaxParallel = DefaultMaxParallelExecutions
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Auth.SessionTTL); err != nil {
		return fmt.Errorf("invalid auth.session_ttl %q: %w", c.Auth.SessionTTL, err)
	}

	if c.Billing.Enabled {
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}

		if c.Billing.WebhookSecret == "" {
			return fmt.Errorf("billing.webhook_secret is required when billing is enabled")
		}

		for price, t := range c.Billing.PriceTiers {
			switch t {
			case "pro", "business", "enterprise":
			default:
				return fmt.Errorf("billing.price_tiers[%s]: unknown tier %q", price, t)
			}
		}
	}

	return nil
}
