// Package config loads ironsession settings from IRONSESSION_* environment
// variables. CLI flags override individual fields after loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full runtime configuration.
type Config struct {
	BaseURL     string        `env:"IRONSESSION_BASE_URL" envDefault:"http://localhost:9192/api/v1"`
	AppID       string        `env:"IRONSESSION_APP_ID" envDefault:"ironsession"`
	HTTPTimeout time.Duration `env:"IRONSESSION_HTTP_TIMEOUT" envDefault:"15s"`

	DataDir    string `env:"IRONSESSION_DATA_DIR"`
	KeyFile    string `env:"IRONSESSION_KEY_FILE"`
	Passphrase string `env:"IRONSESSION_PASSPHRASE"`

	LogLevel string `env:"IRONSESSION_LOG_LEVEL" envDefault:"info"`

	Expiry  ExpiryConfig
	Session SessionConfig
	Breaker BreakerConfig

	RedisURL  string `env:"IRONSESSION_REDIS_URL"`
	AgentAddr string `env:"IRONSESSION_AGENT_ADDR" envDefault:"127.0.0.1:9193"`
}

// ExpiryConfig mirrors expiry.Policy thresholds.
type ExpiryConfig struct {
	AccessBuffer     time.Duration `env:"IRONSESSION_ACCESS_BUFFER" envDefault:"5m"`
	RefreshLifetime  time.Duration `env:"IRONSESSION_REFRESH_LIFETIME" envDefault:"720h"`
	RefreshThreshold time.Duration `env:"IRONSESSION_REFRESH_THRESHOLD" envDefault:"10m"`
	TrustTokenExpiry bool          `env:"IRONSESSION_TRUST_TOKEN_EXPIRY" envDefault:"false"`
}

// SessionConfig holds session controller timings.
type SessionConfig struct {
	HealthInterval     time.Duration `env:"IRONSESSION_HEALTH_INTERVAL" envDefault:"60s"`
	InactivityTimeout  time.Duration `env:"IRONSESSION_INACTIVITY_TIMEOUT" envDefault:"30m"`
	MinRefreshInterval time.Duration `env:"IRONSESSION_MIN_REFRESH_INTERVAL" envDefault:"30s"`
}

// BreakerConfig tunes the gateway circuit breaker.
type BreakerConfig struct {
	Timeout      time.Duration `env:"IRONSESSION_BREAKER_TIMEOUT" envDefault:"30s"`
	MinRequests  uint32        `env:"IRONSESSION_BREAKER_MIN_REQUESTS" envDefault:"5"`
	FailureRatio float64       `env:"IRONSESSION_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
}

// Load parses environment variables into a Config and fills derived defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultDataDir returns ~/.ironsession.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".ironsession"), nil
}

// Validate rejects threshold combinations that would make every token look
// expired or schedule refreshes in a tight loop.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL must not be empty")
	}
	if c.Expiry.AccessBuffer < 0 || c.Expiry.RefreshThreshold < 0 {
		return fmt.Errorf("expiry thresholds must not be negative")
	}
	if c.Expiry.RefreshLifetime <= 0 {
		return fmt.Errorf("refresh lifetime must be positive")
	}
	if c.Session.HealthInterval <= 0 {
		return fmt.Errorf("health interval must be positive")
	}
	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity timeout must be positive")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker failure ratio must be in (0, 1]")
	}
	return nil
}
