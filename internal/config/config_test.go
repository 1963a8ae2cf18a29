package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IRONSESSION_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9192/api/v1", cfg.BaseURL)
	assert.Equal(t, 5*time.Minute, cfg.Expiry.AccessBuffer)
	assert.Equal(t, 30*24*time.Hour, cfg.Expiry.RefreshLifetime)
	assert.Equal(t, 10*time.Minute, cfg.Expiry.RefreshThreshold)
	assert.False(t, cfg.Expiry.TrustTokenExpiry)
	assert.Equal(t, 60*time.Second, cfg.Session.HealthInterval)
	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, "127.0.0.1:9193", cfg.AgentAddr)
}

func TestLoad_FromEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IRONSESSION_DATA_DIR", dir)
	t.Setenv("IRONSESSION_BASE_URL", "https://auth.example.com/api/v1")
	t.Setenv("IRONSESSION_REFRESH_THRESHOLD", "2m")
	t.Setenv("IRONSESSION_TRUST_TOKEN_EXPIRY", "true")
	t.Setenv("IRONSESSION_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "https://auth.example.com/api/v1", cfg.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Expiry.RefreshThreshold)
	assert.True(t, cfg.Expiry.TrustTokenExpiry)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoad_InvalidType(t *testing.T) {
	t.Setenv("IRONSESSION_HEALTH_INTERVAL", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate(t *testing.T) {
	t.Setenv("IRONSESSION_DATA_DIR", t.TempDir())
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"EmptyBaseURL":       func(c *Config) { c.BaseURL = "" },
		"NegativeBuffer":     func(c *Config) { c.Expiry.AccessBuffer = -time.Second },
		"ZeroLifetime":       func(c *Config) { c.Expiry.RefreshLifetime = 0 },
		"ZeroHealthInterval": func(c *Config) { c.Session.HealthInterval = 0 },
		"ZeroInactivity":     func(c *Config) { c.Session.InactivityTimeout = 0 },
		"BadFailureRatio":    func(c *Config) { c.Breaker.FailureRatio = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
