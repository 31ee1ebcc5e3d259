package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("POLICY_LOCK_TTL", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 300*time.Second, cfg.PolicyLockTTL)
	assert.Equal(t, 5*time.Minute, cfg.ContentCacheTTL)
	assert.Len(t, cfg.AllowedOrigins, 2)
	assert.False(t, cfg.OAuthEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLICY_LOCK_TTL", "45s")
	t.Setenv("RIVER_MAX_WORKERS", "3")
	t.Setenv("EVENTS_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.PolicyLockTTL)
	assert.Equal(t, 3, cfg.RiverMaxWorkers)
	assert.True(t, cfg.EventsEnabled)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLICY_LOCK_TTL", "soon")
	t.Setenv("RIVER_MAX_WORKERS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, cfg.PolicyLockTTL)
	assert.Equal(t, 10, cfg.RiverMaxWorkers)
}

func TestValidateRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsNonPositiveLockTTL(t *testing.T) {
	cfg := &Config{PolicyLockTTL: 0, RequestCacheSize: 1}
	require.Error(t, cfg.Validate())
}
