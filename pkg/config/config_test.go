package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PODIUM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8090", cfg.API.ListenAddress)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 8*time.Hour, cfg.Cache.BaseTTL)
	assert.Equal(t, 8*time.Hour, cfg.Cache.TombstoneTTL)
	assert.Equal(t, "v1", cfg.Cache.SchemaVersion)
	assert.Equal(t, "10 4 * * *", cfg.Sweep.Schedule)
	assert.Equal(t, "https://api.airtable.com/v0", cfg.Airtable.BaseURL)
	assert.Equal(t, float64(5), cfg.Airtable.RequestsPerSecond)
	assert.Equal(t, "X-Webhook-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, "projects", cfg.Tables["projects"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PODIUM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("PODIUM_ENVIRONMENT", "production")
	t.Setenv("PODIUM_CACHE_SCHEMA_VERSION", "v7")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AIRTABLE_API_KEY", "keyFromEnv")
	t.Setenv("WEBHOOK_SECRET", "hush")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "v7", cfg.Cache.SchemaVersion)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, "keyFromEnv", cfg.Airtable.APIKey)
	assert.Equal(t, "hush", cfg.Webhook.Secret)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
cache:
  base_ttl: 4h
  jitter_percent: 10
tables:
  events: tblEvents
  projects: tblProjects
`), 0o644))
	t.Setenv("PODIUM_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 4*time.Hour, cfg.Cache.BaseTTL)
	assert.Equal(t, float64(10), cfg.Cache.JitterPercent)
	assert.Equal(t, "tblEvents", cfg.Tables["events"])
	// Untouched sections keep their defaults.
	assert.Equal(t, "v1", cfg.Cache.SchemaVersion)
}

func TestLoadBadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: [unclosed"), 0o644))
	t.Setenv("PODIUM_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}
