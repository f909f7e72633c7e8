package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8765", cfg.ListenAddress)
	assert.Equal(t, BackendPush, cfg.RelayBackend)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 100, cfg.SignalRetention)
	assert.Equal(t, 20*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 100, cfg.RateLimitRequests)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_backend: hybrid
session_ttl: 90s
allowed_origins:
  - https://example.com
`), 0o644))
	t.Setenv("RELAY_SIGNAL_RETENTION", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendHybrid, cfg.RelayBackend)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL)
	assert.Equal(t, 25, cfg.SignalRetention)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("RELAY_RELAY_BACKEND", "carrier-pigeon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestConfigureLogger(t *testing.T) {
	f, err := ConfigureLogger("debug", filepath.Join(t.TempDir(), "relay.log"))
	require.NoError(t, err)
	require.NotNil(t, f)
	require.NoError(t, f.Close())

	_, err = ConfigureLogger("loud", "")
	assert.Error(t, err)
}
