package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/pincer", cfg.Path)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 1000*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30000*time.Millisecond, cfg.RequestTimeout)
	assert.True(t, cfg.AutoConnect)
	assert.True(t, cfg.SendOnTabSwitch)
	assert.Empty(t, cfg.AuthToken)
	assert.Equal(t, 1024, cfg.ReadBufferSize)
	assert.Equal(t, 1024, cfg.WriteBufferSize)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PINCER_LISTEN_ADDR", ":9999")
	t.Setenv("PINCER_PATH", "/bridge")
	t.Setenv("PINCER_TOKEN", "s3cret")
	t.Setenv("PINCER_AUTO_CONNECT", "false")
	t.Setenv("PINCER_SEND_ON_TAB_SWITCH", "0")
	t.Setenv("PINCER_ALLOWED_DOMAINS", "a.com, b.com ,")
	t.Setenv("PINCER_REQUEST_TIMEOUT_MS", "5000")

	cfg := FromEnv()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "/bridge", cfg.Path)
	assert.Equal(t, "s3cret", cfg.AuthToken)
	assert.False(t, cfg.AutoConnect)
	assert.False(t, cfg.SendOnTabSwitch)
	assert.Equal(t, []string{"a.com", "b.com"}, cfg.AllowedDomains)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}

func TestFromEnvIgnoresInvalidTimeout(t *testing.T) {
	t.Setenv("PINCER_REQUEST_TIMEOUT_MS", "banana")
	cfg := FromEnv()
	assert.Equal(t, 30000*time.Millisecond, cfg.RequestTimeout)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
listen_addr = ":7000"
auth_token = "from-file"
max_reconnect_attempts = 3
reconnect_base_delay_ms = 500
denied_domains = ["bank.example"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(path, cfg))

	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "from-file", cfg.AuthToken)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, []string{"bank.example"}, cfg.DeniedDomains)

	// Keys absent from the file keep their current values.
	assert.Equal(t, "/pincer", cfg.Path)
	assert.Equal(t, 30000*time.Millisecond, cfg.RequestTimeout)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"), cfg)
	assert.Error(t, err)
}
