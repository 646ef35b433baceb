package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:9000"
delivery:
  presence_grace: 3s
crypto:
  kem_algorithm: X-Wing
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 3*time.Second, cfg.Delivery.PresenceGrace)
	assert.Equal(t, "X-Wing", cfg.Crypto.KEMAlgorithm)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 256, cfg.Delivery.OutboundQueue)
}

func TestLoadRejectsUnknownFieldsAndBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  listen_adr: x\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "crypto:\n  kem_algorithm: RSA\n"))
	assert.ErrorContains(t, err, "kem_algorithm")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
