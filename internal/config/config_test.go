package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, "ASSIST_LOG_LEVEL", "ASSIST_LOG_FORMAT", "ASSIST_LISTEN_ADDR",
		"ASSIST_HUB", "REDIS_URL", "ALLOWED_ORIGINS", "ASSIST_RELAY_URL",
		"ASSIST_ICE_SERVERS", "ASSIST_SETTLE_DELAY", "ASSIST_SEND_ACK",
		"ASSIST_WIRE_FORMAT", "ASSIST_CAPTURE_IVF", "ASSIST_RECORD_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddr, cfg.Relay.ListenAddr)
	assert.Equal(t, defaultRelayURL, cfg.Endpoint.RelayURL)
	assert.Equal(t, time.Second, cfg.Endpoint.SettleDelay)
	assert.True(t, cfg.Endpoint.AckEnabled())
	assert.False(t, cfg.Relay.UsesRedis())
	require.NoError(t, cfg.ValidateRelay())
	require.NoError(t, cfg.ValidateEndpoint())
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "assist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
relay:
  hub: redis
  redis_url: redis://cache:6379/2
  presence_ttl: 45s
endpoint:
  relay_url: wss://relay.example.com/ws
  settle_delay: 250ms
  send_ack: false
  wire_format: cbor
  ice_servers:
    - stun:stun.example.com:3478
`), 0o600))

	t.Setenv("ASSIST_SETTLE_DELAY", "2s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Relay.UsesRedis())
	assert.Equal(t, 45*time.Second, cfg.Relay.PresenceTTL)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.Endpoint.RelayURL)
	assert.Equal(t, 2*time.Second, cfg.Endpoint.SettleDelay)
	assert.False(t, cfg.Endpoint.AckEnabled())
	assert.Equal(t, "cbor", cfg.Endpoint.WireFormat)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, cfg.Endpoint.ICEServers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Relay.AllowedOrigins)
	require.NoError(t, cfg.ValidateRelay())
	require.NoError(t, cfg.ValidateEndpoint())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSIST_SEND_ACK", "maybe")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Relay.Hub = "etcd"
	assert.Error(t, cfg.ValidateRelay())

	cfg = Default()
	cfg.Endpoint.RelayURL = "http://relay.example.com/ws"
	assert.Error(t, cfg.ValidateEndpoint())

	cfg = Default()
	cfg.Endpoint.WireFormat = "xml"
	assert.Error(t, cfg.ValidateEndpoint())

	cfg = Default()
	cfg.Endpoint.SettleDelay = -time.Second
	assert.Error(t, cfg.ValidateEndpoint())
}
