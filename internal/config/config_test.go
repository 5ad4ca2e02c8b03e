package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.JWT.Expiration)
	assert.True(t, cfg.Relay.ChannelScoped)
	assert.False(t, cfg.Relay.EchoToSender)
	assert.Equal(t, 500, cfg.Relay.MaxMessageLength)
	assert.Equal(t, 256, cfg.Relay.SendBuffer)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("READ_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("RELAY_ECHO_TO_SENDER", "true")
	t.Setenv("RELAY_CHANNEL_SCOPED", "false")
	t.Setenv("RELAY_SEND_BUFFER", "32")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.True(t, cfg.Relay.EchoToSender)
	assert.False(t, cfg.Relay.ChannelScoped)
	assert.Equal(t, 32, cfg.Relay.SendBuffer)
}

func TestLoadIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("RELAY_ECHO_TO_SENDER", "yes please")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Relay.EchoToSender)
}

func TestLoadRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveSendBuffer(t *testing.T) {
	t.Setenv("RELAY_SEND_BUFFER", "-1")

	_, err := Load()
	assert.Error(t, err)
}
