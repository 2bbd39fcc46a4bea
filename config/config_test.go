package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_PROVIDER", "")
	t.Setenv("CLIENT_POLL_INTERVAL", "")

	cfg := Load()

	assert.Equal(t, "paystack", cfg.Gateway.Provider)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Verification.BaseBackoff)
	assert.Equal(t, 3*time.Second, cfg.Client.CloseRecheckDelay)
	assert.Equal(t, 10*time.Second, cfg.Client.PollStartDelay)
	assert.Equal(t, 6*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, 20, cfg.Client.MaxPollAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CLIENT_POLL_INTERVAL", "2s")
	t.Setenv("VERIFY_BASE_BACKOFF", "not-a-duration")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, time.Second, cfg.Verification.BaseBackoff)
}
