package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paymentsctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_base_url: https://checkout.example.com
poll_interval: 2s
max_poll_attempts: 5
`), 0o600))

	base := ClientConfig{
		APIBaseURL:      "http://localhost:8080",
		Currency:        "NGN",
		PollInterval:    6 * time.Second,
		MaxPollAttempts: 20,
	}

	cfg, err := LoadClientFile(path, base)

	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com", cfg.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.MaxPollAttempts)
	assert.Equal(t, "NGN", cfg.Currency)
}

func TestLoadClientFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("poll_interval: [nope"), 0o600))

	_, err := LoadClientFile(filepath.Join(dir, "missing.yaml"), ClientConfig{})
	assert.Error(t, err)

	_, err = LoadClientFile(bad, ClientConfig{})
	assert.Error(t, err)
}
