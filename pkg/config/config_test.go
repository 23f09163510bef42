package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HUB_URL", "ws://hub:8123/api/websocket")
	t.Setenv("HUB_TOKEN", "token")
	t.Setenv("STORE_URL", "http://influx:8086")
}

// TestLoadDefaults tests the documented default values
func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, 300*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, 10_000, cfg.BufferCapacity)
	assert.Equal(t, 7_500, cfg.BufferHighWater)
	assert.Equal(t, 86_400*time.Second, cfg.MaxClockSkew)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, 8086, cfg.HealthPort)
}

// TestLoadEnvOverrides tests environment variable precedence
func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("BATCH_TIMEOUT_SEC", "2")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.BatchTimeout)
}

// TestLoadConfigFile tests YAML file loading with env precedence
func TestLoadConfigFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BATCH_SIZE", "42")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("BATCH_SIZE: 7\nHEALTH_PORT: 9999\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.BatchSize, "env beats file")
	assert.Equal(t, 9999, cfg.HealthPort, "file beats default")
}

// TestValidate tests configuration rejection
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T)
	}{
		{
			name:   "missing hub url",
			mutate: func(t *testing.T) { t.Setenv("HUB_URL", "") },
		},
		{
			name:   "missing hub token",
			mutate: func(t *testing.T) { t.Setenv("HUB_TOKEN", "") },
		},
		{
			name:   "missing store url",
			mutate: func(t *testing.T) { t.Setenv("STORE_URL", "") },
		},
		{
			name:   "zero batch size",
			mutate: func(t *testing.T) { t.Setenv("BATCH_SIZE", "0") },
		},
		{
			name:   "high water above capacity",
			mutate: func(t *testing.T) { t.Setenv("BUFFER_HIGH_WATER", "20000") },
		},
		{
			name: "silence timeout below ping interval",
			mutate: func(t *testing.T) {
				t.Setenv("PING_INTERVAL_SEC", "90")
				t.Setenv("SILENCE_TIMEOUT_SEC", "30")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			tt.mutate(t)

			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
