package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.PollIntervalSearching)
	assert.Equal(t, 5*time.Second, cfg.PollIntervalActive)
	assert.Equal(t, 10*time.Second, cfg.PollTimeout)
	assert.Equal(t, "ride-lifecycle", cfg.KafkaTopic)
	assert.Zero(t, cfg.OTPMaxAttempts)
}

func TestLoadAgentConfigEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_ACTIVE", "7s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("FARE_BASE", "40")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.PollIntervalActive)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 40.0, cfg.BaseFare)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadAgentConfigAccumulatesErrors(t *testing.T) {
	t.Setenv("POLL_TIMEOUT", "soon")
	t.Setenv("OTP_MAX_ATTEMPTS", "many")
	t.Setenv("PUSH_BACKOFF_MAX", "10ms")

	_, err := LoadAgentConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_TIMEOUT")
	assert.Contains(t, err.Error(), "OTP_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "PUSH_BACKOFF_MAX")
}

func TestLoadAgentConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := "backend_url: http://api.internal\npoll_interval_searching: 2s\ncancellation_fee: 30\nkafka_brokers: [k1:9092]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("RIDE_SYNC_CONFIG", path)
	t.Setenv("CANCELLATION_FEE", "35")

	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://api.internal", cfg.BackendURL)
	assert.Equal(t, 2*time.Second, cfg.PollIntervalSearching)
	assert.Equal(t, 35.0, cfg.CancellationFee, "env wins over file")
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
}
