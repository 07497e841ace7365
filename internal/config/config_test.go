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
	path := filepath.Join(t.TempDir(), "cwatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.CollectionPeriod())
	assert.Equal(t, 3, cfg.SSHMaxPerServer)
	assert.Equal(t, 240, cfg.SampleRingCapacity)
	assert.Equal(t, 64, cfg.WSSendQueue)
	assert.False(t, cfg.AllowTOFU)
	assert.NotEmpty(t, cfg.KnownHostsPath)
	assert.Equal(t, 3, cfg.ThresholdDefaults.CPU.DebounceSamples)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
collection_period_s: 60
ssh_max_per_server: 5
sink: redis
redis_url: redis://localhost:6379/0
command_timeout_s:
  cpu: 3
threshold_defaults:
  cpu:
    warning: 70
    critical: 85
    debounce_samples: 2
  memory:
    warning: 85
    critical: 95
    debounce_samples: 3
  disk:
    warning: 85
    critical: 95
    debounce_samples: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.CollectionPeriod())
	assert.Equal(t, 5, cfg.SSHMaxPerServer)
	assert.Equal(t, SinkRedis, cfg.Sink)
	assert.Equal(t, 3*time.Second, cfg.CommandTimeout("cpu"))
	assert.Equal(t, float64(70), cfg.ThresholdDefaults.CPU.Warning)
	assert.Equal(t, 2, cfg.ThresholdDefaults.CPU.DebounceSamples)
	// Key absent from the file's map: falls back, not zero.
	assert.Equal(t, 10*time.Second, cfg.CommandTimeout("disk"))
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "colection_period_s: 60\n")

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CWATCHER_COLLECTION_PERIOD_S", "120")
	t.Setenv("CWATCHER_MASTER_KEY", "env-master-key")
	t.Setenv("CWATCHER_ALLOW_TOFU", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.CollectionPeriodS)
	assert.Equal(t, "env-master-key", cfg.MasterKey)
	assert.True(t, cfg.AllowTOFU)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"period too short", func(c *Config) { c.CollectionPeriodS = 5 }},
		{"period too long", func(c *Config) { c.CollectionPeriodS = 600 }},
		{"zero sessions", func(c *Config) { c.SSHMaxPerServer = 0 }},
		{"nine sessions", func(c *Config) { c.SSHMaxPerServer = 9 }},
		{"tiny ring", func(c *Config) { c.SampleRingCapacity = 1 }},
		{"blank known_hosts", func(c *Config) { c.KnownHostsPath = "" }},
		{"postgres without url", func(c *Config) { c.Sink = SinkPostgres }},
		{"redis without url", func(c *Config) { c.Sink = SinkRedis }},
		{"bogus sink", func(c *Config) { c.Sink = "s3" }},
		{"zero send queue", func(c *Config) { c.WSSendQueue = 0 }},
		{"tiny message cap", func(c *Config) { c.WSMaxMessageBytes = 100 }},
		{"inverted thresholds", func(c *Config) { c.ThresholdDefaults.CPU.Critical = 10 }},
		{"zero debounce", func(c *Config) { c.ThresholdDefaults.Disk.DebounceSamples = 0 }},
		{"zero offline debounce", func(c *Config) { c.OfflineDebounce = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestCommandTimeoutFallback(t *testing.T) {
	cfg := Default()
	cfg.CommandTimeoutS = nil
	assert.Equal(t, 10*time.Second, cfg.CommandTimeout("cpu"))
}
