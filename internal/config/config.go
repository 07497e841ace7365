// Package config loads service configuration from a YAML file with
// environment-variable overrides (prefix CWATCHER_). The key set is closed:
// unknown YAML keys are rejected so typos fail at boot instead of silently
// running with defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/cwatcher/backend/internal/models"
)

// ErrInvalid wraps every validation failure so main can map it to exit code 1.
var ErrInvalid = errors.New("config: invalid")

// Sink backends the store flusher can target.
const (
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNone     = "none"
)

// Config is the process-wide configuration, immutable after Load.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	CollectionPeriodS int            `yaml:"collection_period_s" env:"COLLECTION_PERIOD_S"`
	CommandTimeoutS   map[string]int `yaml:"command_timeout_s"`

	SSHConnectTimeoutS int    `yaml:"ssh_connect_timeout_s" env:"SSH_CONNECT_TIMEOUT_S"`
	SSHMaxPerServer    int    `yaml:"ssh_max_per_server" env:"SSH_MAX_PER_SERVER"`
	SSHIdleTTLS        int    `yaml:"ssh_idle_ttl_s" env:"SSH_IDLE_TTL_S"`
	KnownHostsPath     string `yaml:"known_hosts_path" env:"KNOWN_HOSTS_PATH"`
	AllowTOFU          bool   `yaml:"allow_tofu" env:"ALLOW_TOFU"`

	SampleRingCapacity int    `yaml:"sample_ring_capacity" env:"SAMPLE_RING_CAPACITY"`
	Sink               string `yaml:"sink" env:"SINK"`
	RedisURL           string `yaml:"redis_url" env:"REDIS_URL"`
	SinkBatchSize      int    `yaml:"sink_batch_size" env:"SINK_BATCH_SIZE"`
	SinkBatchFlushMS   int    `yaml:"sink_batch_flush_ms" env:"SINK_BATCH_FLUSH_MS"`
	RetentionDays      int    `yaml:"retention_days" env:"RETENTION_DAYS"`

	HeartbeatIntervalS     int `yaml:"heartbeat_interval_s" env:"HEARTBEAT_INTERVAL_S"`
	HeartbeatTimeoutMisses int `yaml:"heartbeat_timeout_misses" env:"HEARTBEAT_TIMEOUT_MISSES"`
	WSSendQueue            int `yaml:"ws_send_queue" env:"WS_SEND_QUEUE"`
	WSMaxConnections       int `yaml:"ws_max_connections" env:"WS_MAX_CONNECTIONS"`
	WSMaxPerIP             int `yaml:"ws_max_per_ip" env:"WS_MAX_PER_IP"`
	WSMaxMessageBytes      int `yaml:"ws_max_message_bytes" env:"WS_MAX_MESSAGE_BYTES"`
	WSCompressMinBytes     int `yaml:"ws_compress_min_bytes" env:"WS_COMPRESS_MIN_BYTES"`
	WSBatchWindowMS        int `yaml:"ws_batch_window_ms" env:"WS_BATCH_WINDOW_MS"`
	WSHandshakePerIPPerS   int `yaml:"ws_handshake_per_ip_per_s" env:"WS_HANDSHAKE_PER_IP_PER_S"`

	ThresholdDefaults   models.ThresholdPolicy `yaml:"threshold_defaults"`
	OfflineDebounce     int                    `yaml:"offline_debounce" env:"OFFLINE_DEBOUNCE"`
	AutoDisableFailures int                    `yaml:"auto_disable_failures" env:"AUTO_DISABLE_FAILURES"`

	MasterKey string `yaml:"master_key" env:"MASTER_KEY"`
}

// Default returns the documented defaults. Command timeouts cover every
// registry key; per-key file entries replace the whole map.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogFormat:  "console",

		CollectionPeriodS: 30,
		CommandTimeoutS: map[string]int{
			"cpu":     10,
			"memory":  5,
			"disk":    10,
			"network": 5,
			"sysinfo": 10,
			"uptime":  5,
			"load":    5,
		},

		SSHConnectTimeoutS: 10,
		SSHMaxPerServer:    3,
		SSHIdleTTLS:        300,
		KnownHostsPath:     defaultKnownHostsPath(),
		AllowTOFU:          false,

		SampleRingCapacity: 240,
		Sink:               SinkNone,
		SinkBatchSize:      64,
		SinkBatchFlushMS:   5000,
		RetentionDays:      30,

		HeartbeatIntervalS:     30,
		HeartbeatTimeoutMisses: 2,
		WSSendQueue:            64,
		WSMaxConnections:       1000,
		WSMaxPerIP:             10,
		WSMaxMessageBytes:      16 * 1024,
		WSCompressMinBytes:     1024,
		WSBatchWindowMS:        50,
		WSHandshakePerIPPerS:   5,

		ThresholdDefaults:   models.DefaultThresholds(),
		OfflineDebounce:     2,
		AutoDisableFailures: 20,
	}
}

// defaultKnownHostsPath keeps the daemon-owned host key file separate from
// the operator's own ~/.ssh/known_hosts.
func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cwatcher_known_hosts"
	}
	return filepath.Join(home, ".cwatcher", "known_hosts")
}

// Load reads path (empty means defaults only), applies CWATCHER_* environment
// overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CWATCHER_"}); err != nil {
		return nil, fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented ranges. Master key presence is checked
// separately by the caller so it can exit with its own code.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.CollectionPeriodS < 10 || c.CollectionPeriodS > 300 {
		return fail("collection_period_s %d outside 10..300", c.CollectionPeriodS)
	}
	if c.SSHMaxPerServer < 1 || c.SSHMaxPerServer > 8 {
		return fail("ssh_max_per_server %d outside 1..8", c.SSHMaxPerServer)
	}
	if c.SSHConnectTimeoutS <= 0 {
		return fail("ssh_connect_timeout_s must be positive")
	}
	if c.KnownHostsPath == "" {
		return fail("known_hosts_path must not be empty")
	}
	if c.SampleRingCapacity < 2 {
		return fail("sample_ring_capacity %d too small", c.SampleRingCapacity)
	}
	if c.SinkBatchSize < 1 {
		return fail("sink_batch_size must be positive")
	}
	switch c.Sink {
	case SinkPostgres:
		if c.DatabaseURL == "" {
			return fail("sink postgres requires database_url")
		}
	case SinkRedis:
		if c.RedisURL == "" {
			return fail("sink redis requires redis_url")
		}
	case SinkNone:
	default:
		return fail("sink %q not one of postgres, redis, none", c.Sink)
	}
	if c.HeartbeatIntervalS < 1 {
		return fail("heartbeat_interval_s must be positive")
	}
	if c.HeartbeatTimeoutMisses < 1 {
		return fail("heartbeat_timeout_misses must be positive")
	}
	if c.WSSendQueue < 1 {
		return fail("ws_send_queue must be positive")
	}
	if c.WSMaxConnections < 1 || c.WSMaxPerIP < 1 {
		return fail("ws connection caps must be positive")
	}
	if c.WSMaxMessageBytes < 256 {
		return fail("ws_max_message_bytes %d too small", c.WSMaxMessageBytes)
	}
	for _, th := range []struct {
		name string
		t    models.MetricThreshold
	}{
		{"cpu", c.ThresholdDefaults.CPU},
		{"memory", c.ThresholdDefaults.Memory},
		{"disk", c.ThresholdDefaults.Disk},
	} {
		if th.t.Warning <= 0 || th.t.Critical <= th.t.Warning {
			return fail("threshold_defaults.%s wants 0 < warning < critical", th.name)
		}
		if th.t.DebounceSamples < 1 {
			return fail("threshold_defaults.%s.debounce_samples must be positive", th.name)
		}
	}
	if c.OfflineDebounce < 1 {
		return fail("offline_debounce must be positive")
	}
	if c.Sink != SinkNone && c.RetentionDays < 1 {
		return fail("retention_days must be positive")
	}
	return nil
}

// Duration accessors keep call sites free of unit bookkeeping.

func (c *Config) CollectionPeriod() time.Duration {
	return time.Duration(c.CollectionPeriodS) * time.Second
}

// CommandTimeout returns the per-command timeout for a registry key,
// falling back to 10s for keys the file did not mention.
func (c *Config) CommandTimeout(key string) time.Duration {
	if s, ok := c.CommandTimeoutS[key]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 10 * time.Second
}

func (c *Config) SSHConnectTimeout() time.Duration {
	return time.Duration(c.SSHConnectTimeoutS) * time.Second
}

func (c *Config) SSHIdleTTL() time.Duration {
	return time.Duration(c.SSHIdleTTLS) * time.Second
}

func (c *Config) SinkFlushInterval() time.Duration {
	return time.Duration(c.SinkBatchFlushMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

func (c *Config) WSBatchWindow() time.Duration {
	return time.Duration(c.WSBatchWindowMS) * time.Millisecond
}
