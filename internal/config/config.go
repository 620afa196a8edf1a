package config

import "time"

// Config is the root configuration for a realtime client process.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	API       APIConfig       `yaml:"api"`
	Bidding   ChannelConfig   `yaml:"bidding"`
	Messaging ChannelConfig   `yaml:"messaging"`
	Notify    ChannelConfig   `yaml:"notify"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Poller    PollerConfig    `yaml:"poller"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Prefs     PrefsConfig     `yaml:"prefs"`

	// Debug enables per-frame logging. A debug flag in the prefs store
	// can also switch it on at runtime start.
	Debug bool `yaml:"debug"`
}

// InstanceConfig identifies this process in logs.
type InstanceConfig struct {
	ID      string `yaml:"id"`
	Service string `yaml:"service"`
}

// APIConfig holds marketplace backend settings. The WebSocket origin is
// derived from BaseURL.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	UserID     string        `yaml:"user_id"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RateLimit  float64       `yaml:"rate_limit"` // Requests per second, 0 disables
	Burst      int           `yaml:"burst"`
}

// ChannelConfig holds heartbeat settings of one channel kind.
type ChannelConfig struct {
	PingInterval        time.Duration `yaml:"ping_interval"`
	HeartbeatMultiplier float64       `yaml:"heartbeat_multiplier"`
}

// ReconnectConfig holds the exponential backoff policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// PollerConfig holds fallback polling settings.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the log backend.
type LoggingConfig struct {
	Env        string `yaml:"env"`   // dev, stage or prod
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // Optional; rotated by size
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds the metrics/health HTTP server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// RecorderConfig controls persistence of observed updates.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// PrefsConfig selects the preference store backend.
type PrefsConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}
