package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultService               = "auctionwatch"
	DefaultAPITimeout            = 10 * time.Second
	DefaultMaxRetries            = 2
	DefaultRetryDelay            = 500 * time.Millisecond
	DefaultBurst                 = 1
	DefaultBiddingPingInterval   = 20 * time.Second
	DefaultMessagingPingInterval = 25 * time.Second
	DefaultNotifyPingInterval    = 25 * time.Second
	DefaultHeartbeatMultiplier   = 2.0
	DefaultReconnectBaseDelay    = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMaxAttempts  = 10
	DefaultPollInterval          = 3 * time.Second
	DefaultPollTimeout           = 5 * time.Second
	DefaultLogEnv                = "dev"
	DefaultLogLevel              = "info"
	DefaultLogMaxSizeMB          = 100
	DefaultLogMaxBackups         = 5
	DefaultLogMaxAgeDays         = 14
	DefaultMetricsAddr           = ":9090"
	DefaultMetricsPath           = "/metrics"
	DefaultBatchSize             = 500
	DefaultFlushInterval         = 1 * time.Second
	DefaultBufferSize            = 10000
	DefaultDBPort                = 5432
	DefaultDBSSLMode             = "prefer"
	DefaultMaxConns              = 4
	DefaultMinConns              = 1
	DefaultPrefsBackend          = "memory"
	DefaultRedisKeyPrefix        = "realtime:prefs:"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Instance.Service == "" {
		c.Instance.Service = DefaultService
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryDelay == 0 {
		c.API.RetryDelay = DefaultRetryDelay
	}
	if c.API.RateLimit > 0 && c.API.Burst == 0 {
		c.API.Burst = DefaultBurst
	}

	// Channel defaults
	applyChannelDefaults(&c.Bidding, DefaultBiddingPingInterval)
	applyChannelDefaults(&c.Messaging, DefaultMessagingPingInterval)
	applyChannelDefaults(&c.Notify, DefaultNotifyPingInterval)

	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Logging defaults
	if c.Logging.Env == "" {
		c.Logging.Env = DefaultLogEnv
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Metrics defaults
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}
	applyDBDefaults(&c.Recorder.Database)

	// Prefs defaults
	if c.Prefs.Backend == "" {
		c.Prefs.Backend = DefaultPrefsBackend
	}
	if c.Prefs.Redis.KeyPrefix == "" {
		c.Prefs.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
}

func applyChannelDefaults(ch *ChannelConfig, ping time.Duration) {
	if ch.PingInterval == 0 {
		ch.PingInterval = ping
	}
	if ch.HeartbeatMultiplier == 0 {
		ch.HeartbeatMultiplier = DefaultHeartbeatMultiplier
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
