package config

import (
	"github.com/bidloop/realtime/internal/api"
	"github.com/bidloop/realtime/internal/connection"
)

// Origin returns the WebSocket origin derived from api.base_url.
func (c *Config) Origin() (string, error) {
	return api.WebSocketOrigin(c.API.BaseURL)
}

// Session builds the session config of one channel kind. The URL is left
// for the channel to fill in.
func (c *Config) Session(name string, ch ChannelConfig) connection.SessionConfig {
	s := connection.DefaultSessionConfig()
	s.Name = name
	s.PingInterval = ch.PingInterval
	s.HeartbeatMultiplier = ch.HeartbeatMultiplier
	s.Reconnect = connection.ReconnectPolicy{
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
	s.PollInterval = c.Poller.Interval
	s.PollTimeout = c.Poller.Timeout
	s.Debug = c.Debug
	return s
}

// APIOptions returns REST client options for the api section.
func (c *Config) APIOptions() []api.ClientOption {
	opts := []api.ClientOption{
		api.WithTimeout(c.API.Timeout),
		api.WithRetries(c.API.MaxRetries, c.API.RetryDelay),
	}
	if c.API.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(c.API.RateLimit, c.API.Burst))
	}
	return opts
}
