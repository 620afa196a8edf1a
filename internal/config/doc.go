// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// Channel timings (ping interval, heartbeat multiplier) are configured per
// channel; bidding and messaging intentionally default to different values.
package config
