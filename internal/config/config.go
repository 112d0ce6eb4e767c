// Package config provides configuration types and loading for the relay.
//
// Configuration is file-based (wonder.yaml) with environment variable
// overrides under the WONDER_ prefix. Both agents read the same file; the
// shared directory is the only setting that must agree between them.
package config

import (
	"path/filepath"
	"time"
)

// Config is the top-level configuration for both relay agents.
type Config struct {
	// Relay configures the shared directory and agent timing.
	Relay RelayConfig `yaml:"relay" mapstructure:"relay"`

	// Proxy configures the local capture proxy (wonder run).
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Security configures the forwarder's policy gate.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Log configures the relay lifecycle log under the shared directory.
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// RelayConfig configures the shared directory and agent timing.
// Durations are strings ("200ms", "5m") validated at load time.
type RelayConfig struct {
	// SharedDir is the directory both agents coordinate through.
	// Defaults to "/tmp/shared".
	SharedDir string `yaml:"shared_dir" mapstructure:"shared_dir"`

	// ResponseTimeout is how long the interceptor waits for a response
	// before synthesizing a gateway timeout. Defaults to "5m".
	ResponseTimeout string `yaml:"response_timeout" mapstructure:"response_timeout" validate:"omitempty,duration"`

	// PollInterval is the interceptor's response polling interval.
	// Defaults to "200ms".
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval" validate:"omitempty,duration"`

	// ScanInterval is the forwarder's request scan interval.
	// Defaults to "500ms".
	ScanInterval string `yaml:"scan_interval" mapstructure:"scan_interval" validate:"omitempty,duration"`

	// CallTimeout bounds a single outbound HTTP call. Defaults to "30s".
	CallTimeout string `yaml:"call_timeout" mapstructure:"call_timeout" validate:"omitempty,duration"`

	// MaintenanceInterval is how often the forwarder closes idle
	// connections and collects stale responses. Defaults to "10m".
	MaintenanceInterval string `yaml:"maintenance_interval" mapstructure:"maintenance_interval" validate:"omitempty,duration"`

	// StaleAfter is the age at which an unclaimed response entry is
	// garbage-collected. Defaults to "1h".
	StaleAfter string `yaml:"stale_after" mapstructure:"stale_after" validate:"omitempty,duration"`

	// LogLevel sets the minimum diagnostic log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// ProxyConfig configures the local capture proxy.
type ProxyConfig struct {
	// Port is the localhost port the capture proxy listens on.
	// Defaults to 9025.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// SecurityConfig configures the forwarder's policy gate.
type SecurityConfig struct {
	// BlockedDomains are hostnames denied by exact, case-insensitive match.
	BlockedDomains []string `yaml:"blocked_domains" mapstructure:"blocked_domains"`

	// MaxRequestBytes caps the request body size. Defaults to 1 MiB.
	MaxRequestBytes int64 `yaml:"max_request_bytes" mapstructure:"max_request_bytes" validate:"omitempty,min=1"`

	// MaxResponseBytes caps the response body size. Defaults to 10 MiB.
	MaxResponseBytes int64 `yaml:"max_response_bytes" mapstructure:"max_response_bytes" validate:"omitempty,min=1"`

	// RulesFile is an optional YAML file with extra scan patterns and
	// CEL deny rules.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (e.g. "127.0.0.1:9026").
	// Empty disables the endpoint.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LogConfig configures the relay lifecycle log.
type LogConfig struct {
	// Dir is the lifecycle log directory. Defaults to <shared_dir>/logs.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is how long dated log files are kept. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	if c.Relay.SharedDir == "" {
		c.Relay.SharedDir = "/tmp/shared"
	}
	if c.Relay.ResponseTimeout == "" {
		c.Relay.ResponseTimeout = "5m"
	}
	if c.Relay.PollInterval == "" {
		c.Relay.PollInterval = "200ms"
	}
	if c.Relay.ScanInterval == "" {
		c.Relay.ScanInterval = "500ms"
	}
	if c.Relay.CallTimeout == "" {
		c.Relay.CallTimeout = "30s"
	}
	if c.Relay.MaintenanceInterval == "" {
		c.Relay.MaintenanceInterval = "10m"
	}
	if c.Relay.StaleAfter == "" {
		c.Relay.StaleAfter = "1h"
	}
	if c.Relay.LogLevel == "" {
		c.Relay.LogLevel = "info"
	}

	if c.Proxy.Port == 0 {
		c.Proxy.Port = 9025
	}

	if c.Security.MaxRequestBytes == 0 {
		c.Security.MaxRequestBytes = 1 << 20
	}
	if c.Security.MaxResponseBytes == 0 {
		c.Security.MaxResponseBytes = 10 << 20
	}

	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(c.Relay.SharedDir, "logs")
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = 7
	}
}

// Duration accessors. Validation guarantees the strings parse, so these
// fall back to the documented defaults only for a zero Config.

func (c *RelayConfig) ResponseTimeoutD() time.Duration {
	return parseDuration(c.ResponseTimeout, 5*time.Minute)
}

func (c *RelayConfig) PollIntervalD() time.Duration {
	return parseDuration(c.PollInterval, 200*time.Millisecond)
}

func (c *RelayConfig) ScanIntervalD() time.Duration {
	return parseDuration(c.ScanInterval, 500*time.Millisecond)
}

func (c *RelayConfig) CallTimeoutD() time.Duration {
	return parseDuration(c.CallTimeout, 30*time.Second)
}

func (c *RelayConfig) MaintenanceIntervalD() time.Duration {
	return parseDuration(c.MaintenanceInterval, 10*time.Minute)
}

func (c *RelayConfig) StaleAfterD() time.Duration {
	return parseDuration(c.StaleAfter, time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
