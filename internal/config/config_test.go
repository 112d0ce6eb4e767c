package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Relay.SharedDir != "/tmp/shared" {
		t.Errorf("SharedDir = %q, want /tmp/shared", cfg.Relay.SharedDir)
	}
	if cfg.Relay.ResponseTimeout != "5m" {
		t.Errorf("ResponseTimeout = %q, want 5m", cfg.Relay.ResponseTimeout)
	}
	if cfg.Relay.PollInterval != "200ms" {
		t.Errorf("PollInterval = %q, want 200ms", cfg.Relay.PollInterval)
	}
	if cfg.Relay.ScanInterval != "500ms" {
		t.Errorf("ScanInterval = %q, want 500ms", cfg.Relay.ScanInterval)
	}
	if cfg.Relay.CallTimeout != "30s" {
		t.Errorf("CallTimeout = %q, want 30s", cfg.Relay.CallTimeout)
	}
	if cfg.Relay.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Relay.LogLevel)
	}
	if cfg.Proxy.Port != 9025 {
		t.Errorf("Port = %d, want 9025", cfg.Proxy.Port)
	}
	if cfg.Security.MaxRequestBytes != 1<<20 {
		t.Errorf("MaxRequestBytes = %d, want %d", cfg.Security.MaxRequestBytes, 1<<20)
	}
	if cfg.Security.MaxResponseBytes != 10<<20 {
		t.Errorf("MaxResponseBytes = %d, want %d", cfg.Security.MaxResponseBytes, 10<<20)
	}
	if cfg.Log.Dir != filepath.Join("/tmp/shared", "logs") {
		t.Errorf("Log.Dir = %q, want shared_dir/logs", cfg.Log.Dir)
	}
	if cfg.Log.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.Log.RetentionDays)
	}
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Relay.SharedDir = "/mnt/exchange"
	cfg.Relay.PollInterval = "1s"
	cfg.Proxy.Port = 8888
	cfg.Log.Dir = "/var/log/wonder"
	cfg.SetDefaults()

	if cfg.Relay.SharedDir != "/mnt/exchange" {
		t.Errorf("SharedDir = %q, want /mnt/exchange", cfg.Relay.SharedDir)
	}
	if cfg.Relay.PollInterval != "1s" {
		t.Errorf("PollInterval = %q, want 1s", cfg.Relay.PollInterval)
	}
	if cfg.Proxy.Port != 8888 {
		t.Errorf("Port = %d, want 8888", cfg.Proxy.Port)
	}
	if cfg.Log.Dir != "/var/log/wonder" {
		t.Errorf("Log.Dir = %q, want /var/log/wonder", cfg.Log.Dir)
	}
}

func TestDurationAccessors(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if got := cfg.Relay.ResponseTimeoutD(); got != 5*time.Minute {
		t.Errorf("ResponseTimeoutD = %v, want 5m", got)
	}
	if got := cfg.Relay.PollIntervalD(); got != 200*time.Millisecond {
		t.Errorf("PollIntervalD = %v, want 200ms", got)
	}
	if got := cfg.Relay.ScanIntervalD(); got != 500*time.Millisecond {
		t.Errorf("ScanIntervalD = %v, want 500ms", got)
	}
	if got := cfg.Relay.CallTimeoutD(); got != 30*time.Second {
		t.Errorf("CallTimeoutD = %v, want 30s", got)
	}
	if got := cfg.Relay.MaintenanceIntervalD(); got != 10*time.Minute {
		t.Errorf("MaintenanceIntervalD = %v, want 10m", got)
	}
	if got := cfg.Relay.StaleAfterD(); got != time.Hour {
		t.Errorf("StaleAfterD = %v, want 1h", got)
	}
}

func TestDurationAccessorFallback(t *testing.T) {
	cfg := RelayConfig{PollInterval: "garbage"}
	if got := cfg.PollIntervalD(); got != 200*time.Millisecond {
		t.Errorf("PollIntervalD on unparseable value = %v, want fallback 200ms", got)
	}
}
