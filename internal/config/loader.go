package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for wonder.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("wonder")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: WONDER_RELAY_SHARED_DIR
	viper.SetEnvPrefix("WONDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a wonder config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".wonder"),
		"/etc/wonder",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "wonder"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: WONDER_RELAY_SHARED_DIR overrides relay.shared_dir.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("relay.shared_dir")
	_ = viper.BindEnv("relay.response_timeout")
	_ = viper.BindEnv("relay.poll_interval")
	_ = viper.BindEnv("relay.scan_interval")
	_ = viper.BindEnv("relay.call_timeout")
	_ = viper.BindEnv("relay.maintenance_interval")
	_ = viper.BindEnv("relay.stale_after")
	_ = viper.BindEnv("relay.log_level")

	_ = viper.BindEnv("proxy.port")

	// Note: security.blocked_domains is an array; use the config file.
	_ = viper.BindEnv("security.max_request_bytes")
	_ = viper.BindEnv("security.max_response_bytes")
	_ = viper.BindEnv("security.rules_file")

	_ = viper.BindEnv("metrics.addr")

	_ = viper.BindEnv("log.dir")
	_ = viper.BindEnv("log.retention_days")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
