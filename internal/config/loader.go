package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, proofscan.yaml/.yml is
// searched in the standard locations. The search requires an explicit
// YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file anywhere; ReadInConfig will return
		// ConfigFileNotFoundError, which callers treat as empty config.
		viper.SetConfigName("proofscan")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: PROOFSCAN_GATEWAY_ADDR etc.
	viper.SetEnvPrefix("PROOFSCAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for proofscan.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".proofscan"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "proofscan"))
		}
	} else {
		paths = append(paths, "/etc/proofscan")
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "proofscan"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for env overrides.
// Array-valued keys (targets, tokens) must come from the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("proxy.db_path")
	_ = viper.BindEnv("proxy.log_level")
	_ = viper.BindEnv("proxy.tool_separator")
	_ = viper.BindEnv("proxy.retention")
	_ = viper.BindEnv("proxy.max_payload_bytes")
	_ = viper.BindEnv("proxy.heartbeat_interval")

	_ = viper.BindEnv("gateway.addr")
	_ = viper.BindEnv("gateway.auth_mode")
	_ = viper.BindEnv("gateway.hide_not_found")
	_ = viper.BindEnv("gateway.max_body_bytes")
	_ = viper.BindEnv("gateway.rate_limit.enabled")
	_ = viper.BindEnv("gateway.rate_limit.requests_per_minute")
	_ = viper.BindEnv("gateway.rate_limit.burst")

	_ = viper.BindEnv("queue.max_inflight")
	_ = viper.BindEnv("queue.max_queue_depth")
	_ = viper.BindEnv("queue.timeout_ms")
}

// Load reads the configuration, applies env overrides and defaults, and
// validates the result. A missing config file yields the defaults.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Missing config file: continue with env vars and defaults.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FileUsed returns the loaded config file path, or empty when running
// from environment variables only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
