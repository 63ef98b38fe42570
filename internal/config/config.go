// Package config loads gateway configuration from a layered source: built-in
// defaults, then a YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/chalabi2/chain-rpc-gateway/internal/model"
)

// ChainSpec is one chain's entry in the config file.
type ChainSpec struct {
	Name          string `koanf:"name"`
	DisplayName   string `koanf:"display_name"`
	RegistryURL   string `koanf:"registry_url"`
	BasePrefix    string `koanf:"base_prefix"`
	ArchivePrefix string `koanf:"archive_prefix"`
}

// Config is the fully resolved, process-wide configuration.
type Config struct {
	Port                     int    `koanf:"port"`
	HealthCheckIntervalMS    int    `koanf:"health_check_interval_ms"`
	RegistryUpdateIntervalMS int    `koanf:"registry_update_interval_ms"`
	SyncThresholdBlocks      int64  `koanf:"sync_threshold_blocks"`
	RequestTimeoutMS         int    `koanf:"request_timeout_ms"`
	HealthCheckTimeoutMS     int    `koanf:"health_check_timeout_ms"`
	RetryAttempts            int    `koanf:"retry_attempts"`
	RetryDelayMS             int    `koanf:"retry_delay_ms"`
	ProbeWebSocket           bool   `koanf:"probe_websocket"`
	NotifyURL                string `koanf:"notify_url"`
	LogLevel                 string `koanf:"log_level"`

	Chains []ChainSpec `koanf:"chains"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":                        8080,
		"health_check_interval_ms":    30000,
		"registry_update_interval_ms": 600000,
		"sync_threshold_blocks":       50,
		"request_timeout_ms":          10000,
		"health_check_timeout_ms":     5000,
		"retry_attempts":              3,
		"retry_delay_ms":              1000,
		"probe_websocket":             false,
		"log_level":                   "info",
	}
}

// Load builds a Config from built-in defaults, overlaid with configPath (if
// non-empty) and then CHAIN_RPC_GATEWAY_-prefixed environment variables.
// A missing configPath is not an error: defaults plus env overrides alone
// are a valid configuration for tests and minimal deployments.
func Load(configPath string) (*Config, error) {
	ko := koanf.New(".")

	if err := ko.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if configPath != "" {
		if err := ko.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", configPath, err)
		}
	}

	if err := ko.Load(env.Provider("CHAIN_RPC_GATEWAY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CHAIN_RPC_GATEWAY_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ChainConfigs converts the loaded chain specs into model.ChainConfig,
// applying the process-wide interval/timeout/threshold settings to every
// chain (no per-chain override in the config file format).
func (c *Config) ChainConfigs() []model.ChainConfig {
	out := make([]model.ChainConfig, 0, len(c.Chains))
	for _, spec := range c.Chains {
		out = append(out, model.DefaultChainConfig(model.ChainConfig{
			Key:            spec.Name,
			DisplayName:    spec.DisplayName,
			RegistryURL:    spec.RegistryURL,
			BasePrefix:     spec.BasePrefix,
			ArchivePrefix:  spec.ArchivePrefix,
			PollInterval:   time.Duration(c.RegistryUpdateIntervalMS) * time.Millisecond,
			ProbeInterval:  time.Duration(c.HealthCheckIntervalMS) * time.Millisecond,
			ProbeTimeout:   time.Duration(c.HealthCheckTimeoutMS) * time.Millisecond,
			SyncThreshold:  c.SyncThresholdBlocks,
			ProbeWebSocket: c.ProbeWebSocket,
			RequestTimeout: c.RequestTimeout(),
			RetryAttempts:  c.RetryAttempts,
			RetryDelayBase: c.RetryDelayBase(),
		}))
	}
	return out
}

// RequestTimeout is the configured upstream forward timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// RetryDelayBase is the configured base inter-retry backoff.
func (c *Config) RetryDelayBase() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}
