// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tracearr/config.yaml",
	"/etc/tracearr/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "TRACEARR_CONFIG"

// envPrefix is the prefix for environment variable overrides,
// e.g. TRACEARR_MONITOR_WATCHED_THRESHOLD=45s.
const envPrefix = "TRACEARR_"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom loads configuration with an explicit file path. An empty path
// skips the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TRACEARR_SERVER_PORT=3858 -> server.port
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile returns the first existing config file, or "" if none.
func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks structural constraints via validator tags and semantic
// constraints by hand.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Monitor.WatchedThreshold <= 0 {
		return fmt.Errorf("monitor.watched_threshold must be positive")
	}
	if c.Monitor.SweepHorizon <= c.Monitor.WatchedThreshold {
		return fmt.Errorf("monitor.sweep_horizon must exceed monitor.watched_threshold")
	}
	if c.Monitor.StopRetryBudget < 1 {
		return fmt.Errorf("monitor.stop_retry_budget must be at least 1")
	}
	if c.Monitor.DownSetCapacity < 1 {
		return fmt.Errorf("monitor.down_set_capacity must be at least 1")
	}
	if c.Cache.Backend == CacheBackendRedis && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr required for redis backend")
	}
	if c.Cache.Backend == CacheBackendBadger && c.Cache.BadgerPath == "" {
		return fmt.Errorf("cache.badger_path required for badger backend")
	}

	seen := make(map[string]struct{}, len(c.MediaServers))
	for _, ms := range c.MediaServers {
		if _, dup := seen[ms.ID]; dup {
			return fmt.Errorf("duplicate media server id %q", ms.ID)
		}
		seen[ms.ID] = struct{}{}
	}
	return nil
}
