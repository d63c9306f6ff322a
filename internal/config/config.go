// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package config loads and validates Tracearr configuration.
//
// Precedence (lowest to highest): built-in defaults, YAML config file,
// TRACEARR_-prefixed environment variables.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	NATS          NATSConfig          `koanf:"nats"`
	Database      DatabaseConfig      `koanf:"database"`
	Cache         CacheConfig         `koanf:"cache"`
	Monitor       MonitorConfig       `koanf:"monitor"`
	MediaServers  []MediaServerConfig `koanf:"media_servers"`
	Geo           GeoConfig           `koanf:"geo"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig configures the HTTP surface (health, metrics, websocket).
type ServerConfig struct {
	Host          string        `koanf:"host"`
	Port          int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout       time.Duration `koanf:"timeout"`
	CORSOrigins   []string      `koanf:"cors_origins"`
	RateLimitReqs int           `koanf:"rate_limit_reqs"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// NATSConfig configures the notification bus.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	Embedded       bool          `koanf:"embedded"`
	StoreDir       string        `koanf:"store_dir"`
	StreamName     string        `koanf:"stream_name"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	RetryCount     int           `koanf:"retry_count"`
	RetryInterval  time.Duration `koanf:"retry_interval"`
	PoisonTopic    string        `koanf:"poison_topic"`
	CloseTimeout   time.Duration `koanf:"close_timeout"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// DatabaseConfig configures the durable session store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// CacheBackend selects the cache-store implementation.
type CacheBackend string

const (
	// CacheBackendRedis is the multi-instance backend; the per-key session
	// lock is safe across cooperating processes.
	CacheBackendRedis CacheBackend = "redis"
	// CacheBackendBadger is an embedded single-instance backend.
	CacheBackendBadger CacheBackend = "badger"
	// CacheBackendMemory is an in-process backend for tests and dev.
	CacheBackendMemory CacheBackend = "memory"
)

// CacheConfig configures the ephemeral session cache store.
type CacheConfig struct {
	Backend       CacheBackend  `koanf:"backend" validate:"omitempty,oneof=redis badger memory"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	BadgerPath    string        `koanf:"badger_path"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
}

// MonitorConfig configures the session-reconciliation pipeline.
type MonitorConfig struct {
	// WatchedThreshold is the accumulated offset a pending session must
	// exceed, while playing, to be confirmed as genuine.
	WatchedThreshold time.Duration `koanf:"watched_threshold"`

	// SweepHorizon is the pending-entry staleness cutoff for the orphan
	// sweeper; SweepInterval is how often the sweeper runs after startup.
	SweepHorizon  time.Duration `koanf:"sweep_horizon"`
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// DownDebounce is how long a server must stay in fallback before a
	// server_down notification is emitted. Blips shorter than this are
	// suppressed entirely.
	DownDebounce time.Duration `koanf:"down_debounce"`

	// DownSetCapacity bounds the tracked down-server set.
	DownSetCapacity int `koanf:"down_set_capacity"`

	// StopRetryBudget is the number of immediate attempts for a stop
	// write before handing off to the out-of-band retry path.
	StopRetryBudget int `koanf:"stop_retry_budget"`

	// TerminationCooldown suppresses re-creation of a session right after
	// a rule-triggered kill.
	TerminationCooldown time.Duration `koanf:"termination_cooldown"`

	// HistoryLookback caps the recent-history window any rule may request
	// from the engine, whatever its own configured window says.
	HistoryLookback time.Duration `koanf:"history_lookback"`
}

// MediaServerConfig describes one monitored media-server backend.
type MediaServerConfig struct {
	ID    string `koanf:"id" validate:"required"`
	Name  string `koanf:"name"`
	URL   string `koanf:"url" validate:"required,url"`
	Token string `koanf:"token"`
}

// GeoConfig configures the geo-enrichment collaborator.
type GeoConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// NotificationsConfig configures the outbound notification queue.
type NotificationsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	QueueKey  string `koanf:"queue_key"`
	RedisAddr string `koanf:"redis_addr"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// values override these.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          3858,
			Timeout:       30 * time.Second,
			CORSOrigins:   []string{"*"},
			RateLimitReqs: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Embedded:       true,
			StoreDir:       "/data/nats/jetstream",
			StreamName:     "PLAYBACK",
			DurableName:    "session-monitor",
			QueueGroup:     "monitors",
			RetryCount:     3,
			RetryInterval:  100 * time.Millisecond,
			PoisonTopic:    "playback.poison",
			CloseTimeout:   30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/tracearr.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Cache: CacheConfig{
			Backend:    CacheBackendRedis,
			RedisAddr:  "127.0.0.1:6379",
			BadgerPath: "/data/cache",
			LockTTL:    10 * time.Second,
		},
		Monitor: MonitorConfig{
			WatchedThreshold:    30 * time.Second,
			SweepHorizon:        2 * time.Minute,
			SweepInterval:       time.Minute,
			DownDebounce:        60 * time.Second,
			DownSetCapacity:     256,
			StopRetryBudget:     3,
			TerminationCooldown: 30 * time.Second,
			HistoryLookback:     24 * time.Hour,
		},
		Geo: GeoConfig{
			Enabled: false,
			Timeout: 5 * time.Second,
		},
		Notifications: NotificationsConfig{
			Enabled:  true,
			QueueKey: "tracearr:notifications",
		},
	}
}
