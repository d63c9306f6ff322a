// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package sessionstore

import (
	"context"
	"fmt"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/logging"
)

// New creates the Store backend selected by the configuration.
func New(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		store, err := NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		logging.Info().Str("backend", "redis").Str("addr", cfg.RedisAddr).Msg("session store ready")
		return store, nil

	case config.CacheBackendBadger:
		store, err := NewBadgerStore(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("create badger store: %w", err)
		}
		logging.Info().Str("backend", "badger").Str("path", cfg.BadgerPath).Msg("session store ready")
		return store, nil

	case config.CacheBackendMemory:
		logging.Warn().Msg("using in-memory session store; state is lost on restart")
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
