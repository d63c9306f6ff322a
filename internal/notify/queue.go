// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package notify pushes outbound notifications onto a Redis list for
// external workers to drain. The queue is fire-and-forget from the
// pipeline's point of view; a failed enqueue is logged, never retried
// inline.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/models"
)

// Envelope is the wire shape pushed onto the queue.
type Envelope struct {
	ID      string                  `json:"id"`
	Kind    models.NotificationKind `json:"kind"`
	Payload json.RawMessage         `json:"payload"`
	At      time.Time               `json:"at"`
}

// Queue enqueues notifications onto a Redis list. A nil or disabled queue
// drops every notification silently.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects to Redis and returns a live queue. When notifications are
// disabled it returns a drop-everything queue and no error.
func New(ctx context.Context, cfg config.NotificationsConfig) (*Queue, error) {
	if !cfg.Enabled {
		logging.Info().Msg("notifications disabled")
		return &Queue{}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: connect redis %s: %w", cfg.RedisAddr, err)
	}

	key := cfg.QueueKey
	if key == "" {
		key = "tracearr:notifications"
	}
	logging.Info().Str("addr", cfg.RedisAddr).Str("queue", key).Msg("notification queue connected")
	return &Queue{client: client, key: key}, nil
}

// Enqueue pushes one notification onto the queue.
func (q *Queue) Enqueue(ctx context.Context, kind models.NotificationKind, payload any) error {
	if q == nil || q.client == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: raw,
		At:      time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}

	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("notify: rpush: %w", err)
	}
	logging.Debug().Str("kind", string(kind)).Str("id", env.ID).Msg("notification enqueued")
	return nil
}

// Len reports the current queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	if q == nil || q.client == nil {
		return 0, nil
	}
	return q.client.LLen(ctx, q.key).Result()
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
