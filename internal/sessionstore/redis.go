// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/durzo/tracearr/internal/models"
)

// Redis key prefixes. Keys are namespaced so a shared Redis instance can
// serve multiple deployments.
const (
	redisPendingPrefix    = "tracearr:pending:"
	redisProjectionPrefix = "tracearr:projection:"
	redisUserIndexPrefix  = "tracearr:user_sessions:"
	redisCooldownPrefix   = "tracearr:cooldown:"
	redisLockPrefix       = "tracearr:lock:"
)

// releaseScript deletes a lock key only if it still holds our token, so an
// expired-and-reacquired lock is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is the multi-instance Store backend. The session lock is a
// SET NX PX token key, safe across cooperating processes.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// GetPending implements Store.
func (r *RedisStore) GetPending(ctx context.Context, serverID, sessionKey string) (*models.PendingSession, error) {
	raw, err := r.client.Get(ctx, redisPendingPrefix+pendingKey(serverID, sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	var p models.PendingSession
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return &p, nil
}

// SetPending implements Store.
func (r *RedisStore) SetPending(ctx context.Context, p *models.PendingSession) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	if err := r.client.Set(ctx, redisPendingPrefix+pendingKey(p.ServerID, p.SessionKey), raw, 0).Err(); err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	return nil
}

// DeletePending implements Store.
func (r *RedisStore) DeletePending(ctx context.Context, serverID, sessionKey string) error {
	if err := r.client.Del(ctx, redisPendingPrefix+pendingKey(serverID, sessionKey)).Err(); err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// ListPending implements Store. Uses SCAN to avoid blocking Redis on large
// keyspaces.
func (r *RedisStore) ListPending(ctx context.Context) ([]*models.PendingSession, error) {
	var out []*models.PendingSession
	iter := r.client.Scan(ctx, 0, redisPendingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list pending: %w", err)
		}
		var p models.PendingSession
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", iter.Val(), err)
		}
		out = append(out, &p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	return out, nil
}

// GetProjection implements Store.
func (r *RedisStore) GetProjection(ctx context.Context, id uuid.UUID) (*models.SessionProjection, error) {
	raw, err := r.client.Get(ctx, redisProjectionPrefix+id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get projection: %w", err)
	}
	var p models.SessionProjection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode projection: %w", err)
	}
	return &p, nil
}

// SetProjection implements Store.
func (r *RedisStore) SetProjection(ctx context.Context, p *models.SessionProjection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	if err := r.client.Set(ctx, redisProjectionPrefix+p.ID.String(), raw, 0).Err(); err != nil {
		return fmt.Errorf("set projection: %w", err)
	}
	return nil
}

// DeleteProjection implements Store.
func (r *RedisStore) DeleteProjection(ctx context.Context, id uuid.UUID) error {
	if err := r.client.Del(ctx, redisProjectionPrefix+id.String()).Err(); err != nil {
		return fmt.Errorf("delete projection: %w", err)
	}
	return nil
}

// ListProjections implements Store.
func (r *RedisStore) ListProjections(ctx context.Context) ([]*models.SessionProjection, error) {
	var out []*models.SessionProjection
	iter := r.client.Scan(ctx, 0, redisProjectionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list projections: %w", err)
		}
		var p models.SessionProjection
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode projection %s: %w", iter.Val(), err)
		}
		out = append(out, &p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan projections: %w", err)
	}
	return out, nil
}

// AddUserSession implements Store.
func (r *RedisStore) AddUserSession(ctx context.Context, userID int64, id uuid.UUID) error {
	if err := r.client.SAdd(ctx, userIndexKey(userID), id.String()).Err(); err != nil {
		return fmt.Errorf("add user session: %w", err)
	}
	return nil
}

// RemoveUserSession implements Store.
func (r *RedisStore) RemoveUserSession(ctx context.Context, userID int64, id uuid.UUID) error {
	if err := r.client.SRem(ctx, userIndexKey(userID), id.String()).Err(); err != nil {
		return fmt.Errorf("remove user session: %w", err)
	}
	return nil
}

// UserSessions implements Store.
func (r *RedisStore) UserSessions(ctx context.Context, userID int64) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("user sessions: %w", err)
	}
	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue // skip corrupt entries rather than failing the lookup
		}
		out = append(out, id)
	}
	return out, nil
}

// SetTerminationCooldown implements Store.
func (r *RedisStore) SetTerminationCooldown(ctx context.Context, serverID, sessionKey, mediaID string, ttl time.Duration) error {
	key := redisCooldownPrefix + cooldownKey(serverID, sessionKey, mediaID)
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// InTerminationCooldown implements Store.
func (r *RedisStore) InTerminationCooldown(ctx context.Context, serverID, sessionKey, mediaID string) (bool, error) {
	key := redisCooldownPrefix + cooldownKey(serverID, sessionKey, mediaID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check cooldown: %w", err)
	}
	return n > 0, nil
}

// Lock implements Store via SET NX PX with a random token; release is a
// compare-and-delete script so only the owner can release.
func (r *RedisStore) Lock(ctx context.Context, serverID, sessionKey string, ttl time.Duration) (Unlocker, error) {
	key := redisLockPrefix + pendingKey(serverID, sessionKey)
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisUnlocker{client: r.client, key: key, token: token}, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func userIndexKey(userID int64) string {
	return fmt.Sprintf("%s%d", redisUserIndexPrefix, userID)
}

type redisUnlocker struct {
	client *redis.Client
	key    string
	token  string
}

func (u *redisUnlocker) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, u.client, []string{u.key}, u.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
