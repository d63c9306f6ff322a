// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package sessionstore provides the ephemeral cache store backing the
// session-reconciliation pipeline: pending sessions, live projections, the
// per-user session index, termination cooldowns, and the cross-instance
// per-key lock used for the pending-to-persisted promotion.
//
// Three backends are available via New: redis (multi-instance safe), badger
// (embedded single instance), and memory (tests and development).
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/models"
)

// ErrNotFound is returned when a key has no entry.
var ErrNotFound = errors.New("sessionstore: not found")

// ErrLockHeld is returned when the session lock is held by another owner.
var ErrLockHeld = errors.New("sessionstore: lock held")

// Unlocker releases a held session lock.
type Unlocker interface {
	// Unlock releases the lock. Releasing an expired lock is a no-op.
	Unlock(ctx context.Context) error
}

// Store is the cache-store contract consumed by the dispatcher, lifecycle
// manager, and orphan sweeper. All mutations except Lock are last-write-wins.
type Store interface {
	// GetPending returns the pending session for (serverID, sessionKey),
	// or ErrNotFound.
	GetPending(ctx context.Context, serverID, sessionKey string) (*models.PendingSession, error)

	// SetPending stores a pending session keyed by its (ServerID, SessionKey).
	SetPending(ctx context.Context, p *models.PendingSession) error

	// DeletePending removes a pending session. Missing keys are a no-op.
	DeletePending(ctx context.Context, serverID, sessionKey string) error

	// ListPending returns all pending sessions. Used by the orphan sweeper.
	ListPending(ctx context.Context) ([]*models.PendingSession, error)

	// GetProjection returns the live view for a session id, or ErrNotFound.
	GetProjection(ctx context.Context, id uuid.UUID) (*models.SessionProjection, error)

	// SetProjection stores a live view keyed by the stable session id.
	SetProjection(ctx context.Context, p *models.SessionProjection) error

	// DeleteProjection removes a live view. Missing ids are a no-op.
	DeleteProjection(ctx context.Context, id uuid.UUID) error

	// ListProjections returns all live views.
	ListProjections(ctx context.Context) ([]*models.SessionProjection, error)

	// AddUserSession records a session id in the per-user index.
	AddUserSession(ctx context.Context, userID int64, id uuid.UUID) error

	// RemoveUserSession removes a session id from the per-user index.
	RemoveUserSession(ctx context.Context, userID int64, id uuid.UUID) error

	// UserSessions returns the session ids indexed for a user.
	UserSessions(ctx context.Context, userID int64) ([]uuid.UUID, error)

	// SetTerminationCooldown flags (serverID, sessionKey, mediaID) so a
	// session killed by rule action is not immediately recreated.
	SetTerminationCooldown(ctx context.Context, serverID, sessionKey, mediaID string, ttl time.Duration) error

	// InTerminationCooldown reports whether the cooldown flag is active.
	InTerminationCooldown(ctx context.Context, serverID, sessionKey, mediaID string) (bool, error)

	// Lock acquires the named per-key lock for (serverID, sessionKey).
	// Returns ErrLockHeld without blocking if another owner holds it.
	// The lock expires after ttl even if never released.
	Lock(ctx context.Context, serverID, sessionKey string, ttl time.Duration) (Unlocker, error)

	// Close releases backend resources.
	Close() error
}

// pendingKey builds the composite key for a pending session.
func pendingKey(serverID, sessionKey string) string {
	return serverID + ":" + sessionKey
}

// cooldownKey builds the composite key for a termination cooldown flag.
func cooldownKey(serverID, sessionKey, mediaID string) string {
	return serverID + ":" + sessionKey + ":" + mediaID
}
