// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/models"
)

// MemoryStore is an in-process Store for tests and single-binary development.
// Locks are process-local; it must not be shared across instances.
type MemoryStore struct {
	mu          sync.Mutex
	pending     map[string]*models.PendingSession
	projections map[uuid.UUID]*models.SessionProjection
	userIndex   map[int64]map[uuid.UUID]struct{}
	cooldowns   map[string]time.Time
	locks       map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:     make(map[string]*models.PendingSession),
		projections: make(map[uuid.UUID]*models.SessionProjection),
		userIndex:   make(map[int64]map[uuid.UUID]struct{}),
		cooldowns:   make(map[string]time.Time),
		locks:       make(map[string]time.Time),
		now:         time.Now,
	}
}

// GetPending implements Store.
func (m *MemoryStore) GetPending(_ context.Context, serverID, sessionKey string) (*models.PendingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[pendingKey(serverID, sessionKey)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetPending implements Store.
func (m *MemoryStore) SetPending(_ context.Context, p *models.PendingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pending[pendingKey(p.ServerID, p.SessionKey)] = &cp
	return nil
}

// DeletePending implements Store.
func (m *MemoryStore) DeletePending(_ context.Context, serverID, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, pendingKey(serverID, sessionKey))
	return nil
}

// ListPending implements Store.
func (m *MemoryStore) ListPending(_ context.Context) ([]*models.PendingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PendingSession, 0, len(m.pending))
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// GetProjection implements Store.
func (m *MemoryStore) GetProjection(_ context.Context, id uuid.UUID) (*models.SessionProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// SetProjection implements Store.
func (m *MemoryStore) SetProjection(_ context.Context, p *models.SessionProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.projections[p.ID] = &cp
	return nil
}

// DeleteProjection implements Store.
func (m *MemoryStore) DeleteProjection(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projections, id)
	return nil
}

// ListProjections implements Store.
func (m *MemoryStore) ListProjections(_ context.Context) ([]*models.SessionProjection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SessionProjection, 0, len(m.projections))
	for _, p := range m.projections {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// AddUserSession implements Store.
func (m *MemoryStore) AddUserSession(_ context.Context, userID int64, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.userIndex[userID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m.userIndex[userID] = set
	}
	set[id] = struct{}{}
	return nil
}

// RemoveUserSession implements Store.
func (m *MemoryStore) RemoveUserSession(_ context.Context, userID int64, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.userIndex[userID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.userIndex, userID)
		}
	}
	return nil
}

// UserSessions implements Store.
func (m *MemoryStore) UserSessions(_ context.Context, userID int64) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.userIndex[userID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// SetTerminationCooldown implements Store.
func (m *MemoryStore) SetTerminationCooldown(_ context.Context, serverID, sessionKey, mediaID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[cooldownKey(serverID, sessionKey, mediaID)] = m.now().Add(ttl)
	return nil
}

// InTerminationCooldown implements Store.
func (m *MemoryStore) InTerminationCooldown(_ context.Context, serverID, sessionKey, mediaID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cooldownKey(serverID, sessionKey, mediaID)
	expiry, ok := m.cooldowns[key]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.cooldowns, key)
		return false, nil
	}
	return true, nil
}

// Lock implements Store.
func (m *MemoryStore) Lock(_ context.Context, serverID, sessionKey string, ttl time.Duration) (Unlocker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendingKey(serverID, sessionKey)
	if expiry, held := m.locks[key]; held && m.now().Before(expiry) {
		return nil, ErrLockHeld
	}
	m.locks[key] = m.now().Add(ttl)
	return &memoryUnlocker{store: m, key: key}, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

type memoryUnlocker struct {
	store *MemoryStore
	key   string
}

func (u *memoryUnlocker) Unlock(_ context.Context) error {
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	delete(u.store.locks, u.key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
