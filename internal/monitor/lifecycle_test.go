// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/database"
	"github.com/durzo/tracearr/internal/models"
	"github.com/durzo/tracearr/internal/sessionstore"
)

// fakeDB is an in-memory SessionDB honoring the conditional-update contract.
type fakeDB struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*models.StreamSession
	violations []*models.Violation

	// stopTransientFailures makes the next N StopSession calls fail with a
	// connection-level error; findTransientFailures does the same for
	// active-session lookups.
	stopTransientFailures int
	findTransientFailures int
}

func newFakeDB() *fakeDB {
	return &fakeDB{sessions: make(map[uuid.UUID]*models.StreamSession)}
}

func (f *fakeDB) InsertSession(ctx context.Context, s *models.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDB) StopSession(ctx context.Context, id uuid.UUID, stoppedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopTransientFailures > 0 {
		f.stopTransientFailures--
		return false, errors.New("write failed: connection refused")
	}
	s, ok := f.sessions[id]
	if !ok || s.State == models.StateStopped {
		return false, nil
	}
	s.State = models.StateStopped
	t := stoppedAt
	s.StoppedAt = &t
	return true, nil
}

func (f *fakeDB) UpdateSessionProgress(ctx context.Context, id uuid.UUID, state models.PlayState, viewOffsetMs, pausedDurationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.State == models.StateStopped {
		return nil
	}
	s.State = state
	s.ViewOffsetMs = viewOffsetMs
	s.PausedDurationMs = pausedDurationMs
	return nil
}

func (f *fakeDB) FindActiveSession(ctx context.Context, ident models.SessionIdentity) (*models.StreamSession, error) {
	all, err := f.FindActiveSessionsAll(ctx, ident)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, database.ErrNotFound
	}
	return all[0], nil
}

func (f *fakeDB) FindActiveSessionsAll(ctx context.Context, ident models.SessionIdentity) ([]*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findTransientFailures > 0 {
		f.findTransientFailures--
		return nil, errors.New("read failed: connection refused")
	}
	var out []*models.StreamSession
	for _, s := range f.sessions {
		if s.ServerID != ident.ServerID || s.SessionKey != ident.SessionKey || s.State == models.StateStopped {
			continue
		}
		if ident.MediaID != "" && s.MediaID != ident.MediaID {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDB) MediaChange(ctx context.Context, oldID uuid.UUID, stoppedAt time.Time, next *models.StreamSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.sessions[oldID]
	if !ok || old.State == models.StateStopped {
		return false, nil
	}
	old.State = models.StateStopped
	t := stoppedAt
	old.StoppedAt = &t
	cp := *next
	f.sessions[next.ID] = &cp
	return true, nil
}

func (f *fakeDB) InsertViolations(ctx context.Context, violations []*models.Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, violations...)
	return nil
}

func (f *fakeDB) session(id uuid.UUID) *models.StreamSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// fakeRules returns a fixed evaluation result.
type fakeRules struct {
	violations []*models.Violation
	terminate  bool
	err        error
}

func (f *fakeRules) Evaluate(ctx context.Context, candidate *models.StreamSession) ([]*models.Violation, bool, error) {
	return f.violations, f.terminate, f.err
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		WatchedThreshold:    30 * time.Second,
		SweepHorizon:        2 * time.Minute,
		SweepInterval:       time.Minute,
		DownDebounce:        60 * time.Second,
		DownSetCapacity:     8,
		StopRetryBudget:     3,
		TerminationCooldown: 30 * time.Second,
		HistoryLookback:     24 * time.Hour,
	}
}

func newTestManager(store sessionstore.Store, db SessionDB, rules RuleEngine) *Manager {
	return NewManager(store, db, rules, testMonitorConfig(), 10*time.Second)
}

func confirmablePending(store sessionstore.Store) *models.PendingSession {
	p := pendingFixture()
	p.Confirmation.MaxViewOffsetMs = 35_000
	p.ViewOffsetMs = 35_000
	if err := store.SetPending(context.Background(), p); err != nil {
		panic(err)
	}
	return p
}

func TestConfirmAndPersistCreatesSingleRow(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	p := confirmablePending(store)
	result, err := m.ConfirmAndPersist(ctx, p)
	require.NoError(t, err)
	assert.False(t, result.Terminated)
	assert.Equal(t, p.ID, result.Session.ID)

	// Exactly one durable row, under the pre-generated id.
	assert.Equal(t, 1, db.count())
	require.NotNil(t, db.session(p.ID))

	// The pending entry is gone, the projection is confirmed in place.
	_, err = store.GetPending(ctx, p.ServerID, p.SessionKey)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	proj, err := store.GetProjection(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, proj.Confirmed)

	ids, err := store.UserSessions(ctx, p.UserID)
	require.NoError(t, err)
	assert.Contains(t, ids, p.ID)
}

func TestConfirmConcurrentAttemptsYieldOneRow(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	p := confirmablePending(store)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.ConfirmAndPersist(ctx, p)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrRaceLost):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, db.count())
}

func TestConfirmRaceLostWhenAlreadyPersisted(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	p := confirmablePending(store)
	require.NoError(t, db.InsertSession(ctx, SessionFromPending(p)))

	_, err := m.ConfirmAndPersist(ctx, p)
	assert.ErrorIs(t, err, ErrRaceLost)

	// The stale pending entry was cleaned up.
	_, err = store.GetPending(ctx, p.ServerID, p.SessionKey)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	assert.Equal(t, 1, db.count())
}

func TestConfirmRaceLostWhenPendingGone(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	p := pendingFixture()
	p.Confirmation.MaxViewOffsetMs = 35_000

	_, err := m.ConfirmAndPersist(ctx, p)
	assert.ErrorIs(t, err, ErrRaceLost)
	assert.Zero(t, db.count())
}

func TestConfirmTerminatedByRuleNeverObservablyActive(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()

	p := confirmablePending(store)
	violation := &models.Violation{
		ID: uuid.New(), RuleID: 1, RuleType: "concurrent_streams",
		SessionID: p.ID, UserID: p.UserID,
		Severity: models.SeverityCritical, Terminate: true, CreatedAt: time.Now().UTC(),
	}
	m := newTestManager(store, db, &fakeRules{violations: []*models.Violation{violation}, terminate: true})

	result, err := m.ConfirmAndPersist(ctx, p)
	require.NoError(t, err)
	assert.True(t, result.Terminated)

	// The row was written already stopped, in the same operation.
	s := db.session(p.ID)
	require.NotNil(t, s)
	assert.Equal(t, models.StateStopped, s.State)
	require.NotNil(t, s.StoppedAt)

	// Cooldown suppresses immediate re-creation for the same media.
	cooling, err := store.InTerminationCooldown(ctx, p.ServerID, p.SessionKey, p.MediaID)
	require.NoError(t, err)
	assert.True(t, cooling)

	// No live-cache footprint for a terminated session.
	_, err = store.GetProjection(ctx, p.ID)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)

	require.Len(t, db.violations, 1)
	assert.True(t, db.violations[0].Terminate)
}

func TestConfirmProceedsWhenRuleEvaluationFails(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{err: errors.New("rules unavailable")})

	p := confirmablePending(store)
	result, err := m.ConfirmAndPersist(ctx, p)
	require.NoError(t, err)
	assert.False(t, result.Terminated)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 1, db.count())
}

func TestStopSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	s := SessionFromPending(pendingFixture())
	require.NoError(t, db.InsertSession(ctx, s))

	result, err := m.StopSession(ctx, s, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, result.WasUpdated)
	assert.False(t, result.NeedsRetry)

	// Stopping an already-stopped session is a safe no-op.
	result, err = m.StopSession(ctx, s, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, result.WasUpdated)
	assert.False(t, result.NeedsRetry)
}

func TestStopSessionRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	s := SessionFromPending(pendingFixture())
	require.NoError(t, db.InsertSession(ctx, s))
	db.stopTransientFailures = 2

	result, err := m.StopSession(ctx, s, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, result.WasUpdated)
}

func TestStopSessionExhaustedBudgetHandsOff(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	s := SessionFromPending(pendingFixture())
	require.NoError(t, db.InsertSession(ctx, s))
	db.stopTransientFailures = 10

	result, err := m.StopSession(ctx, s, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, result.WasUpdated)
	assert.True(t, result.NeedsRetry)
}

func TestHandleMediaChangeAtomic(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	existing := SessionFromPending(pendingFixture())
	require.NoError(t, db.InsertSession(ctx, existing))

	next := SessionFromPending(pendingFixture())
	next.ID = uuid.New()
	next.MediaID = "media-2"

	result, err := m.HandleMediaChange(ctx, existing, next)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.StateStopped, result.Stopped.State)
	assert.Equal(t, next.ID, result.Inserted.ID)

	assert.Equal(t, models.StateStopped, db.session(existing.ID).State)
	assert.Equal(t, models.StatePlaying, db.session(next.ID).State)

	// Old session left the cache, successor took its place.
	_, err = store.GetProjection(ctx, existing.ID)
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)
	proj, err := store.GetProjection(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, "media-2", proj.MediaID)
}

func TestHandleMediaChangeRaceLostIsNil(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	db := newFakeDB()
	m := newTestManager(store, db, &fakeRules{})

	existing := SessionFromPending(pendingFixture())
	require.NoError(t, db.InsertSession(ctx, existing))
	_, err := db.StopSession(ctx, existing.ID, time.Now().UTC())
	require.NoError(t, err)

	next := SessionFromPending(pendingFixture())
	next.ID = uuid.New()
	next.MediaID = "media-2"

	result, err := m.HandleMediaChange(ctx, existing, next)
	require.NoError(t, err)
	assert.Nil(t, result)

	// The successor was never inserted.
	assert.Nil(t, db.session(next.ID))
}
