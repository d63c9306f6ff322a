// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "tracearr.db"),
		Threads:   1,
		MaxMemory: "256MB",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func newSession(serverID, sessionKey, mediaID string) *models.StreamSession {
	return &models.StreamSession{
		ID:         uuid.New(),
		ServerID:   serverID,
		SessionKey: sessionKey,
		MediaID:    mediaID,
		UserID:     42,
		Username:   "alice",
		State:      models.StatePlaying,
		MediaType:  "movie",
		Title:      "Example Movie",
		StartedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestInsertAndFindActiveSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, s))

	got, err := db.FindActiveSession(ctx, s.Identity())
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, models.StatePlaying, got.State)
	assert.True(t, got.Active())

	// An identity without a media id matches regardless of content.
	got, err = db.FindActiveSession(ctx, models.SessionIdentity{ServerID: "plex-1", SessionKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	// A mismatched media id matches nothing.
	_, err = db.FindActiveSession(ctx, models.SessionIdentity{ServerID: "plex-1", SessionKey: "key-1", MediaID: "other"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertTerminatedSessionNeverActive(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	stoppedAt := time.Now().UTC().Truncate(time.Microsecond)
	s := newSession("plex-1", "key-1", "media-1")
	s.State = models.StateStopped
	s.StoppedAt = &stoppedAt
	require.NoError(t, db.InsertSession(ctx, s))

	_, err := db.FindActiveSession(ctx, s.Identity())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopSessionConditional(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, s))

	stopped, err := db.StopSession(ctx, s.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, stopped)

	// The second stop is a no-op, not an error.
	stopped, err = db.StopSession(ctx, s.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, stopped)

	// Stopping an unknown id is also a no-op.
	stopped, err = db.StopSession(ctx, uuid.New(), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestUpdateSessionProgressDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, s))

	require.NoError(t, db.UpdateSessionProgress(ctx, s.ID, models.StatePaused, 90_000, 5_000))
	got, err := db.FindActiveSession(ctx, s.Identity())
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, got.State)
	assert.Equal(t, int64(90_000), got.ViewOffsetMs)
	assert.Equal(t, int64(5_000), got.PausedDurationMs)

	stopped, err := db.StopSession(ctx, s.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, stopped)

	require.NoError(t, db.UpdateSessionProgress(ctx, s.ID, models.StatePlaying, 120_000, 5_000))
	_, err = db.FindActiveSession(ctx, s.Identity())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMediaChangeTransaction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	old := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, old))

	next := newSession("plex-1", "key-1", "media-2")
	ok, err := db.MediaChange(ctx, old.ID, time.Now().UTC(), next)
	require.NoError(t, err)
	assert.True(t, ok)

	// The old session is stopped, the new one is the active match.
	got, err := db.FindActiveSession(ctx, models.SessionIdentity{ServerID: "plex-1", SessionKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, next.ID, got.ID)
	assert.Equal(t, "media-2", got.MediaID)
}

func TestMediaChangeLosesRaceWithoutWriting(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	old := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, old))

	stopped, err := db.StopSession(ctx, old.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, stopped)

	next := newSession("plex-1", "key-1", "media-2")
	ok, err := db.MediaChange(ctx, old.ID, time.Now().UTC(), next)
	require.NoError(t, err)
	assert.False(t, ok)

	// The successor was rolled back with the lost race.
	_, err = db.FindActiveSession(ctx, next.Identity())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveSessionsAllAndList(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	a := newSession("plex-1", "key-1", "media-1")
	b := newSession("plex-1", "key-1", "media-2")
	b.StartedAt = a.StartedAt.Add(time.Minute)
	c := newSession("plex-1", "key-2", "media-3")
	for _, s := range []*models.StreamSession{a, b, c} {
		require.NoError(t, db.InsertSession(ctx, s))
	}

	all, err := db.FindActiveSessionsAll(ctx, models.SessionIdentity{ServerID: "plex-1", SessionKey: "key-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID) // newest first

	active, err := db.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestRecentUserSessions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	recent := newSession("plex-1", "key-1", "media-1")
	stale := newSession("plex-1", "key-2", "media-2")
	stale.StartedAt = time.Now().UTC().Add(-48 * time.Hour)
	other := newSession("plex-1", "key-3", "media-3")
	other.UserID = 7
	for _, s := range []*models.StreamSession{recent, stale, other} {
		require.NoError(t, db.InsertSession(ctx, s))
	}

	got, err := db.RecentUserSessions(ctx, 42, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, recent.ID, got[0].ID)
}

func TestRulesRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rules, err := db.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rule := &models.Rule{
		ID:       1,
		RuleType: "concurrent_streams",
		Name:     "Max two streams",
		Enabled:  true,
		Config:   json.RawMessage(`{"max_streams":2,"terminate":true}`),
	}
	require.NoError(t, db.UpsertRule(ctx, rule))
	require.NoError(t, db.UpsertRule(ctx, &models.Rule{
		ID: 2, RuleType: "device_velocity", Name: "Disabled", Enabled: false,
		Config: json.RawMessage(`{}`),
	}))

	rules, err = db.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "concurrent_streams", rules[0].RuleType)

	// Upsert under the same id replaces the config.
	rule.Config = json.RawMessage(`{"max_streams":3,"terminate":false}`)
	require.NoError(t, db.UpsertRule(ctx, rule))
	rules, err = db.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.JSONEq(t, `{"max_streams":3,"terminate":false}`, string(rules[0].Config))
}

func TestInsertViolations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	s := newSession("plex-1", "key-1", "media-1")
	require.NoError(t, db.InsertSession(ctx, s))

	now := time.Now().UTC().Truncate(time.Microsecond)
	violations := []*models.Violation{
		{
			ID: uuid.New(), RuleID: 1, RuleType: "concurrent_streams",
			SessionID: s.ID, UserID: s.UserID,
			Severity: models.SeverityCritical, Message: "too many streams",
			Data:      json.RawMessage(`{"active":3,"max":2}`),
			Terminate: true, CreatedAt: now,
		},
		{
			ID: uuid.New(), RuleID: 2, RuleType: "device_velocity",
			SessionID: s.ID, UserID: s.UserID,
			Severity: models.SeverityWarning, Message: "rapid device switching",
			Terminate: false, CreatedAt: now.Add(time.Second),
		},
	}
	require.NoError(t, db.InsertViolations(ctx, violations))
	require.NoError(t, db.InsertViolations(ctx, nil)) // empty batch is a no-op

	got, err := db.SessionViolations(ctx, s.ID.String())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "concurrent_streams", got[0].RuleType)
	assert.True(t, got[0].Terminate)
	assert.Equal(t, models.SeverityWarning, got[1].Severity)
}
