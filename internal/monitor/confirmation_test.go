// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/durzo/tracearr/internal/models"
)

func pendingFixture() *models.PendingSession {
	now := time.Now().UTC()
	return &models.PendingSession{
		ID:         uuid.New(),
		ServerID:   "plex-1",
		SessionKey: "key-1",
		MediaID:    "media-1",
		UserID:     42,
		Username:   "alice",
		State:      models.StatePlaying,
		StartedAt:  now,
		LastSeenAt: now,
	}
}

func TestMergeEventMonotonicMaxOffset(t *testing.T) {
	p := pendingFixture()
	now := time.Now().UTC()

	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindProgress, ViewOffsetMs: 40_000}, now)
	assert.Equal(t, int64(40_000), p.Confirmation.MaxViewOffsetMs)

	// A late-delivered lower offset updates the live view but never the
	// confirmation counter.
	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindProgress, ViewOffsetMs: 10_000}, now)
	assert.Equal(t, int64(40_000), p.Confirmation.MaxViewOffsetMs)
	assert.Equal(t, int64(10_000), p.ViewOffsetMs)
}

func TestMergeEventSanitizesNegativeOffset(t *testing.T) {
	p := pendingFixture()
	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindProgress, ViewOffsetMs: -500}, time.Now().UTC())
	assert.Equal(t, int64(0), p.ViewOffsetMs)
	assert.Equal(t, int64(0), p.Confirmation.MaxViewOffsetMs)
}

func TestMergeEventPauseAccumulation(t *testing.T) {
	p := pendingFixture()
	base := time.Now().UTC()

	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindPaused, ViewOffsetMs: 20_000}, base)
	assert.Equal(t, models.StatePaused, p.State)
	assert.NotNil(t, p.LastPausedAt)

	// A second paused event does not reset the pause start.
	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindPaused, ViewOffsetMs: 20_000}, base.Add(2*time.Second))
	assert.Equal(t, base, *p.LastPausedAt)

	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindPlaying, ViewOffsetMs: 21_000}, base.Add(5*time.Second))
	assert.Equal(t, models.StatePlaying, p.State)
	assert.Nil(t, p.LastPausedAt)
	assert.Equal(t, int64(5_000), p.PausedDurationMs)
}

func TestShouldConfirm(t *testing.T) {
	threshold := 30 * time.Second

	tests := []struct {
		name   string
		offset int64
		state  models.PlayState
		want   bool
	}{
		{"below threshold playing", 25_000, models.StatePlaying, false},
		{"at threshold playing", 30_000, models.StatePlaying, false},
		{"above threshold playing", 35_000, models.StatePlaying, true},
		{"above threshold paused", 35_000, models.StatePaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pendingFixture()
			p.Confirmation.MaxViewOffsetMs = tt.offset
			p.State = tt.state
			assert.Equal(t, tt.want, ShouldConfirm(p, threshold))
		})
	}
}

func TestShouldConfirmAfterPauseResume(t *testing.T) {
	// Max offset is preserved across a pause; the next qualifying playing
	// event re-evaluates and confirms.
	p := pendingFixture()
	threshold := 30 * time.Second
	base := time.Now().UTC()

	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindProgress, ViewOffsetMs: 35_000}, base)
	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindPaused, ViewOffsetMs: 35_000}, base.Add(time.Second))
	assert.False(t, ShouldConfirm(p, threshold))

	MergeEvent(p, &PlaybackNotification{ServerID: "plex-1", SessionKey: "key-1", Kind: KindPlaying, ViewOffsetMs: 35_500}, base.Add(2*time.Second))
	assert.True(t, ShouldConfirm(p, threshold))
}

func TestMediaChanged(t *testing.T) {
	tests := []struct {
		name                     string
		pendingMedia, pendingBID string
		metaMedia, metaBID       string
		want                     bool
	}{
		{"same media", "m1", "", "m1", "", false},
		{"different media", "m1", "", "m2", "", true},
		{"broadcast id change", "", "b1", "", "b2", true},
		{"media appears", "", "", "m1", "", true},
		{"both sides empty", "", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pendingFixture()
			p.MediaID = tt.pendingMedia
			p.LiveBroadcastID = tt.pendingBID
			assert.Equal(t, tt.want, MediaChanged(p, tt.metaMedia, tt.metaBID))
		})
	}
}

func TestSessionFromPendingKeepsID(t *testing.T) {
	p := pendingFixture()
	p.ViewOffsetMs = 42_000
	p.PausedDurationMs = 3_000

	s := SessionFromPending(p)
	assert.Equal(t, p.ID, s.ID)
	assert.Equal(t, p.ServerID, s.ServerID)
	assert.Equal(t, p.SessionKey, s.SessionKey)
	assert.Equal(t, int64(42_000), s.ViewOffsetMs)
	assert.Equal(t, int64(3_000), s.PausedDurationMs)
	assert.Nil(t, s.StoppedAt)
}
