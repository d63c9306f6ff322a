// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"time"

	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/models"
)

// The confirmation state machine is pure decision logic over a pending
// session's accumulated offset, pause time, and playback state. Merges are
// idempotent so out-of-order playing/progress/paused delivery converges to
// the same state.

// sanitizeOffset clamps malformed upstream offsets to zero.
func sanitizeOffset(serverID, sessionKey string, offsetMs int64) int64 {
	if offsetMs < 0 {
		logging.Warn().Str("server_id", serverID).Str("session_key", sessionKey).
			Int64("view_offset_ms", offsetMs).Msg("negative view offset from upstream, using 0")
		return 0
	}
	return offsetMs
}

// MergeEvent folds a playing, paused, or progress event into the pending
// session. MaxViewOffsetMs is monotonic: a lower offset from a late-delivered
// event updates the live view but never the confirmation counter.
func MergeEvent(p *models.PendingSession, n *PlaybackNotification, now time.Time) {
	offset := sanitizeOffset(n.ServerID, n.SessionKey, n.ViewOffsetMs)

	switch n.Kind {
	case KindPlaying, KindProgress:
		if p.State == models.StatePaused && p.LastPausedAt != nil {
			p.PausedDurationMs += now.Sub(*p.LastPausedAt).Milliseconds()
			p.LastPausedAt = nil
		}
		p.State = models.StatePlaying
	case KindPaused:
		if p.State != models.StatePaused {
			t := now
			p.LastPausedAt = &t
		}
		p.State = models.StatePaused
	}

	p.ViewOffsetMs = offset
	if offset > p.Confirmation.MaxViewOffsetMs {
		p.Confirmation.MaxViewOffsetMs = offset
	}
	p.LastSeenAt = now
}

// ShouldConfirm reports whether the pending session qualifies as genuine
// playback: the maximum observed offset exceeds the watched threshold and
// the state at evaluation time is playing. A session paused below threshold
// keeps its max offset and re-evaluates on the next qualifying event.
func ShouldConfirm(p *models.PendingSession, threshold time.Duration) bool {
	return p.Confirmation.MaxViewOffsetMs > threshold.Milliseconds() &&
		p.State == models.StatePlaying
}

// MediaChanged reports whether the notification's fetched metadata names
// different content than the pending entry, meaning the session key was
// reused for new media. When both sides carry neither a media id nor a live
// broadcast id there is nothing to compare, so it is treated as the same
// content.
func MediaChanged(p *models.PendingSession, mediaID, liveBroadcastID string) bool {
	if mediaID == "" && liveBroadcastID == "" && p.MediaID == "" && p.LiveBroadcastID == "" {
		return false
	}
	return p.MediaID != mediaID || p.LiveBroadcastID != liveBroadcastID
}

// SessionFromPending builds the durable record for a confirming pending
// session under its pre-generated id.
func SessionFromPending(p *models.PendingSession) *models.StreamSession {
	return &models.StreamSession{
		ID:               p.ID,
		ServerID:         p.ServerID,
		SessionKey:       p.SessionKey,
		MediaID:          p.MediaID,
		LiveBroadcastID:  p.LiveBroadcastID,
		UserID:           p.UserID,
		Username:         p.Username,
		State:            p.State,
		ViewOffsetMs:     p.ViewOffsetMs,
		PausedDurationMs: p.PausedDurationMs,
		MediaType:        p.MediaType,
		Title:            p.Title,
		Geo:              p.Geo,
		StartedAt:        p.StartedAt,
	}
}
