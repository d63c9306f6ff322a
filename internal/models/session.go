// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package models defines the shared data model for session reconciliation.
package models

import (
	"time"

	"github.com/google/uuid"
)

// PlayState is the playback state reported by a media server.
type PlayState string

const (
	// StatePlaying indicates active playback.
	StatePlaying PlayState = "playing"
	// StatePaused indicates playback is paused.
	StatePaused PlayState = "paused"
	// StateStopped indicates playback has ended. Only persisted sessions
	// carry this state; a pending session that stops is discarded.
	StateStopped PlayState = "stopped"
)

// SessionIdentity is the lookup key for a playback stream.
// MediaID is optional: when set it narrows matches to that content item,
// when empty it is excluded from filtering entirely.
type SessionIdentity struct {
	ServerID   string
	SessionKey string
	MediaID    string
}

// GeoSnapshot is the geographic enrichment captured for a session.
// It is best-effort: a zero value means enrichment was unavailable.
type GeoSnapshot struct {
	IPAddress string  `json:"ip_address,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// ConfirmationState tracks progress toward confirming a pending session.
// MaxViewOffsetMs is monotonic: it never decreases except on an explicit
// media-change reset.
type ConfirmationState struct {
	MaxViewOffsetMs   int64     `json:"max_view_offset_ms"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	ConfirmedPlayback bool      `json:"confirmed_playback"`
}

// PendingSession is an observed playback not yet confirmed as genuine.
// It lives only in the cache store, keyed by (ServerID, SessionKey), and is
// deleted on confirmation, discard, or orphan sweep. The ID is pre-generated
// and transfers unchanged to the persisted record on confirmation.
type PendingSession struct {
	ID              uuid.UUID         `json:"id"`
	ServerID        string            `json:"server_id"`
	SessionKey      string            `json:"session_key"`
	MediaID         string            `json:"media_id,omitempty"`
	LiveBroadcastID string            `json:"live_broadcast_id,omitempty"`
	Confirmation    ConfirmationState `json:"confirmation"`

	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`

	State            PlayState  `json:"state"`
	ViewOffsetMs     int64      `json:"view_offset_ms"`
	PausedDurationMs int64      `json:"paused_duration_ms"`
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`

	MediaType string      `json:"media_type,omitempty"`
	Title     string      `json:"title,omitempty"`
	Geo       GeoSnapshot `json:"geo,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Identity returns the lookup key for this pending session, including its
// media identifier.
func (p *PendingSession) Identity() SessionIdentity {
	return SessionIdentity{ServerID: p.ServerID, SessionKey: p.SessionKey, MediaID: p.MediaID}
}

// StreamSession is the durable record of a confirmed playback. It is created
// exactly once, at confirmation, under the id pre-generated for the pending
// session, and terminated by a stop transition.
type StreamSession struct {
	ID              uuid.UUID `json:"id"`
	ServerID        string    `json:"server_id"`
	SessionKey      string    `json:"session_key"`
	MediaID         string    `json:"media_id,omitempty"`
	LiveBroadcastID string    `json:"live_broadcast_id,omitempty"`

	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`

	State            PlayState `json:"state"`
	ViewOffsetMs     int64     `json:"view_offset_ms"`
	PausedDurationMs int64     `json:"paused_duration_ms"`

	MediaType string      `json:"media_type,omitempty"`
	Title     string      `json:"title,omitempty"`
	Geo       GeoSnapshot `json:"geo,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Active reports whether the session has not yet been stopped.
func (s *StreamSession) Active() bool {
	return s.State != StateStopped
}

// Identity returns the lookup key for this session, including its media
// identifier.
func (s *StreamSession) Identity() SessionIdentity {
	return SessionIdentity{ServerID: s.ServerID, SessionKey: s.SessionKey, MediaID: s.MediaID}
}

// SessionProjection is the cache-visible "now playing" view of a session.
// It may represent a pending or a persisted session; it is keyed by the
// stable session id so the UI never observes an identity change across
// confirmation.
type SessionProjection struct {
	ID         uuid.UUID `json:"id"`
	ServerID   string    `json:"server_id"`
	SessionKey string    `json:"session_key"`
	MediaID    string    `json:"media_id,omitempty"`

	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`

	State        PlayState `json:"state"`
	ViewOffsetMs int64     `json:"view_offset_ms"`
	Confirmed    bool      `json:"confirmed"`

	MediaType string      `json:"media_type,omitempty"`
	Title     string      `json:"title,omitempty"`
	Geo       GeoSnapshot `json:"geo,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectionFromPending builds the live view of an unconfirmed session.
func ProjectionFromPending(p *PendingSession, now time.Time) *SessionProjection {
	return &SessionProjection{
		ID:           p.ID,
		ServerID:     p.ServerID,
		SessionKey:   p.SessionKey,
		MediaID:      p.MediaID,
		UserID:       p.UserID,
		Username:     p.Username,
		State:        p.State,
		ViewOffsetMs: p.ViewOffsetMs,
		Confirmed:    false,
		MediaType:    p.MediaType,
		Title:        p.Title,
		Geo:          p.Geo,
		StartedAt:    p.StartedAt,
		UpdatedAt:    now,
	}
}

// ProjectionFromSession builds the live view of a persisted session.
func ProjectionFromSession(s *StreamSession, now time.Time) *SessionProjection {
	return &SessionProjection{
		ID:           s.ID,
		ServerID:     s.ServerID,
		SessionKey:   s.SessionKey,
		MediaID:      s.MediaID,
		UserID:       s.UserID,
		Username:     s.Username,
		State:        s.State,
		ViewOffsetMs: s.ViewOffsetMs,
		Confirmed:    true,
		MediaType:    s.MediaType,
		Title:        s.Title,
		Geo:          s.Geo,
		StartedAt:    s.StartedAt,
		UpdatedAt:    now,
	}
}
