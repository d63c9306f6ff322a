// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package monitor implements the session-reconciliation pipeline: the
// pending-session confirmation state machine, the atomic lifecycle operations
// against durable storage, the event dispatcher with per-server connectivity
// debouncing, and the orphan sweeper.
package monitor

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// NATS subjects consumed by the dispatcher. Playback subjects carry a
// PlaybackNotification; fallback subjects carry a FallbackNotification.
const (
	SubjectPlaybackAll = "playback.>"

	SubjectPlaying  = "playback.playing"
	SubjectPaused   = "playback.paused"
	SubjectStopped  = "playback.stopped"
	SubjectProgress = "playback.progress"

	SubjectReconcileNeeded = "reconcile.needed"

	SubjectFallbackAll         = "server.fallback.*"
	SubjectFallbackActivated   = "server.fallback.activated"
	SubjectFallbackDeactivated = "server.fallback.deactivated"
)

// EventKind is the playback event type carried on the bus.
type EventKind string

const (
	KindPlaying  EventKind = "playing"
	KindPaused   EventKind = "paused"
	KindStopped  EventKind = "stopped"
	KindProgress EventKind = "progress"
)

// PlaybackNotification is the minimal bus payload for a playback event.
// Full session metadata comes from the media-server query collaborator.
type PlaybackNotification struct {
	ServerID     string    `json:"server_id"`
	SessionKey   string    `json:"session_key"`
	Kind         EventKind `json:"kind"`
	ViewOffsetMs int64     `json:"view_offset_ms"`
	At           time.Time `json:"at"`
}

// Validate checks the fields required to route the notification.
func (n *PlaybackNotification) Validate() error {
	if n.ServerID == "" {
		return fmt.Errorf("server_id required")
	}
	if n.SessionKey == "" {
		return fmt.Errorf("session_key required")
	}
	switch n.Kind {
	case KindPlaying, KindPaused, KindStopped, KindProgress:
	default:
		return fmt.Errorf("unknown event kind %q", n.Kind)
	}
	return nil
}

// FallbackNotification signals a server entering or leaving fallback mode.
type FallbackNotification struct {
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name,omitempty"`
	At         time.Time `json:"at"`
}

// Validate checks the fields required to route the notification.
func (n *FallbackNotification) Validate() error {
	if n.ServerID == "" {
		return fmt.Errorf("server_id required")
	}
	return nil
}

// NewPlaybackMessage encodes a playback notification as a watermill message.
func NewPlaybackMessage(n *PlaybackNotification) (*message.Message, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal playback notification: %w", err)
	}
	return message.NewMessage(uuid.NewString(), payload), nil
}

// NewFallbackMessage encodes a fallback notification as a watermill message.
func NewFallbackMessage(n *FallbackNotification) (*message.Message, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal fallback notification: %w", err)
	}
	return message.NewMessage(uuid.NewString(), payload), nil
}

// SubjectForKind maps an event kind to its publish subject.
func SubjectForKind(kind EventKind) string {
	switch kind {
	case KindPlaying:
		return SubjectPlaying
	case KindPaused:
		return SubjectPaused
	case KindStopped:
		return SubjectStopped
	default:
		return SubjectProgress
	}
}
