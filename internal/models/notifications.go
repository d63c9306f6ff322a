// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package models

import "time"

// NotificationKind identifies an outbound notification type.
type NotificationKind string

const (
	// NotifySessionStarted is enqueued when a session is confirmed.
	NotifySessionStarted NotificationKind = "session_started"
	// NotifySessionStopped is enqueued when a confirmed session stops.
	NotifySessionStopped NotificationKind = "session_stopped"
	// NotifyServerDown is enqueued when a server stays in fallback past
	// the debounce threshold.
	NotifyServerDown NotificationKind = "server_down"
	// NotifyServerUp is enqueued when a down server recovers.
	NotifyServerUp NotificationKind = "server_up"
)

// ServerStatusPayload is the payload for server_down / server_up notifications.
type ServerStatusPayload struct {
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name,omitempty"`
	At         time.Time `json:"at"`
}
