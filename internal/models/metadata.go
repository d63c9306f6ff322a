// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package models

// SessionMetadata is the minimal current-session snapshot returned by the
// media-server query collaborator. The notification bus payload carries only
// identity and offset; everything else comes from here.
type SessionMetadata struct {
	MediaID         string `json:"media_id,omitempty"`
	LiveBroadcastID string `json:"live_broadcast_id,omitempty"`

	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`

	State        PlayState `json:"state"`
	ViewOffsetMs int64     `json:"view_offset_ms"`

	MediaType string `json:"media_type,omitempty"`
	Title     string `json:"title,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}
