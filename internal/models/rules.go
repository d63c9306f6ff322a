// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Severity indicates the severity of a rule violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule is a policy rule configuration evaluated against confirmed sessions.
// Config is rule-type-specific and opaque to the lifecycle manager.
type Rule struct {
	ID        int64           `json:"id"`
	RuleType  string          `json:"rule_type"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Violation is produced by the rule engine against a persisted session.
// Terminate is the action flag the lifecycle manager must honor: a session
// terminated by rule is marked stopped in the same write that creates it.
type Violation struct {
	ID        uuid.UUID       `json:"id"`
	RuleID    int64           `json:"rule_id"`
	RuleType  string          `json:"rule_type"`
	SessionID uuid.UUID       `json:"session_id"`
	UserID    int64           `json:"user_id"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Terminate bool            `json:"terminate"`
	CreatedAt time.Time       `json:"created_at"`
}
