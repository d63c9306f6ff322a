// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package rules

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/durzo/tracearr/internal/models"
)

// RuleTypeConcurrentStreams enforces per-user stream limits.
const RuleTypeConcurrentStreams = "concurrent_streams"

// ConcurrentStreamsConfig is the rule configuration for stream limits.
// UserLimits override the default for specific users.
type ConcurrentStreamsConfig struct {
	MaxStreams int             `json:"max_streams"`
	UserLimits map[int64]int   `json:"user_limits,omitempty"`
	Severity   models.Severity `json:"severity,omitempty"`
	Terminate  bool            `json:"terminate"`
}

// ConcurrentStreamsEvaluator flags users who exceed their allowed number of
// simultaneous streams. With Terminate set, the newest stream is cut.
type ConcurrentStreamsEvaluator struct{}

// NewConcurrentStreamsEvaluator creates the evaluator.
func NewConcurrentStreamsEvaluator() *ConcurrentStreamsEvaluator {
	return &ConcurrentStreamsEvaluator{}
}

// Type returns the rule type.
func (e *ConcurrentStreamsEvaluator) Type() string {
	return RuleTypeConcurrentStreams
}

// Check counts the user's active streams, including the candidate which is
// not yet persisted, against their effective limit.
func (e *ConcurrentStreamsEvaluator) Check(ctx context.Context, rule *models.Rule, candidate *models.StreamSession, source SessionSource) (*models.Violation, error) {
	var cfg ConcurrentStreamsConfig
	if err := json.Unmarshal(rule.Config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid concurrent_streams config: %w", err)
	}
	if cfg.MaxStreams <= 0 {
		return nil, fmt.Errorf("max_streams must be positive")
	}

	limit := cfg.MaxStreams
	if userLimit, ok := cfg.UserLimits[candidate.UserID]; ok {
		limit = userLimit
	}

	active, err := source.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	sessionKeys := make([]string, 0, len(active)+1)
	for _, s := range active {
		if s.UserID != candidate.UserID || s.ID == candidate.ID {
			continue
		}
		// An active row sharing the candidate's key is the stream being
		// replaced by a media change: the same physical stream, not a
		// second one.
		if s.ServerID == candidate.ServerID && s.SessionKey == candidate.SessionKey {
			continue
		}
		sessionKeys = append(sessionKeys, s.SessionKey)
	}
	streamCount := len(sessionKeys) + 1 // candidate counts as a stream
	if streamCount <= limit {
		return nil, nil
	}
	sessionKeys = append(sessionKeys, candidate.SessionKey)

	severity := cfg.Severity
	if severity == "" {
		severity = models.SeverityWarning
	}

	return newViolation(rule, candidate, severity,
		fmt.Sprintf("user %s has %d active streams (limit %d)", candidate.Username, streamCount, limit),
		map[string]any{
			"active_streams": streamCount,
			"stream_limit":   limit,
			"session_keys":   sessionKeys,
		},
		cfg.Terminate,
	)
}
