// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

// Package rules evaluates policy rules against sessions at confirmation time.
// Evaluation happens before the durable insert, so a session terminated by a
// rule is written already stopped and is never observably active.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/metrics"
	"github.com/durzo/tracearr/internal/models"
)

// SessionSource supplies the session context evaluators need.
type SessionSource interface {
	ListActiveSessions(ctx context.Context) ([]*models.StreamSession, error)
	RecentUserSessions(ctx context.Context, userID int64, lookback time.Duration) ([]*models.StreamSession, error)
}

// Evaluator checks one rule type against a candidate session.
// A nil violation means the rule did not fire.
type Evaluator interface {
	Type() string
	Check(ctx context.Context, rule *models.Rule, candidate *models.StreamSession, source SessionSource) (*models.Violation, error)
}

// RuleStore loads the enabled rule configurations.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]*models.Rule, error)
}

// Engine runs every enabled rule against a candidate session.
type Engine struct {
	store       RuleStore
	source      SessionSource
	maxLookback time.Duration

	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewEngine creates an engine with no evaluators registered.
func NewEngine(store RuleStore, source SessionSource) *Engine {
	return &Engine{
		store:      store,
		source:     source,
		evaluators: make(map[string]Evaluator),
	}
}

// SetHistoryLookback caps the recent-history window evaluators may request,
// regardless of their rule configuration. Zero leaves windows uncapped.
func (e *Engine) SetHistoryLookback(d time.Duration) {
	e.maxLookback = d
}

// cappedSource clamps lookback requests to the engine's configured maximum.
type cappedSource struct {
	SessionSource
	max time.Duration
}

func (s cappedSource) RecentUserSessions(ctx context.Context, userID int64, lookback time.Duration) ([]*models.StreamSession, error) {
	if lookback <= 0 || lookback > s.max {
		lookback = s.max
	}
	return s.SessionSource.RecentUserSessions(ctx, userID, lookback)
}

// Register adds an evaluator. Later registrations for the same type win.
func (e *Engine) Register(ev Evaluator) {
	e.mu.Lock()
	e.evaluators[ev.Type()] = ev
	e.mu.Unlock()
	logging.Info().Str("rule_type", ev.Type()).Msg("registered rule evaluator")
}

// Evaluate runs the enabled rules against the candidate session. It returns
// every violation produced and whether any of them carries the terminate
// action. Evaluator failures are logged and skipped so one broken rule cannot
// block confirmation.
func (e *Engine) Evaluate(ctx context.Context, candidate *models.StreamSession) ([]*models.Violation, bool, error) {
	activeRules, err := e.store.ListActiveRules(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load rules: %w", err)
	}
	if len(activeRules) == 0 {
		return nil, false, nil
	}

	e.mu.RLock()
	evaluators := make(map[string]Evaluator, len(e.evaluators))
	for k, v := range e.evaluators {
		evaluators[k] = v
	}
	e.mu.RUnlock()

	source := e.source
	if e.maxLookback > 0 {
		source = cappedSource{SessionSource: e.source, max: e.maxLookback}
	}

	var (
		violations []*models.Violation
		terminate  bool
	)
	for _, rule := range activeRules {
		ev, ok := evaluators[rule.RuleType]
		if !ok {
			logging.Warn().Str("rule_type", rule.RuleType).Int64("rule_id", rule.ID).
				Msg("no evaluator registered for rule")
			continue
		}
		v, err := ev.Check(ctx, rule, candidate, source)
		if err != nil {
			logging.Error().Err(err).Str("rule_type", rule.RuleType).
				Str("session_id", candidate.ID.String()).Msg("rule evaluation failed")
			continue
		}
		if v == nil {
			continue
		}
		metrics.RecordViolation(rule.RuleType)
		violations = append(violations, v)
		if v.Terminate {
			terminate = true
		}
	}
	return violations, terminate, nil
}

// newViolation fills the fields common to every evaluator.
func newViolation(rule *models.Rule, candidate *models.StreamSession, severity models.Severity, message string, data any, terminate bool) (*models.Violation, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal violation data: %w", err)
		}
		raw = encoded
	}
	return &models.Violation{
		ID:        uuid.New(),
		RuleID:    rule.ID,
		RuleType:  rule.RuleType,
		SessionID: candidate.ID,
		UserID:    candidate.UserID,
		Severity:  severity,
		Message:   message,
		Data:      raw,
		Terminate: terminate,
		CreatedAt: time.Now().UTC(),
	}, nil
}
