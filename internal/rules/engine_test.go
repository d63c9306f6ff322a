// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durzo/tracearr/internal/models"
)

type fakeRuleStore struct {
	rules []*models.Rule
	err   error
}

func (f *fakeRuleStore) ListActiveRules(ctx context.Context) ([]*models.Rule, error) {
	return f.rules, f.err
}

type fakeSessionSource struct {
	active []*models.StreamSession
	recent []*models.StreamSession
	err    error

	gotLookback time.Duration
}

func (f *fakeSessionSource) ListActiveSessions(ctx context.Context) ([]*models.StreamSession, error) {
	return f.active, f.err
}

func (f *fakeSessionSource) RecentUserSessions(ctx context.Context, userID int64, lookback time.Duration) ([]*models.StreamSession, error) {
	f.gotLookback = lookback
	var out []*models.StreamSession
	for _, s := range f.recent {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, f.err
}

func candidateSession(userID int64, ip string) *models.StreamSession {
	return &models.StreamSession{
		ID:         uuid.New(),
		ServerID:   "plex-1",
		SessionKey: "candidate",
		UserID:     userID,
		Username:   "alice",
		State:      models.StatePlaying,
		Geo:        models.GeoSnapshot{IPAddress: ip},
		StartedAt:  time.Now().UTC(),
	}
}

func activeSession(userID int64, sessionKey, ip string) *models.StreamSession {
	s := candidateSession(userID, ip)
	s.SessionKey = sessionKey
	return s
}

func streamRule(t *testing.T, cfg ConcurrentStreamsConfig) *models.Rule {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &models.Rule{ID: 1, RuleType: RuleTypeConcurrentStreams, Name: "limit", Enabled: true, Config: raw}
}

func velocityRule(t *testing.T, cfg DeviceVelocityConfig) *models.Rule {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return &models.Rule{ID: 2, RuleType: RuleTypeDeviceVelocity, Name: "velocity", Enabled: true, Config: raw}
}

func TestEngineNoRules(t *testing.T) {
	engine := NewEngine(&fakeRuleStore{}, &fakeSessionSource{})
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.False(t, terminate)
}

func TestEngineRuleStoreFailure(t *testing.T) {
	engine := NewEngine(&fakeRuleStore{err: errors.New("db down")}, &fakeSessionSource{})

	_, _, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	assert.Error(t, err)
}

func TestEngineUnknownRuleTypeSkipped(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		{ID: 9, RuleType: "unknown_rule", Enabled: true, Config: json.RawMessage(`{}`)},
	}}
	engine := NewEngine(store, &fakeSessionSource{})

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.False(t, terminate)
}

func TestEngineEvaluatorErrorDoesNotBlockOthers(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		// Broken config makes the stream evaluator fail.
		{ID: 1, RuleType: RuleTypeConcurrentStreams, Enabled: true, Config: json.RawMessage(`{"max_streams":0}`)},
		velocityRule(t, DeviceVelocityConfig{WindowMinutes: 60, MaxUniqueIPs: 1, Terminate: false}),
	}}
	source := &fakeSessionSource{recent: []*models.StreamSession{
		activeSession(1, "other", "10.0.0.2"),
	}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())
	engine.Register(NewDeviceVelocityEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleTypeDeviceVelocity, violations[0].RuleType)
	assert.False(t, terminate)
}

func TestConcurrentStreamsUnderLimit(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		streamRule(t, ConcurrentStreamsConfig{MaxStreams: 2, Terminate: true}),
	}}
	source := &fakeSessionSource{active: []*models.StreamSession{
		activeSession(1, "existing", "10.0.0.1"),
	}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.False(t, terminate)
}

func TestConcurrentStreamsOverLimitTerminates(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		streamRule(t, ConcurrentStreamsConfig{MaxStreams: 2, Terminate: true}),
	}}
	source := &fakeSessionSource{active: []*models.StreamSession{
		activeSession(1, "stream-a", "10.0.0.1"),
		activeSession(1, "stream-b", "10.0.0.2"),
		activeSession(7, "other-user", "10.0.0.3"),
	}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.4"))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.True(t, terminate)
	assert.Equal(t, models.SeverityWarning, violations[0].Severity)
	assert.Contains(t, violations[0].Message, "3 active streams")
}

func TestConcurrentStreamsUserOverride(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		streamRule(t, ConcurrentStreamsConfig{
			MaxStreams: 1,
			UserLimits: map[int64]int{1: 5},
		}),
	}}
	source := &fakeSessionSource{active: []*models.StreamSession{
		activeSession(1, "stream-a", "10.0.0.1"),
		activeSession(1, "stream-b", "10.0.0.2"),
	}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, _, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.3"))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestConcurrentStreamsIgnoresCandidateAlreadyActive(t *testing.T) {
	// The candidate may already appear in the active set when evaluation is
	// re-run; it must not be double counted.
	candidate := candidateSession(1, "10.0.0.1")
	store := &fakeRuleStore{rules: []*models.Rule{
		streamRule(t, ConcurrentStreamsConfig{MaxStreams: 1}),
	}}
	source := &fakeSessionSource{active: []*models.StreamSession{candidate}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, _, err := engine.Evaluate(context.Background(), candidate)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestEngineCapsHistoryLookback(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		velocityRule(t, DeviceVelocityConfig{WindowMinutes: 600, MaxUniqueIPs: 1}),
	}}
	source := &fakeSessionSource{}
	engine := NewEngine(store, source)
	engine.Register(NewDeviceVelocityEvaluator())
	engine.SetHistoryLookback(time.Hour)

	_, _, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, source.gotLookback)
}

func TestConcurrentStreamsAtLimitMediaChangeSuccessor(t *testing.T) {
	// During a media change the successor shares the replaced session's
	// (server, session key) but carries a fresh id. The replaced row is the
	// same physical stream and must not push the user over their limit.
	successor := candidateSession(1, "10.0.0.1")
	successor.SessionKey = "auto-advance"
	replaced := activeSession(1, "auto-advance", "10.0.0.1")

	store := &fakeRuleStore{rules: []*models.Rule{
		streamRule(t, ConcurrentStreamsConfig{MaxStreams: 1, Terminate: true}),
	}}
	source := &fakeSessionSource{active: []*models.StreamSession{replaced}}
	engine := NewEngine(store, source)
	engine.Register(NewConcurrentStreamsEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), successor)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.False(t, terminate)
}

func TestDeviceVelocityOverLimit(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		velocityRule(t, DeviceVelocityConfig{WindowMinutes: 30, MaxUniqueIPs: 2, Severity: models.SeverityCritical}),
	}}
	source := &fakeSessionSource{recent: []*models.StreamSession{
		activeSession(1, "a", "10.0.0.1"),
		activeSession(1, "b", "10.0.0.2"),
		activeSession(1, "c", "10.0.0.2"), // duplicate address counted once
	}}
	engine := NewEngine(store, source)
	engine.Register(NewDeviceVelocityEvaluator())

	violations, terminate, err := engine.Evaluate(context.Background(), candidateSession(1, "10.0.0.3"))
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.False(t, terminate)
	assert.Equal(t, models.SeverityCritical, violations[0].Severity)
}

func TestDeviceVelocitySkipsWithoutAddress(t *testing.T) {
	store := &fakeRuleStore{rules: []*models.Rule{
		velocityRule(t, DeviceVelocityConfig{WindowMinutes: 30, MaxUniqueIPs: 1}),
	}}
	source := &fakeSessionSource{recent: []*models.StreamSession{
		activeSession(1, "a", "10.0.0.1"),
		activeSession(1, "b", "10.0.0.2"),
	}}
	engine := NewEngine(store, source)
	engine.Register(NewDeviceVelocityEvaluator())

	violations, _, err := engine.Evaluate(context.Background(), candidateSession(1, ""))
	require.NoError(t, err)
	assert.Empty(t, violations)
}
