// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/database"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/metrics"
	"github.com/durzo/tracearr/internal/models"
	"github.com/durzo/tracearr/internal/sessionstore"
)

// SessionDB is the relational-store contract the lifecycle manager consumes.
// Implementations signal "no matching row" with database.ErrNotFound and
// classify connection-level failures via database.IsTransient.
type SessionDB interface {
	InsertSession(ctx context.Context, s *models.StreamSession) error
	StopSession(ctx context.Context, id uuid.UUID, stoppedAt time.Time) (bool, error)
	UpdateSessionProgress(ctx context.Context, id uuid.UUID, state models.PlayState, viewOffsetMs, pausedDurationMs int64) error
	FindActiveSession(ctx context.Context, ident models.SessionIdentity) (*models.StreamSession, error)
	FindActiveSessionsAll(ctx context.Context, ident models.SessionIdentity) ([]*models.StreamSession, error)
	MediaChange(ctx context.Context, oldID uuid.UUID, stoppedAt time.Time, next *models.StreamSession) (bool, error)
	InsertViolations(ctx context.Context, violations []*models.Violation) error
}

// RuleEngine is the rule evaluation contract. The manager is agnostic to
// rule semantics beyond violations and the terminate action flag.
type RuleEngine interface {
	Evaluate(ctx context.Context, candidate *models.StreamSession) ([]*models.Violation, bool, error)
}

// ConfirmResult is the outcome of a confirm-and-persist operation.
type ConfirmResult struct {
	Session    *models.StreamSession
	Violations []*models.Violation

	// Terminated tells the caller the session was killed by rule action in
	// the same write that created it: skip the started broadcast and clean
	// up instead.
	Terminated bool
}

// MediaChangeResult is the outcome of an atomic media-change transition.
type MediaChangeResult struct {
	Stopped    *models.StreamSession
	Inserted   *models.StreamSession
	Violations []*models.Violation
	Terminated bool
}

// StopResult is the outcome of a stop operation.
type StopResult struct {
	// WasUpdated is false when the row was already stopped or absent.
	WasUpdated bool

	// NeedsRetry is set when the immediate retry budget was exhausted on
	// transient failures; the caller hands the stop to the out-of-band
	// retry path instead of dropping it.
	NeedsRetry bool
}

// Manager implements the atomic lifecycle operations bridging the pending
// store and durable storage. Confirmation runs under the cross-instance
// per-key lock with a read-verify-write sequence; stop and media-change use
// conditional updates so racing callers converge on a single transition.
type Manager struct {
	store   sessionstore.Store
	db      SessionDB
	rules   RuleEngine
	cfg     config.MonitorConfig
	lockTTL time.Duration

	now func() time.Time
}

// NewManager creates a lifecycle manager. lockTTL bounds how long the
// confirmation lock outlives a crashed holder.
func NewManager(store sessionstore.Store, db SessionDB, rules RuleEngine, cfg config.MonitorConfig, lockTTL time.Duration) *Manager {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Manager{
		store:   store,
		db:      db,
		rules:   rules,
		cfg:     cfg,
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

// ConfirmAndPersist promotes a pending session to a durable record under the
// per-key lock. Rules are evaluated before the insert; a violation carrying
// the terminate action makes the row be written already stopped, so a
// terminated session is never observably active. Returns ErrRaceLost when
// another evaluator completed the promotion first.
func (m *Manager) ConfirmAndPersist(ctx context.Context, p *models.PendingSession) (*ConfirmResult, error) {
	start := m.now()

	unlock, err := m.store.Lock(ctx, p.ServerID, p.SessionKey, m.lockTTL)
	if errors.Is(err, sessionstore.ErrLockHeld) {
		return nil, ErrRaceLost
	}
	if err != nil {
		return nil, Transient("acquire confirm lock", err)
	}
	defer func() {
		if err := unlock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logging.Warn().Err(err).Str("session_key", p.SessionKey).Msg("confirm lock release failed")
		}
	}()

	// Read-verify under the lock: the pending entry must still exist and no
	// persisted active row may exist for this identity.
	current, err := m.store.GetPending(ctx, p.ServerID, p.SessionKey)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, ErrRaceLost
	}
	if err != nil {
		return nil, Transient("re-read pending", err)
	}
	if current.ID != p.ID {
		// The key was reused for a different session while we waited.
		return nil, ErrRaceLost
	}

	_, err = m.db.FindActiveSession(ctx, p.Identity())
	if err == nil {
		// Already promoted by another instance; drop the stale pending entry.
		if derr := m.store.DeletePending(ctx, p.ServerID, p.SessionKey); derr != nil {
			logging.Warn().Err(derr).Str("session_key", p.SessionKey).Msg("stale pending cleanup failed")
		}
		return nil, ErrRaceLost
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, Transient("verify no active session", err)
	}

	// The caller's copy carries the freshest merged state; the re-read only
	// verified the entry still exists under the same id.
	session := SessionFromPending(p)
	violations, terminate, err := m.rules.Evaluate(ctx, session)
	if err != nil {
		// One broken rule load must not block confirmation.
		logging.Error().Err(err).Str("session_id", session.ID.String()).Msg("rule evaluation failed, confirming without rules")
		violations, terminate = nil, false
	}

	now := m.now().UTC()
	if terminate {
		session.State = models.StateStopped
		session.StoppedAt = &now
	}

	if err := m.db.InsertSession(ctx, session); err != nil {
		return nil, Transient("insert session", err)
	}

	if len(violations) > 0 {
		if err := m.db.InsertViolations(ctx, violations); err != nil {
			logging.Error().Err(err).Str("session_id", session.ID.String()).Msg("recording violations failed")
		}
	}

	if terminate {
		if err := m.store.SetTerminationCooldown(ctx, session.ServerID, session.SessionKey, session.MediaID, m.cfg.TerminationCooldown); err != nil {
			logging.Warn().Err(err).Str("session_key", session.SessionKey).Msg("setting termination cooldown failed")
		}
	}

	// Cache transition: the pending entry is gone, the projection is
	// updated in place under the unchanged id so the live view never
	// observes an identity change.
	if err := m.store.DeletePending(ctx, session.ServerID, session.SessionKey); err != nil {
		logging.Warn().Err(err).Str("session_key", session.SessionKey).Msg("pending cleanup after confirm failed")
	}
	if terminate {
		m.removeFromCache(ctx, session.ID, session.UserID)
	} else {
		if err := m.store.SetProjection(ctx, models.ProjectionFromSession(session, now)); err != nil {
			logging.Warn().Err(err).Str("session_id", session.ID.String()).Msg("projection update after confirm failed")
		}
		if err := m.store.AddUserSession(ctx, session.UserID, session.ID); err != nil {
			logging.Warn().Err(err).Int64("user_id", session.UserID).Msg("user index update failed")
		}
	}

	metrics.RecordSessionConfirmed()
	metrics.ObserveConfirmDuration(m.now().Sub(start))
	logging.Info().
		Str("session_id", session.ID.String()).
		Str("server_id", session.ServerID).
		Str("session_key", session.SessionKey).
		Bool("terminated", terminate).
		Int("violations", len(violations)).
		Msg("session confirmed")

	return &ConfirmResult{Session: session, Violations: violations, Terminated: terminate}, nil
}

// HandleMediaChange transitions a confirmed session to new content as one
// observably atomic unit: stop-old plus insert-new, with no window where
// both are active. Returns (nil, nil) when a conditional update shows
// another caller already performed the transition.
func (m *Manager) HandleMediaChange(ctx context.Context, existing *models.StreamSession, next *models.StreamSession) (*MediaChangeResult, error) {
	violations, terminate, err := m.rules.Evaluate(ctx, next)
	if err != nil {
		logging.Error().Err(err).Str("session_id", next.ID.String()).Msg("rule evaluation failed, inserting without rules")
		violations, terminate = nil, false
	}

	now := m.now().UTC()
	if terminate {
		next.State = models.StateStopped
		next.StoppedAt = &now
	}

	ok, err := m.db.MediaChange(ctx, existing.ID, now, next)
	if err != nil {
		return nil, Transient("media change", err)
	}
	if !ok {
		return nil, nil
	}

	if len(violations) > 0 {
		if err := m.db.InsertViolations(ctx, violations); err != nil {
			logging.Error().Err(err).Str("session_id", next.ID.String()).Msg("recording violations failed")
		}
	}
	if terminate {
		if err := m.store.SetTerminationCooldown(ctx, next.ServerID, next.SessionKey, next.MediaID, m.cfg.TerminationCooldown); err != nil {
			logging.Warn().Err(err).Str("session_key", next.SessionKey).Msg("setting termination cooldown failed")
		}
	}

	stopped := *existing
	stopped.State = models.StateStopped
	stopped.StoppedAt = &now

	m.removeFromCache(ctx, existing.ID, existing.UserID)
	if !terminate {
		if err := m.store.SetProjection(ctx, models.ProjectionFromSession(next, now)); err != nil {
			logging.Warn().Err(err).Str("session_id", next.ID.String()).Msg("projection update after media change failed")
		}
		if err := m.store.AddUserSession(ctx, next.UserID, next.ID); err != nil {
			logging.Warn().Err(err).Int64("user_id", next.UserID).Msg("user index update failed")
		}
	} else {
		m.removeFromCache(ctx, next.ID, next.UserID)
	}

	metrics.RecordSessionStopped()
	metrics.RecordSessionConfirmed()
	logging.Info().
		Str("stopped_id", existing.ID.String()).
		Str("inserted_id", next.ID.String()).
		Str("media_id", next.MediaID).
		Msg("media change applied")

	return &MediaChangeResult{Stopped: &stopped, Inserted: next, Violations: violations, Terminated: terminate}, nil
}

// StopSession transitions a persisted session to stopped. Stopping an
// already-stopped row is a safe no-op. Transient storage failures are
// retried immediately up to the configured budget; exhaustion reports
// NeedsRetry so the caller can hand off to the durable retry path.
func (m *Manager) StopSession(ctx context.Context, session *models.StreamSession, stoppedAt time.Time) (StopResult, error) {
	budget := m.cfg.StopRetryBudget
	if budget < 1 {
		budget = 1
	}

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		updated, err := m.db.StopSession(ctx, session.ID, stoppedAt)
		if err == nil {
			if updated {
				metrics.RecordSessionStopped()
			}
			m.removeFromCache(ctx, session.ID, session.UserID)
			return StopResult{WasUpdated: updated}, nil
		}
		if !database.IsTransient(err) {
			return StopResult{}, fmt.Errorf("stop session %s: %w", session.ID, err)
		}
		lastErr = err
		logging.Warn().Err(err).Int("attempt", attempt).Str("session_id", session.ID.String()).
			Msg("transient failure stopping session")
	}

	metrics.RecordStopRetryHandoff()
	logging.Error().Err(lastErr).Str("session_id", session.ID.String()).
		Msg("stop retry budget exhausted, handing off")
	return StopResult{NeedsRetry: true}, nil
}

// removeFromCache clears a session's live view and user-index entry.
func (m *Manager) removeFromCache(ctx context.Context, id uuid.UUID, userID int64) {
	if err := m.store.DeleteProjection(ctx, id); err != nil {
		logging.Warn().Err(err).Str("session_id", id.String()).Msg("projection removal failed")
	}
	if err := m.store.RemoveUserSession(ctx, userID, id); err != nil {
		logging.Warn().Err(err).Int64("user_id", userID).Msg("user index removal failed")
	}
}
