// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/metrics"
	"github.com/durzo/tracearr/internal/sessionstore"
)

// Sweeper discards stale pending entries left behind by unclean shutdowns or
// lost stop events. It performs the same cleanup as a phantom stop, quietly:
// no broadcast, no reconciliation trigger. The periodic reconciliation poll
// re-derives truth afterward.
type Sweeper struct {
	store    sessionstore.Store
	horizon  time.Duration
	interval time.Duration

	now func() time.Time
}

// NewSweeper creates a sweeper discarding pending entries whose lastSeenAt
// is older than horizon, running every interval.
func NewSweeper(store sessionstore.Store, horizon, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		horizon:  horizon,
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce scans the pending store and discards every stale entry. It is
// called once at startup, before the dispatcher subscribes, and then from
// the periodic loop.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}

	cutoff := s.now().UTC().Add(-s.horizon)
	swept := 0
	for _, p := range pending {
		if !p.LastSeenAt.Before(cutoff) {
			continue
		}
		if err := s.store.DeletePending(ctx, p.ServerID, p.SessionKey); err != nil {
			logging.Warn().Err(err).Str("session_key", p.SessionKey).Msg("orphan pending removal failed")
			continue
		}
		if err := s.store.DeleteProjection(ctx, p.ID); err != nil {
			logging.Warn().Err(err).Str("session_id", p.ID.String()).Msg("orphan projection removal failed")
		}
		if err := s.store.RemoveUserSession(ctx, p.UserID, p.ID); err != nil {
			logging.Warn().Err(err).Int64("user_id", p.UserID).Msg("orphan user index removal failed")
		}
		metrics.RecordOrphanSwept()
		swept++
		logging.Info().Str("session_id", p.ID.String()).Str("server_id", p.ServerID).
			Str("session_key", p.SessionKey).Time("last_seen_at", p.LastSeenAt).
			Msg("orphaned pending session swept")
	}

	if swept > 0 {
		logging.Info().Int("swept", swept).Int("scanned", len(pending)).Msg("orphan sweep complete")
	}

	projections, err := s.store.ListProjections(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("live session count refresh failed")
		return nil
	}
	metrics.SetActiveSessions(len(projections))
	return nil
}

// Serve runs the periodic sweep loop until the context is cancelled. It
// satisfies suture.Service so the supervision tree restarts it on failure.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				logging.Error().Err(err).Msg("orphan sweep failed")
			}
		}
	}
}

func (s *Sweeper) String() string { return "orphan-sweeper" }
