// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/config"
	"github.com/durzo/tracearr/internal/database"
	"github.com/durzo/tracearr/internal/logging"
	"github.com/durzo/tracearr/internal/metrics"
	"github.com/durzo/tracearr/internal/models"
	"github.com/durzo/tracearr/internal/sessionstore"
)

// MetadataFetcher queries a media server for current session metadata.
type MetadataFetcher interface {
	FetchSession(ctx context.Context, serverID, sessionKey string) (*models.SessionMetadata, error)
}

// Broadcaster pushes live session events to connected clients.
type Broadcaster interface {
	BroadcastJSON(messageType string, data any)
}

// Enqueuer hands outbound notifications to the delivery queue.
// Failures are logged by the caller and never block the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.NotificationKind, payload any) error
}

// GeoResolver enriches an address with a geographic snapshot, best-effort.
type GeoResolver interface {
	Snapshot(ctx context.Context, ip string) (models.GeoSnapshot, error)
}

// Dispatcher routes inbound playback notifications to the pending or
// confirmed path and owns the per-server connectivity debouncer. Handlers
// return an error only for transient storage failures, which the message
// router retries; every other failure is logged and the message acked, so
// one bad event can never detach the subscription.
type Dispatcher struct {
	store     sessionstore.Store
	db        SessionDB
	lifecycle *Manager
	fetcher   MetadataFetcher
	debouncer *Debouncer
	cfg       config.MonitorConfig

	broadcaster Broadcaster
	enqueuer    Enqueuer
	geo         GeoResolver
	publisher   message.Publisher

	now func() time.Time
}

// NewDispatcher wires the dispatcher. geo may be nil when enrichment is
// disabled; publisher carries reconcile re-publishes and may be nil in tests.
func NewDispatcher(
	store sessionstore.Store,
	db SessionDB,
	lifecycle *Manager,
	fetcher MetadataFetcher,
	broadcaster Broadcaster,
	enqueuer Enqueuer,
	geo GeoResolver,
	publisher message.Publisher,
	cfg config.MonitorConfig,
) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		db:          db,
		lifecycle:   lifecycle,
		fetcher:     fetcher,
		cfg:         cfg,
		broadcaster: broadcaster,
		enqueuer:    enqueuer,
		geo:         geo,
		publisher:   publisher,
		now:         time.Now,
	}
	d.debouncer = NewDebouncer(cfg.DownDebounce, cfg.DownSetCapacity,
		func(serverID, serverName string) {
			d.enqueue(context.Background(), models.NotifyServerDown, models.ServerStatusPayload{
				ServerID: serverID, ServerName: serverName, At: d.now().UTC(),
			})
		},
		func(serverID, serverName string) {
			d.enqueue(context.Background(), models.NotifyServerUp, models.ServerStatusPayload{
				ServerID: serverID, ServerName: serverName, At: d.now().UTC(),
			})
		},
	)
	return d
}

// Debouncer exposes the connectivity debouncer, mainly for shutdown.
func (d *Dispatcher) Debouncer() *Debouncer { return d.debouncer }

// HandlePlayback processes one playback notification from the bus.
func (d *Dispatcher) HandlePlayback(msg *message.Message) error {
	ctx := msg.Context()

	var n PlaybackNotification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		metrics.RecordEventDropped("malformed")
		logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed playback event")
		return nil
	}
	if err := n.Validate(); err != nil {
		metrics.RecordEventDropped("invalid")
		logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping invalid playback event")
		return nil
	}
	metrics.RecordEventReceived(string(n.Kind))

	pending, err := d.store.GetPending(ctx, n.ServerID, n.SessionKey)
	switch {
	case err == nil:
		return d.pendingPath(ctx, pending, &n)
	case errors.Is(err, sessionstore.ErrNotFound):
		return d.confirmedPath(ctx, &n)
	default:
		return Transient("pending lookup", err)
	}
}

// pendingPath drives the confirmation state machine for an unconfirmed key.
func (d *Dispatcher) pendingPath(ctx context.Context, pending *models.PendingSession, n *PlaybackNotification) error {
	now := d.now().UTC()

	if n.Kind == KindStopped {
		// Phantom: stopped before confirming. Removed silently, no row
		// written, no rule evaluation.
		d.discardPending(ctx, pending, "phantom")
		d.broadcast("session:stopped", projectionStopped(models.ProjectionFromPending(pending, now)))
		return nil
	}

	meta, err := d.fetcher.FetchSession(ctx, n.ServerID, n.SessionKey)
	if err != nil {
		metrics.RecordEventDropped("upstream_fetch")
		logging.Warn().Err(err).Str("server_id", n.ServerID).Str("session_key", n.SessionKey).
			Msg("metadata fetch failed, dropping event")
		return nil
	}

	if MediaChanged(pending, meta.MediaID, meta.LiveBroadcastID) {
		// Key reused for auto-played next content: the old entry never
		// confirmed, so it is discarded as a phantom and a fresh pending
		// entry starts for the new media.
		d.discardPending(ctx, pending, "media_change")
		d.broadcast("session:stopped", projectionStopped(models.ProjectionFromPending(pending, now)))
		return d.createPending(ctx, n, meta)
	}

	MergeEvent(pending, n, now)

	if ShouldConfirm(pending, d.cfg.WatchedThreshold) {
		// The qualifying observation is recorded in the cache before the
		// promotion, so an interrupted confirm resumes from a marked entry
		// on redelivery instead of re-deriving the decision.
		if !pending.Confirmation.ConfirmedPlayback {
			pending.Confirmation.ConfirmedPlayback = true
			if err := d.store.SetPending(ctx, pending); err != nil {
				return Transient("store pending", err)
			}
		}
		result, err := d.lifecycle.ConfirmAndPersist(ctx, pending)
		if errors.Is(err, ErrRaceLost) {
			return nil
		}
		if err != nil {
			if IsTransient(err) {
				return err
			}
			logging.Error().Err(err).Str("session_key", pending.SessionKey).Msg("confirmation failed")
			return nil
		}
		if result.Terminated {
			d.broadcast("session:stopped", projectionStopped(models.ProjectionFromSession(result.Session, now)))
			d.enqueue(ctx, models.NotifySessionStopped, result.Session)
			return nil
		}
		d.broadcast("session:updated", models.ProjectionFromSession(result.Session, now))
		d.enqueue(ctx, models.NotifySessionStarted, result.Session)
		return nil
	}

	if err := d.store.SetPending(ctx, pending); err != nil {
		return Transient("store pending", err)
	}
	if err := d.store.SetProjection(ctx, models.ProjectionFromPending(pending, now)); err != nil {
		logging.Warn().Err(err).Str("session_id", pending.ID.String()).Msg("projection update failed")
	}
	d.broadcast("session:updated", models.ProjectionFromPending(pending, now))
	return nil
}

// confirmedPath handles events for keys with no pending entry: either an
// already-confirmed session or a brand new one.
func (d *Dispatcher) confirmedPath(ctx context.Context, n *PlaybackNotification) error {
	session, err := d.db.FindActiveSession(ctx, models.SessionIdentity{ServerID: n.ServerID, SessionKey: n.SessionKey})
	if errors.Is(err, database.ErrNotFound) {
		if n.Kind != KindPlaying {
			// A stopped-then-playing sequence is a new session, never a
			// resurrection; anything but playing for an unseen key is
			// stale noise the reconciliation poll will resolve.
			metrics.RecordEventDropped("unknown_session")
			logging.Debug().Str("server_id", n.ServerID).Str("session_key", n.SessionKey).
				Str("kind", string(n.Kind)).Msg("event for unknown session, skipping")
			return nil
		}
		meta, err := d.fetcher.FetchSession(ctx, n.ServerID, n.SessionKey)
		if err != nil {
			metrics.RecordEventDropped("upstream_fetch")
			logging.Warn().Err(err).Str("server_id", n.ServerID).Str("session_key", n.SessionKey).
				Msg("metadata fetch failed, dropping event")
			return nil
		}
		return d.createPending(ctx, n, meta)
	}
	if err != nil {
		return Transient("active session lookup", err)
	}

	now := d.now().UTC()

	if n.Kind == KindStopped {
		result, err := d.lifecycle.StopSession(ctx, session, now)
		if err != nil {
			logging.Error().Err(err).Str("session_id", session.ID.String()).Msg("stop failed")
			return nil
		}
		if result.NeedsRetry {
			d.publishReconcileNeeded()
			return nil
		}
		if result.WasUpdated {
			session.State = models.StateStopped
			session.StoppedAt = &now
			d.broadcast("session:stopped", projectionStopped(models.ProjectionFromSession(session, now)))
			d.enqueue(ctx, models.NotifySessionStopped, session)
		}
		return nil
	}

	meta, err := d.fetcher.FetchSession(ctx, n.ServerID, n.SessionKey)
	if err != nil {
		metrics.RecordEventDropped("upstream_fetch")
		logging.Warn().Err(err).Str("server_id", n.ServerID).Str("session_key", n.SessionKey).
			Msg("metadata fetch failed, dropping event")
		return nil
	}

	if sessionMediaChanged(session, meta) {
		next := d.sessionFromMetadata(ctx, n, meta)
		result, err := d.lifecycle.HandleMediaChange(ctx, session, next)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			logging.Error().Err(err).Str("session_id", session.ID.String()).Msg("media change failed")
			return nil
		}
		if result == nil {
			return nil
		}
		// Stop broadcast strictly precedes the start broadcast.
		d.broadcast("session:stopped", projectionStopped(models.ProjectionFromSession(result.Stopped, now)))
		d.enqueue(ctx, models.NotifySessionStopped, result.Stopped)
		if !result.Terminated {
			d.broadcast("session:started", models.ProjectionFromSession(result.Inserted, now))
			d.enqueue(ctx, models.NotifySessionStarted, result.Inserted)
		}
		return nil
	}

	state := session.State
	switch n.Kind {
	case KindPlaying, KindProgress:
		state = models.StatePlaying
	case KindPaused:
		state = models.StatePaused
	}
	offset := sanitizeOffset(n.ServerID, n.SessionKey, n.ViewOffsetMs)
	if err := d.db.UpdateSessionProgress(ctx, session.ID, state, offset, session.PausedDurationMs); err != nil {
		if database.IsTransient(err) {
			return Transient("update progress", err)
		}
		logging.Error().Err(err).Str("session_id", session.ID.String()).Msg("progress update failed")
		return nil
	}
	session.State = state
	session.ViewOffsetMs = offset
	if err := d.store.SetProjection(ctx, models.ProjectionFromSession(session, now)); err != nil {
		logging.Warn().Err(err).Str("session_id", session.ID.String()).Msg("projection update failed")
	}
	d.broadcast("session:updated", models.ProjectionFromSession(session, now))
	return nil
}

// createPending starts tracking a brand-new playback, unless a termination
// cooldown suppresses it.
func (d *Dispatcher) createPending(ctx context.Context, n *PlaybackNotification, meta *models.SessionMetadata) error {
	cooling, err := d.store.InTerminationCooldown(ctx, n.ServerID, n.SessionKey, meta.MediaID)
	if err != nil {
		return Transient("cooldown check", err)
	}
	if cooling {
		metrics.RecordEventDropped("termination_cooldown")
		logging.Info().Str("server_id", n.ServerID).Str("session_key", n.SessionKey).
			Str("media_id", meta.MediaID).Msg("session suppressed by termination cooldown")
		return nil
	}

	now := d.now().UTC()
	pending := &models.PendingSession{
		ID:              uuid.New(),
		ServerID:        n.ServerID,
		SessionKey:      n.SessionKey,
		MediaID:         meta.MediaID,
		LiveBroadcastID: meta.LiveBroadcastID,
		Confirmation: models.ConfirmationState{
			FirstSeenAt: now,
		},
		UserID:    meta.UserID,
		Username:  meta.Username,
		State:     models.StatePlaying,
		MediaType: meta.MediaType,
		Title:     meta.Title,
		Geo:       d.resolveGeo(ctx, meta.IPAddress),
		StartedAt: now,
	}
	MergeEvent(pending, n, now)

	if err := d.store.SetPending(ctx, pending); err != nil {
		return Transient("store pending", err)
	}
	if err := d.store.SetProjection(ctx, models.ProjectionFromPending(pending, now)); err != nil {
		logging.Warn().Err(err).Str("session_id", pending.ID.String()).Msg("projection store failed")
	}
	if err := d.store.AddUserSession(ctx, pending.UserID, pending.ID); err != nil {
		logging.Warn().Err(err).Int64("user_id", pending.UserID).Msg("user index update failed")
	}

	d.broadcast("session:started", models.ProjectionFromPending(pending, now))
	logging.Info().Str("session_id", pending.ID.String()).Str("server_id", n.ServerID).
		Str("session_key", n.SessionKey).Str("media_id", meta.MediaID).Msg("pending session created")
	return nil
}

// HandleReconcileNeeded runs an immediate orphan sweep so the periodic
// reconciliation poll re-derives truth from a clean pending store.
func (d *Dispatcher) HandleReconcileNeeded(sweep func(ctx context.Context) error) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		if err := sweep(msg.Context()); err != nil {
			logging.Error().Err(err).Msg("reconcile sweep failed")
		}
		return nil
	}
}

// HandleFallbackActivated processes a server entering fallback mode.
func (d *Dispatcher) HandleFallbackActivated(msg *message.Message) error {
	n, ok := d.parseFallback(msg)
	if !ok {
		return nil
	}
	d.debouncer.FallbackActivated(n.ServerID, n.ServerName)
	return nil
}

// HandleFallbackDeactivated processes a server leaving fallback mode.
func (d *Dispatcher) HandleFallbackDeactivated(msg *message.Message) error {
	n, ok := d.parseFallback(msg)
	if !ok {
		return nil
	}
	d.debouncer.FallbackDeactivated(n.ServerID, n.ServerName)
	return nil
}

func (d *Dispatcher) parseFallback(msg *message.Message) (*FallbackNotification, bool) {
	var n FallbackNotification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		metrics.RecordEventDropped("malformed")
		logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed fallback event")
		return nil, false
	}
	if err := n.Validate(); err != nil {
		metrics.RecordEventDropped("invalid")
		logging.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping invalid fallback event")
		return nil, false
	}
	return &n, true
}

// Close stops the connectivity debouncer timers.
func (d *Dispatcher) Close() {
	d.debouncer.Stop()
}

// discardPending removes a pending entry and its cache footprint.
func (d *Dispatcher) discardPending(ctx context.Context, pending *models.PendingSession, reason string) {
	if err := d.store.DeletePending(ctx, pending.ServerID, pending.SessionKey); err != nil {
		logging.Warn().Err(err).Str("session_key", pending.SessionKey).Msg("pending removal failed")
	}
	if err := d.store.DeleteProjection(ctx, pending.ID); err != nil {
		logging.Warn().Err(err).Str("session_id", pending.ID.String()).Msg("projection removal failed")
	}
	if err := d.store.RemoveUserSession(ctx, pending.UserID, pending.ID); err != nil {
		logging.Warn().Err(err).Int64("user_id", pending.UserID).Msg("user index removal failed")
	}
	metrics.RecordSessionDiscarded(reason)
	logging.Info().Str("session_id", pending.ID.String()).Str("reason", reason).Msg("pending session discarded")
}

// sessionFromMetadata builds the successor record for a media change under a
// fresh pre-generated id.
func (d *Dispatcher) sessionFromMetadata(ctx context.Context, n *PlaybackNotification, meta *models.SessionMetadata) *models.StreamSession {
	now := d.now().UTC()
	return &models.StreamSession{
		ID:              uuid.New(),
		ServerID:        n.ServerID,
		SessionKey:      n.SessionKey,
		MediaID:         meta.MediaID,
		LiveBroadcastID: meta.LiveBroadcastID,
		UserID:          meta.UserID,
		Username:        meta.Username,
		State:           models.StatePlaying,
		ViewOffsetMs:    sanitizeOffset(n.ServerID, n.SessionKey, n.ViewOffsetMs),
		MediaType:       meta.MediaType,
		Title:           meta.Title,
		Geo:             d.resolveGeo(ctx, meta.IPAddress),
		StartedAt:       now,
	}
}

// sessionMediaChanged reports whether fetched metadata names different
// content than the persisted session. Both sides carrying no identifiers at
// all means there is nothing to compare.
func sessionMediaChanged(s *models.StreamSession, meta *models.SessionMetadata) bool {
	if s.MediaID == "" && s.LiveBroadcastID == "" && meta.MediaID == "" && meta.LiveBroadcastID == "" {
		return false
	}
	return s.MediaID != meta.MediaID || s.LiveBroadcastID != meta.LiveBroadcastID
}

// resolveGeo enriches best-effort; failures are logged, never blocking.
func (d *Dispatcher) resolveGeo(ctx context.Context, ip string) models.GeoSnapshot {
	if d.geo == nil || ip == "" {
		return models.GeoSnapshot{IPAddress: ip}
	}
	snapshot, err := d.geo.Snapshot(ctx, ip)
	if err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("geo enrichment failed")
		return models.GeoSnapshot{IPAddress: ip}
	}
	snapshot.IPAddress = ip
	return snapshot
}

func (d *Dispatcher) broadcast(messageType string, data any) {
	if d.broadcaster == nil {
		return
	}
	d.broadcaster.BroadcastJSON(messageType, data)
}

func (d *Dispatcher) enqueue(ctx context.Context, kind models.NotificationKind, payload any) {
	if d.enqueuer == nil {
		return
	}
	if err := d.enqueuer.Enqueue(ctx, kind, payload); err != nil {
		logging.Warn().Err(err).Str("kind", string(kind)).Msg("notification enqueue failed")
	}
}

// publishReconcileNeeded asks the reconciliation path to re-derive truth
// after a stop write could not be committed.
func (d *Dispatcher) publishReconcileNeeded() {
	if d.publisher == nil {
		return
	}
	msg := message.NewMessage(uuid.NewString(), []byte("{}"))
	if err := d.publisher.Publish(SubjectReconcileNeeded, msg); err != nil {
		logging.Error().Err(err).Msg("reconcile publish failed")
	}
}

// projectionStopped marks a projection's final broadcast state.
func projectionStopped(p *models.SessionProjection) *models.SessionProjection {
	p.State = models.StateStopped
	return p
}
