// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

const sessionColumns = `id, server_id, session_key, media_id, live_broadcast_id,
	user_id, username, state, view_offset_ms, paused_duration_ms,
	media_type, title, ip_address, geo_city, geo_region, geo_country,
	geo_latitude, geo_longitude, started_at, stopped_at`

// InsertSession creates the durable row for a confirmed session. The row is
// written exactly as the struct describes it: a session terminated by rule
// action arrives already stopped, so it is never observably active.
func (db *DB) InsertSession(ctx context.Context, s *models.StreamSession) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.ServerID, s.SessionKey, nullable(s.MediaID), nullable(s.LiveBroadcastID),
		s.UserID, s.Username, string(s.State), s.ViewOffsetMs, s.PausedDurationMs,
		s.MediaType, s.Title, s.Geo.IPAddress, s.Geo.City, s.Geo.Region, s.Geo.Country,
		s.Geo.Latitude, s.Geo.Longitude, s.StartedAt, s.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// StopSession conditionally transitions a still-active row to stopped.
// Returns false when the row was already stopped or does not exist; that is
// a safe no-op, not an error.
func (db *DB) StopSession(ctx context.Context, id uuid.UUID, stoppedAt time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET state = ?, stopped_at = ?
		WHERE id = ? AND state != ?`,
		string(models.StateStopped), stoppedAt, id.String(), string(models.StateStopped),
	)
	if err != nil {
		return false, fmt.Errorf("stop session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop session %s rows: %w", id, err)
	}
	return n > 0, nil
}

// UpdateSessionProgress applies a progress or state update to an active row.
// Stopped rows are never resurrected.
func (db *DB) UpdateSessionProgress(ctx context.Context, id uuid.UUID, state models.PlayState, viewOffsetMs, pausedDurationMs int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET state = ?, view_offset_ms = ?, paused_duration_ms = ?
		WHERE id = ? AND state != ?`,
		string(state), viewOffsetMs, pausedDurationMs, id.String(), string(models.StateStopped),
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return nil
}

// FindActiveSession returns the non-stopped session for an identity, or
// ErrNotFound. A non-empty MediaID in the identity is an additional exact
// match filter; an empty one is excluded from filtering entirely.
func (db *DB) FindActiveSession(ctx context.Context, ident models.SessionIdentity) (*models.StreamSession, error) {
	query, args := activeSessionQuery(ident)
	row := db.conn.QueryRowContext(ctx, query+` LIMIT 1`, args...)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return s, nil
}

// FindActiveSessionsAll returns every non-stopped session matching the
// identity, newest first.
func (db *DB) FindActiveSessionsAll(ctx context.Context, ident models.SessionIdentity) ([]*models.StreamSession, error) {
	query, args := activeSessionQuery(ident)
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find active sessions: %w", err)
	}
	defer closeQuietly(rows)
	return collectSessions(rows)
}

// ListActiveSessions returns a snapshot of all non-stopped sessions, used as
// the concurrency context for rule evaluation.
func (db *DB) ListActiveSessions(ctx context.Context) ([]*models.StreamSession, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE state != ? ORDER BY started_at DESC`,
		string(models.StateStopped),
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer closeQuietly(rows)
	return collectSessions(rows)
}

// RecentUserSessions returns a user's sessions started within the lookback
// window, newest first, for velocity and pattern rules.
func (db *DB) RecentUserSessions(ctx context.Context, userID int64, lookback time.Duration) ([]*models.StreamSession, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND started_at >= ?
		ORDER BY started_at DESC`,
		userID, time.Now().UTC().Add(-lookback),
	)
	if err != nil {
		return nil, fmt.Errorf("recent sessions for user %d: %w", userID, err)
	}
	defer closeQuietly(rows)
	return collectSessions(rows)
}

// MediaChange performs stop-old plus insert-new as one transaction. Returns
// false without writing anything when the old row was already stopped,
// meaning another caller performed the transition first.
func (db *DB) MediaChange(ctx context.Context, oldID uuid.UUID, stoppedAt time.Time, next *models.StreamSession) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin media change: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state = ?, stopped_at = ?
		WHERE id = ? AND state != ?`,
		string(models.StateStopped), stoppedAt, oldID.String(), string(models.StateStopped),
	)
	if err != nil {
		return false, fmt.Errorf("media change stop %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("media change stop %s rows: %w", oldID, err)
	}
	if n == 0 {
		return false, nil // race lost, nothing written
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID.String(), next.ServerID, next.SessionKey, nullable(next.MediaID), nullable(next.LiveBroadcastID),
		next.UserID, next.Username, string(next.State), next.ViewOffsetMs, next.PausedDurationMs,
		next.MediaType, next.Title, next.Geo.IPAddress, next.Geo.City, next.Geo.Region, next.Geo.Country,
		next.Geo.Latitude, next.Geo.Longitude, next.StartedAt, next.StoppedAt,
	)
	if err != nil {
		return false, fmt.Errorf("media change insert %s: %w", next.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit media change: %w", err)
	}
	return true, nil
}

// activeSessionQuery builds the shared active-session lookup.
func activeSessionQuery(ident models.SessionIdentity) (string, []any) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE server_id = ? AND session_key = ? AND state != ?`
	args := []any{ident.ServerID, ident.SessionKey, string(models.StateStopped)}
	if ident.MediaID != "" {
		query += ` AND media_id = ?`
		args = append(args, ident.MediaID)
	}
	query += ` ORDER BY started_at DESC`
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.StreamSession, error) {
	var (
		s               models.StreamSession
		id              string
		mediaID         sql.NullString
		liveBroadcastID sql.NullString
		state           string
		stoppedAt       sql.NullTime
	)
	err := row.Scan(
		&id, &s.ServerID, &s.SessionKey, &mediaID, &liveBroadcastID,
		&s.UserID, &s.Username, &state, &s.ViewOffsetMs, &s.PausedDurationMs,
		&s.MediaType, &s.Title, &s.Geo.IPAddress, &s.Geo.City, &s.Geo.Region, &s.Geo.Country,
		&s.Geo.Latitude, &s.Geo.Longitude, &s.StartedAt, &stoppedAt,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse session id %q: %w", id, err)
	}
	s.ID = parsed
	s.MediaID = mediaID.String
	s.LiveBroadcastID = liveBroadcastID.String
	s.State = models.PlayState(state)
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]*models.StreamSession, error) {
	var out []*models.StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// nullable maps empty strings to NULL so optional identifiers are stored as
// absent rather than empty.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
