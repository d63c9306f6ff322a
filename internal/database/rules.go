// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/durzo/tracearr/internal/models"
)

func parseUUID(s string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("parse uuid %q: %w", s, err)
	}
	return parsed, nil
}

// ListActiveRules returns the enabled rules in creation order.
func (db *DB) ListActiveRules(ctx context.Context) ([]*models.Rule, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, rule_type, name, enabled, config, created_at, updated_at
		FROM rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Rule
	for rows.Next() {
		var (
			r      models.Rule
			config []byte
		)
		if err := rows.Scan(&r.ID, &r.RuleType, &r.Name, &r.Enabled, &config, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Config = json.RawMessage(config)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// UpsertRule creates or replaces a rule configuration.
func (db *DB) UpsertRule(ctx context.Context, r *models.Rule) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO rules (id, rule_type, name, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rule_type = excluded.rule_type,
			name = excluded.name,
			enabled = excluded.enabled,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		r.ID, r.RuleType, r.Name, r.Enabled, string(r.Config), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert rule %d: %w", r.ID, err)
	}
	return nil
}

// InsertViolations records the violations produced by one evaluation pass.
func (db *DB) InsertViolations(ctx context.Context, violations []*models.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin violations: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, v := range violations {
		var data any
		if len(v.Data) > 0 {
			data = string(v.Data)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO violations (id, rule_id, rule_type, session_id, user_id,
				severity, message, data, terminated, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID.String(), v.RuleID, v.RuleType, v.SessionID.String(), v.UserID,
			string(v.Severity), v.Message, data, v.Terminate, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert violation %s: %w", v.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit violations: %w", err)
	}
	return nil
}

// SessionViolations returns the violations recorded against a session id,
// oldest first.
func (db *DB) SessionViolations(ctx context.Context, sessionID string) ([]*models.Violation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, rule_id, rule_type, session_id, user_id,
			severity, message, data, terminated, created_at
		FROM violations WHERE session_id = ? ORDER BY created_at`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("session violations: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

func scanViolation(rows rowScanner) (*models.Violation, error) {
	var (
		v         models.Violation
		id        string
		sessionID string
		severity  string
		data      []byte
	)
	err := rows.Scan(&id, &v.RuleID, &v.RuleType, &sessionID, &v.UserID,
		&severity, &v.Message, &data, &v.Terminate, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan violation: %w", err)
	}
	parsed, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	v.ID = parsed
	parsed, err = parseUUID(sessionID)
	if err != nil {
		return nil, err
	}
	v.SessionID = parsed
	v.Severity = models.Severity(severity)
	v.Data = json.RawMessage(data)
	return &v, nil
}
