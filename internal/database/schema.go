// Tracearr - Media Server Session Monitoring and Policy Enforcement
// Copyright 2026 Durzo
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/durzo/tracearr

package database

import (
	"context"
	"fmt"
)

// schemaStatements creates the tables on first start. DuckDB executes DDL
// transactionally, so partial schema states do not survive a crash.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR PRIMARY KEY,
		server_id VARCHAR NOT NULL,
		session_key VARCHAR NOT NULL,
		media_id VARCHAR,
		live_broadcast_id VARCHAR,
		user_id BIGINT NOT NULL,
		username VARCHAR,
		state VARCHAR NOT NULL,
		view_offset_ms BIGINT NOT NULL DEFAULT 0,
		paused_duration_ms BIGINT NOT NULL DEFAULT 0,
		media_type VARCHAR,
		title VARCHAR,
		ip_address VARCHAR,
		geo_city VARCHAR,
		geo_region VARCHAR,
		geo_country VARCHAR,
		geo_latitude DOUBLE DEFAULT 0,
		geo_longitude DOUBLE DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_identity
		ON sessions (server_id, session_key)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_started
		ON sessions (user_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id BIGINT PRIMARY KEY,
		rule_type VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		config JSON,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS violations (
		id VARCHAR PRIMARY KEY,
		rule_id BIGINT NOT NULL,
		rule_type VARCHAR NOT NULL,
		session_id VARCHAR NOT NULL,
		user_id BIGINT NOT NULL,
		severity VARCHAR NOT NULL,
		message VARCHAR,
		data JSON,
		terminated BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_session
		ON violations (session_id)`,
}

func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
