// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteSchema holds one row per event. Metadata is stored as JSON after
// redaction, so the database never contains secret material.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	timestamp  TEXT NOT NULL,
	action     TEXT NOT NULL,
	resource   TEXT,
	user_id    TEXT,
	ip         TEXT,
	user_agent TEXT,
	success    INTEGER NOT NULL,
	error      TEXT,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
`

// SQLiteSink persists audit events to a SQLite database for structured
// querying during incident review.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Write inserts one event.
func (s *SQLiteSink) Write(event Event) error {
	meta := ""
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		meta = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events
		 (id, timestamp, action, resource, user_id, ip, user_agent, success, error, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		event.Action,
		event.Resource,
		event.UserID,
		event.IP,
		event.UserAgent,
		boolToInt(event.Success),
		event.Error,
		meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// CountByAction returns how many stored events carry the given action.
// Used by review tooling and tests.
func (s *SQLiteSink) CountByAction(action string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM audit_events WHERE action = ?", action,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
