// Package history persists the controller's decisions in a local SQLite
// database so operators can answer "why is my machine off" after the
// fact. Writes are best-effort: history must never fail a decision.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded decision.
type Entry struct {
	Time   time.Time `json:"time"`
	Event  string    `json:"event"`  // "state-change", "periodic-check", "schedule", "api"
	Action string    `json:"action"` // controller result action or issued command
	Detail string    `json:"detail"`
}

// Store is a SQLite-backed decision log.
type Store struct {
	db *sql.DB
}

// Open creates the database (and its directory) if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			time   TEXT NOT NULL,
			event  TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create decisions table: %w", err)
	}

	return &Store{db: db}, nil
}

// Append records one decision.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (time, event, action, detail) VALUES (?, ?, ?, ?)`,
		entry.Time.UTC().Format(time.RFC3339Nano), entry.Event, entry.Action, entry.Detail)
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, event, action, detail FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var stamp string
		if err := rows.Scan(&stamp, &entry.Event, &entry.Action, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		entry.Time, _ = time.Parse(time.RFC3339Nano, stamp)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return entries, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
