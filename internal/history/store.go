// Package history persists finished reminder sessions to SQLite. The log
// is a write-only audit trail; the engine never reads it back.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dutybot/internal/domain"
)

// Store implements domain.SessionRecorder on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS duty_sessions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at      DATETIME NOT NULL,
		finished_at     DATETIME NOT NULL,
		contacts        TEXT NOT NULL,
		acknowledged_by TEXT,
		outcome         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_duty_sessions_started ON duty_sessions(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one finished session.
func (s *Store) Record(ctx context.Context, rec domain.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duty_sessions (started_at, finished_at, contacts, acknowledged_by, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.StartedAt, rec.FinishedAt,
		strings.Join(rec.Contacts, ","),
		strings.Join(rec.AcknowledgedBy, ","),
		rec.Outcome,
	)
	return err
}

// Recent returns the latest sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, finished_at, contacts, acknowledged_by, outcome
		 FROM duty_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var started, finished time.Time
		var contacts, ackedBy string
		if err := rows.Scan(&started, &finished, &contacts, &ackedBy, &rec.Outcome); err != nil {
			return nil, err
		}
		rec.StartedAt = started
		rec.FinishedAt = finished
		rec.Contacts = splitList(contacts)
		rec.AcknowledgedBy = splitList(ackedBy)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
