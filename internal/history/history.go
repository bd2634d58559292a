// Package history keeps a SQLite audit log of message delivery attempts.
// It is an observability aid only: nothing reads it for retry or
// redelivery.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Record is one delivery attempt.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ChatID    string    `json:"chat_id"`
	Template  string    `json:"template"`
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
}

// Store persists delivery records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and applies the
// schema and recommended pragmas.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// Pragmas must be SQL statements with modernc.org/sqlite, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	chat_id    TEXT NOT NULL,
	template   TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deliveries_created_at ON deliveries(created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one delivery attempt.
func (s *Store) Record(ctx context.Context, chatID, template string, ok bool, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, created_at, chat_id, template, ok, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), time.Now().UTC(), chatID, template, ok, detail,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, chat_id, template, ok, detail
		 FROM deliveries ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.ChatID, &r.Template, &r.OK, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return records, nil
}
