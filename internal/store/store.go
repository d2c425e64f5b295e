// Package store implements the three persistence contracts described in
// spec.md §4.A–C: the credential store, the offline-message queue, and the
// append-only history log. All three share one SQLite database opened via
// the pure-Go modernc.org/sqlite driver (no cgo), the way
// rustyguts-bken/server/internal/store/store.go and
// arkeep-io-arkeep/server/internal/db/db.go open theirs.
//
// Every exported method opens its work against the shared *sql.DB handle;
// SQLite serializes writers internally, so no additional application-level
// lock is needed here (unlike the in-memory client registry in
// internal/registry, which spec.md §5 requires to be single-writer via an
// explicit mutex).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the shared handle for components A (credentials), B (offline
// queue), and C (history log).
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) a SQLite database at path and applies the
// schema. Missing parent directories are created.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite allows exactly one writer; cap the pool so database/sql
	// doesn't hand out connections that would busy-fail on write.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	last_login    TEXT
);

CREATE TABLE IF NOT EXISTS offline_messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	sender    TEXT NOT NULL,
	recipient TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_recipient ON offline_messages(recipient, delivered);

CREATE TABLE IF NOT EXISTS chat_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	room      TEXT NOT NULL,
	sender    TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
