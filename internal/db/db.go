// Package db implements the durable cache index on top of an embedded
// sqlite database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle holding cache entries and upload
// sessions.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT NOT NULL,
	scope            TEXT NOT NULL DEFAULT '',
	repository       TEXT,
	reference        TEXT,
	digest           TEXT NOT NULL,
	media_type       TEXT NOT NULL,
	size             INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	last_accessed_at TEXT NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 1,
	UNIQUE (kind, scope, digest)
);

CREATE INDEX IF NOT EXISTS idx_entries_digest ON cache_entries(scope, digest);
CREATE INDEX IF NOT EXISTS idx_entries_tag ON cache_entries(scope, repository, reference);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON cache_entries(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_entries_created ON cache_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_entries_access_count ON cache_entries(access_count);

CREATE TABLE IF NOT EXISTS upload_sessions (
	id               TEXT PRIMARY KEY,
	scope            TEXT NOT NULL DEFAULT '',
	repository       TEXT NOT NULL,
	bytes_received   INTEGER NOT NULL DEFAULT 0,
	started_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_activity ON upload_sessions(last_activity_at);
`

// Open opens (creating if necessary) the index database at the given
// path. The parent directory is created on demand.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	handle, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Debug("Index database opened", "path", path)
	return &Store{db: handle}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the canonical stored representation of the current time.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
