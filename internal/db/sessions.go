package db

import (
	"database/sql"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an upload session id is unknown.
var ErrSessionNotFound = errors.New("upload session not found")

// Session is one chunked blob upload in progress.
type Session struct {
	ID             string
	Scope          string
	Repository     string
	BytesReceived  int64
	StartedAt      time.Time
	LastActivityAt time.Time
}

// CreateSession records a new upload session.
func (s *Store) CreateSession(id, scope, repository string) (*Session, error) {
	ts := now()
	_, err := s.db.Exec(
		`INSERT INTO upload_sessions (id, scope, repository, bytes_received, started_at, last_activity_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, scope, repository, ts, ts)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:             id,
		Scope:          scope,
		Repository:     repository,
		StartedAt:      parseTime(ts),
		LastActivityAt: parseTime(ts),
	}, nil
}

// GetSession looks up an upload session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, scope, repository, bytes_received, started_at, last_activity_at
		 FROM upload_sessions WHERE id = ?`, id)

	var sess Session
	var startedAt, lastActivityAt string
	err := row.Scan(&sess.ID, &sess.Scope, &sess.Repository, &sess.BytesReceived, &startedAt, &lastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt = parseTime(startedAt)
	sess.LastActivityAt = parseTime(lastActivityAt)
	return &sess, nil
}

// UpdateSessionProgress records the new byte offset after a chunk is
// durably appended.
func (s *Store) UpdateSessionProgress(id string, bytesReceived int64) error {
	res, err := s.db.Exec(
		`UPDATE upload_sessions SET bytes_received = ?, last_activity_at = ? WHERE id = ?`,
		bytesReceived, now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM upload_sessions WHERE id = ?`, id)
	return err
}

// ExpiredSessions returns sessions idle since before the cutoff.
func (s *Store) ExpiredSessions(cutoff time.Time) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, scope, repository, bytes_received, started_at, last_activity_at
		 FROM upload_sessions WHERE last_activity_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startedAt, lastActivityAt string
		if err := rows.Scan(&sess.ID, &sess.Scope, &sess.Repository, &sess.BytesReceived, &startedAt, &lastActivityAt); err != nil {
			return nil, err
		}
		sess.StartedAt = parseTime(startedAt)
		sess.LastActivityAt = parseTime(lastActivityAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
