package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes manifest entries from blob entries.
type Kind string

const (
	KindManifest Kind = "manifest"
	KindBlob     Kind = "blob"
)

// ErrNotFound is returned when a lookup matches no entry.
var ErrNotFound = errors.New("entry not found")

// Entry is one cache index record. Scope is empty for entries shared
// across upstreams and holds the upstream name for isolated upstreams.
type Entry struct {
	ID             int64
	Kind           Kind
	Scope          string
	Repository     string
	Reference      string
	Digest         string
	MediaType      string
	Size           int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// NewEntry carries the fields of an entry about to be inserted.
type NewEntry struct {
	Kind       Kind
	Scope      string
	Repository string
	Reference  string
	Digest     string
	MediaType  string
	Size       int64
}

const entryColumns = `id, kind, scope, repository, reference, digest, media_type, size, created_at, last_accessed_at, access_count`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var kind, createdAt, lastAccessedAt string
	var repository, reference sql.NullString
	if err := row.Scan(&e.ID, &kind, &e.Scope, &repository, &reference, &e.Digest,
		&e.MediaType, &e.Size, &createdAt, &lastAccessedAt, &e.AccessCount); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Repository = repository.String
	e.Reference = reference.String
	e.CreatedAt = parseTime(createdAt)
	e.LastAccessedAt = parseTime(lastAccessedAt)
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEntry inserts or replaces a cache entry. The (kind, scope,
// digest) triple is unique; re-inserting an existing triple refreshes
// the reference, media type and size in place. When the entry carries a
// tag, the tag is detached from any other entry it previously pointed
// at so that tag lookups stay unambiguous.
func (s *Store) InsertEntry(e NewEntry) (*Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	if e.Kind == KindManifest && e.Reference != "" {
		_, err = tx.Exec(
			`UPDATE cache_entries SET reference = NULL
			 WHERE kind = ? AND scope = ? AND repository = ? AND reference = ? AND digest != ?`,
			string(e.Kind), e.Scope, e.Repository, e.Reference, e.Digest)
		if err != nil {
			return nil, fmt.Errorf("detach stale tag: %w", err)
		}
	}

	ts := now()
	_, err = tx.Exec(
		`INSERT INTO cache_entries (kind, scope, repository, reference, digest, media_type, size, created_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT (kind, scope, digest) DO UPDATE SET
			repository = COALESCE(excluded.repository, cache_entries.repository),
			reference = COALESCE(excluded.reference, cache_entries.reference),
			media_type = excluded.media_type,
			size = excluded.size,
			last_accessed_at = excluded.last_accessed_at`,
		string(e.Kind), e.Scope, nullable(e.Repository), nullable(e.Reference),
		e.Digest, e.MediaType, e.Size, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	row := tx.QueryRow(
		`SELECT `+entryColumns+` FROM cache_entries WHERE kind = ? AND scope = ? AND digest = ?`,
		string(e.Kind), e.Scope, e.Digest)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("reload entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return entry, nil
}

// GetEntryByDigest looks up an entry by (kind, scope, digest).
func (s *Store) GetEntryByDigest(kind Kind, scope, digest string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT `+entryColumns+` FROM cache_entries WHERE kind = ? AND scope = ? AND digest = ?`,
		string(kind), scope, digest)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetManifestByTag looks up a manifest entry by (scope, repository, tag).
func (s *Store) GetManifestByTag(scope, repository, tag string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT `+entryColumns+` FROM cache_entries
		 WHERE kind = ? AND scope = ? AND repository = ? AND reference = ?`,
		string(KindManifest), scope, repository, tag)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// TouchEntry bumps last-accessed time and the access counter.
func (s *Store) TouchEntry(id int64) error {
	_, err := s.db.Exec(
		`UPDATE cache_entries SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		now(), id)
	return err
}

// DeleteEntry removes a single entry by id.
func (s *Store) DeleteEntry(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEntriesByDigest removes every entry matching the digest across
// all kinds and scopes and returns the removed entries so the caller
// can delete the corresponding backend objects.
func (s *Store) DeleteEntriesByDigest(digest string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM cache_entries WHERE digest = ?`, digest)
	if err != nil {
		return nil, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE digest = ?`, digest); err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteBatch removes the given entry ids in one transaction.
func (s *Store) DeleteBatch(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM cache_entries WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// EvictionCandidates returns up to limit entries ordered per the given
// policy: lru by last-accessed, lfu by access count (ties by
// last-accessed), fifo by creation time. Final ties break by id.
func (s *Store) EvictionCandidates(policy string, limit int) ([]Entry, error) {
	var order string
	switch policy {
	case "lru":
		order = "last_accessed_at ASC, id ASC"
	case "lfu":
		order = "access_count ASC, last_accessed_at ASC, id ASC"
	case "fifo":
		order = "created_at ASC, id ASC"
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", policy)
	}

	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM cache_entries ORDER BY `+order+` LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ExpiredEntries returns up to limit entries created before the cutoff.
func (s *Store) ExpiredEntries(cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM cache_entries WHERE created_at < ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// TotalSize returns the byte sum over all entries.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total)
	return total, err
}

// Counts holds entry counts per kind.
type Counts struct {
	Entries   int64
	Manifests int64
	Blobs     int64
	TotalSize int64
}

// EntryCounts returns aggregate counts for the stats surface.
func (s *Store) EntryCounts() (Counts, error) {
	var c Counts
	err := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN kind = 'manifest' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'blob' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0)
		 FROM cache_entries`).Scan(&c.Entries, &c.Manifests, &c.Blobs, &c.TotalSize)
	return c, err
}

// ListFilter narrows and orders a ListEntries call.
type ListFilter struct {
	Kind       Kind
	Repository string
	Digest     string
	SortBy     string // last_accessed | created | size | access_count
	Desc       bool
	Limit      int
	Offset     int
}

// ListEntries returns a page of entries for the admin surface along
// with the total number of rows the filter matches.
func (s *Store) ListEntries(f ListFilter) ([]Entry, int64, error) {
	var conds []string
	var args []any
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Digest != "" {
		conds = append(conds, "digest = ?")
		args = append(args, f.Digest)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var order string
	switch f.SortBy {
	case "", "last_accessed":
		order = "last_accessed_at"
	case "created":
		order = "created_at"
	case "size":
		order = "size"
	case "access_count":
		order = "access_count"
	default:
		return nil, 0, fmt.Errorf("unknown sort key %q", f.SortBy)
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	listArgs := append(append([]any{}, args...), limit, f.Offset)
	rows, err := s.db.Query(
		`SELECT `+entryColumns+` FROM cache_entries`+where+
			` ORDER BY `+order+` `+dir+`, id ASC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListTags returns the tags known for a repository within a scope,
// ordered lexicographically, resuming after last when set.
func (s *Store) ListTags(scope, repository string, limit int, last string) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT reference FROM cache_entries
		 WHERE kind = ? AND scope = ? AND repository = ? AND reference IS NOT NULL AND reference > ?
		 ORDER BY reference ASC LIMIT ?`,
		string(KindManifest), scope, repository, last, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// AllEntries streams every entry to fn; used by clear. Iteration stops
// on the first error.
func (s *Store) AllEntries(fn func(Entry) error) error {
	rows, err := s.db.Query(`SELECT ` + entryColumns + ` FROM cache_entries ORDER BY id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// HasDigest reports whether any entry in the given scope references the
// digest.
func (s *Store) HasDigest(scope, digest string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM cache_entries WHERE scope = ? AND digest = ?`, scope, digest).Scan(&n)
	return n > 0, err
}
