package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry is an index row pointing at a stored snapshot.
type CacheEntry struct {
	Key            string
	Digest         string
	Size           int64
	Manifest       []byte
	CreatedAt      time.Time
	LastRestoredAt *time.Time
}

const cacheColumns = `key, digest, size, manifest, created_at, last_restored_at`

// PutCacheEntry inserts or replaces the entry for e.Key. CreatedAt is set to
// the current time, so a replaced key becomes the most recent entry.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, digest, size, manifest, created_at, last_restored_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT (key) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			manifest = excluded.manifest,
			created_at = excluded.created_at,
			last_restored_at = NULL`,
		e.Key, e.Digest, e.Size, e.Manifest, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s: %w", e.Key, err)
	}
	return nil
}

// GetCacheEntry returns the entry stored under exactly key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE key = ?`, key)
	return scanCacheEntry(row)
}

// FindCacheEntryByPrefix returns the most recently saved entry whose key
// equals prefix or starts with it.
func (s *Store) FindCacheEntryByPrefix(ctx context.Context, prefix string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries
		WHERE substr(key, 1, length(?1)) = ?1
		ORDER BY created_at DESC, key DESC
		LIMIT 1`, prefix)
	return scanCacheEntry(row)
}

// TouchCacheEntry records a restore of key.
func (s *Store) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_restored_at = ? WHERE key = ?`,
		toMillis(s.now()), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry %s: %w", key, err)
	}
	return nil
}

// ListCacheEntries returns all entries, newest first.
func (s *Store) ListCacheEntries(ctx context.Context) ([]CacheEntry, error) {
	return s.queryCacheEntries(ctx, `SELECT `+cacheColumns+` FROM cache_entries ORDER BY created_at DESC, key`)
}

// CacheEntriesOlderThan returns entries saved before cutoff that have not
// been restored since.
func (s *Store) CacheEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]CacheEntry, error) {
	ms := toMillis(cutoff)
	return s.queryCacheEntries(ctx, `
		SELECT `+cacheColumns+` FROM cache_entries
		WHERE created_at < ? AND (last_restored_at IS NULL OR last_restored_at < ?)
		ORDER BY created_at`, ms, ms)
}

// DeleteCacheEntry removes the entry for key. Missing keys are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DigestReferences counts entries that point at digest.
func (s *Store) DigestReferences(ctx context.Context, digest string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE digest = ?`, digest).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count digest references: %w", err)
	}
	return n, nil
}

func (s *Store) queryCacheEntries(ctx context.Context, query string, args ...any) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row scanner) (*CacheEntry, error) {
	var (
		e          CacheEntry
		createdAt  int64
		restoredAt sql.NullInt64
	)
	err := row.Scan(&e.Key, &e.Digest, &e.Size, &e.Manifest, &createdAt, &restoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entry: %w", err)
	}
	e.CreatedAt = fromMillis(createdAt)
	e.LastRestoredAt = nullMillis(restoredAt)
	return &e, nil
}
