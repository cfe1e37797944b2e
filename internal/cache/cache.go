// Package cache implements the persistent snapshot cache consulted before and
// after every matrix cell. Snapshots are zstd-compressed tar archives stored by
// BLAKE3 digest in a blob backend; the key index lives in the state database.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AndreyAkinshin/shipyard/internal/clock"
	shipyarderrors "github.com/AndreyAkinshin/shipyard/internal/errors"
	"github.com/AndreyAkinshin/shipyard/internal/logging"
	"github.com/AndreyAkinshin/shipyard/internal/state"
)

// RestoreResult reports which entry, if any, a restore used.
type RestoreResult struct {
	Hit        bool
	MatchedKey string
}

// Cache is the contract the stage runner depends on.
type Cache interface {
	Restore(ctx context.Context, key string, fallbackKeys, paths []string, required bool) (RestoreResult, error)
	Save(ctx context.Context, key string, paths []string) error
}

// Index is the key → digest mapping. *state.Store implements it.
type Index interface {
	PutCacheEntry(ctx context.Context, e state.CacheEntry) error
	GetCacheEntry(ctx context.Context, key string) (*state.CacheEntry, error)
	FindCacheEntryByPrefix(ctx context.Context, prefix string) (*state.CacheEntry, error)
	TouchCacheEntry(ctx context.Context, key string) error
	ListCacheEntries(ctx context.Context) ([]state.CacheEntry, error)
	CacheEntriesOlderThan(ctx context.Context, cutoff time.Time) ([]state.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, key string) error
	DigestReferences(ctx context.Context, digest string) (int, error)
}

// Store is a Cache backed by an Index and a Blobs backend. Relative cache
// paths are resolved against root.
type Store struct {
	index  Index
	blobs  Blobs
	root   string
	clock  clock.Clock
	logger *slog.Logger

	// mu orders blob writes and index updates against blob releases.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.OrDiscard(l) }
}

// WithClock sets the clock used for pruning cutoffs.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store.
func New(index Index, blobs Blobs, root string, opts ...Option) *Store {
	s := &Store{
		index:  index,
		blobs:  blobs,
		root:   root,
		clock:  clock.Real(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore looks up key exactly, then each fallback key in order as a prefix.
// The first entry found is extracted over paths. A miss is not an error
// unless required is set.
func (s *Store) Restore(ctx context.Context, key string, fallbackKeys, paths []string, required bool) (RestoreResult, error) {
	entry, err := s.lookup(ctx, key, fallbackKeys)
	if err != nil {
		return RestoreResult{}, err
	}
	if entry == nil {
		s.logger.Info("cache miss", "key", key, "required", required)
		if required {
			return RestoreResult{}, fmt.Errorf("%w: %s", shipyarderrors.ErrCacheRequiredMissing, key)
		}
		return RestoreResult{}, nil
	}

	if err := s.extract(ctx, entry, paths); err != nil {
		return RestoreResult{}, err
	}
	if err := s.index.TouchCacheEntry(ctx, entry.Key); err != nil {
		s.logger.Warn("failed to record cache restore", "key", entry.Key, "error", err)
	}

	s.logger.Info("cache restored", "key", key, "matched_key", entry.Key, "exact", entry.Key == key)
	return RestoreResult{Hit: true, MatchedKey: entry.Key}, nil
}

func (s *Store) lookup(ctx context.Context, key string, fallbackKeys []string) (*state.CacheEntry, error) {
	entry, err := s.index.GetCacheEntry(ctx, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	for _, fallback := range fallbackKeys {
		entry, err := s.index.FindCacheEntryByPrefix(ctx, fallback)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Store) extract(ctx context.Context, entry *state.CacheEntry, paths []string) error {
	r, err := s.blobs.Get(ctx, entry.Digest)
	if err != nil {
		return fmt.Errorf("restore %s: %w", entry.Key, err)
	}
	defer r.Close()

	if err := extractSnapshot(r, s.root, paths); err != nil {
		return fmt.Errorf("restore %s: %w", entry.Key, err)
	}
	return nil
}

// Save snapshots paths under key, replacing any existing entry.
func (s *Store) Save(ctx context.Context, key string, paths []string) error {
	tmp, err := os.CreateTemp("", "shipyard-cache-*.tar.zst")
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	digest, manifest, err := writeSnapshot(tmp, s.root, paths)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	for _, missing := range manifest.Missing {
		s.logger.Warn("cache path does not exist", "key", key, "path", missing)
	}

	encoded, err := encodeManifest(manifest)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The blob is written even when one already exists: a release may be
	// deleting it while no entry references it yet.
	if err := s.putBlob(ctx, tmp, digest, manifest.Bytes); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	previous, err := s.index.GetCacheEntry(ctx, key)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if err := s.index.PutCacheEntry(ctx, state.CacheEntry{
		Key:      key,
		Digest:   digest,
		Size:     manifest.Bytes,
		Manifest: encoded,
	}); err != nil {
		return err
	}

	// Another process sharing the blob store can release the digest between
	// the write and the index update. The entry pins it from here on.
	exists, err := s.blobs.Exists(ctx, digest)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if !exists {
		s.logger.Warn("cache blob released during save, writing again", "key", key, "digest", digest[:12])
		if err := s.putBlob(ctx, tmp, digest, manifest.Bytes); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}

	if previous != nil && previous.Digest != digest {
		s.releaseBlob(ctx, previous.Digest)
	}

	s.logger.Info("cache saved", "key", key, "digest", digest[:12], "files", manifest.Files, "bytes", manifest.Bytes)
	return nil
}

func (s *Store) putBlob(ctx context.Context, f *os.File, digest string, size int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return s.blobs.Put(ctx, digest, f, size)
}

// List returns every index entry, newest first.
func (s *Store) List(ctx context.Context) ([]state.CacheEntry, error) {
	return s.index.ListCacheEntries(ctx)
}

// PruneResult summarizes a prune.
type PruneResult struct {
	Entries int
	Blobs   int
	Bytes   int64
}

// Prune removes entries saved more than olderThan ago and not restored
// since, then deletes blobs no remaining entry references.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (PruneResult, error) {
	var result PruneResult

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.index.CacheEntriesOlderThan(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return result, err
	}
	for _, e := range entries {
		if err := s.index.DeleteCacheEntry(ctx, e.Key); err != nil {
			return result, err
		}
		result.Entries++
		if s.releaseBlob(ctx, e.Digest) {
			result.Blobs++
			result.Bytes += e.Size
		}
	}

	s.logger.Info("cache pruned", "entries", result.Entries, "blobs", result.Blobs, "bytes", result.Bytes)
	return result, nil
}

// releaseBlob deletes the blob for digest when no entry references it and
// reports whether it did. The caller holds s.mu.
func (s *Store) releaseBlob(ctx context.Context, digest string) bool {
	refs, err := s.index.DigestReferences(ctx, digest)
	if err != nil {
		s.logger.Warn("failed to count blob references", "digest", digest, "error", err)
		return false
	}
	if refs > 0 {
		return false
	}
	if err := s.blobs.Delete(ctx, digest); err != nil {
		s.logger.Warn("failed to delete blob", "digest", digest, "error", err)
		return false
	}
	return true
}
