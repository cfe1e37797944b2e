package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrBlobNotFound is returned by Blobs.Get for an unknown digest.
var ErrBlobNotFound = errors.New("blob not found")

// Blobs stores snapshot archives by content digest.
type Blobs interface {
	Put(ctx context.Context, digest string, r io.Reader, size int64) error
	Get(ctx context.Context, digest string) (io.ReadCloser, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// LocalBlobs keeps archives in a directory sharded by the first two digest
// characters.
type LocalBlobs struct {
	dir string
}

// NewLocalBlobs returns a LocalBlobs rooted at dir.
func NewLocalBlobs(dir string) *LocalBlobs {
	return &LocalBlobs{dir: dir}
}

// Dir returns the root directory.
func (b *LocalBlobs) Dir() string {
	return b.dir
}

func (b *LocalBlobs) path(digest string) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(b.dir, shard, digest+".tar.zst")
}

// Put writes the archive through a temporary file and renames it into
// place.
func (b *LocalBlobs) Put(_ context.Context, digest string, r io.Reader, _ int64) error {
	target := b.path(digest)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write blob %s: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob %s: %w", digest, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename blob %s: %w", digest, err)
	}
	return nil
}

// Get opens the archive for digest.
func (b *LocalBlobs) Get(_ context.Context, digest string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", digest, err)
	}
	return f, nil
}

// Exists reports whether an archive for digest is stored.
func (b *LocalBlobs) Exists(_ context.Context, digest string) (bool, error) {
	_, err := os.Stat(b.path(digest))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the archive for digest. Missing archives are ignored.
func (b *LocalBlobs) Delete(_ context.Context, digest string) error {
	err := os.Remove(b.path(digest))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", digest, err)
	}
	return nil
}
