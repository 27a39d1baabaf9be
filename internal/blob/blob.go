// Package blob stores original uploaded files so documents can be
// rehydrated after their chunks are lost or intentionally rebuilt.
//
// Refs are content-addressed (sha256 of the bytes), so re-uploading the same
// file yields the same ref and storage is naturally deduplicated.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound indicates no blob exists for the given ref.
var ErrNotFound = errors.New("blob not found")

// Store persists original upload bytes keyed by an opaque ref.
// Delete is best-effort: retention purging proceeds even when it fails.
type Store interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// refPattern constrains refs to hex digests so a corrupted ref can never
// escape the blob directory.
var refPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FS is a filesystem-backed Store. Blobs live as flat files named by their
// sha256 digest under a single directory.
type FS struct {
	dir string
}

// NewFS creates the blob directory if needed and returns a filesystem store.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &FS{dir: dir}, nil
}

// Put writes data and returns its content-addressed ref. Writing an already
// present blob is a no-op with the same ref.
func (s *FS) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to a temp file then rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("storing blob: %w", err)
	}

	return ref, nil
}

// Get returns the blob bytes for ref, or ErrNotFound.
func (s *FS) Get(_ context.Context, ref string) ([]byte, error) {
	if !refPattern.MatchString(ref) {
		return nil, fmt.Errorf("%w: invalid ref %q", ErrNotFound, ref)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the blob for ref. Deleting a missing blob is not an error.
func (s *FS) Delete(_ context.Context, ref string) error {
	if !refPattern.MatchString(ref) {
		return nil
	}

	err := os.Remove(filepath.Join(s.dir, ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", ref, err)
	}
	return nil
}
