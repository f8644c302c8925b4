// Package artifacts mirrors acquired kits into long-term storage. Objects are
// content addressed: the key is the lowercase SHA-256 of the archive followed by
// its extension, e.g. "9f86d0...0a08.zip".
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("artifact not found")

// Store is a content-addressed blob store for kit archives.
type Store interface {
	// Put uploads size bytes from r under key. Putting an existing key is a no-op.
	Put(ctx context.Context, key string, r io.ReadSeeker, size int64) error
	// Get opens the object stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key builds the mirror key for a kit with the given digest and extension.
func Key(sha256Hex, ext string) string {
	return strings.ToLower(sha256Hex) + strings.ToLower(ext)
}

// ValidateKey checks that key is a hex SHA-256 digest optionally followed by
// an extension, so it can never escape a prefix or directory.
func ValidateKey(key string) error {
	if len(key) < 64 {
		return fmt.Errorf("invalid artifact key: %q", key)
	}
	if _, err := hex.DecodeString(key[:64]); err != nil {
		return fmt.Errorf("invalid artifact key hex: %w", err)
	}
	ext := key[64:]
	if ext != "" && (ext[0] != '.' || strings.ContainsAny(ext, `/\`) || strings.Contains(ext, "..")) {
		return fmt.Errorf("invalid artifact key extension: %q", ext)
	}
	return nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a mirror rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to ensure mirror dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, key), nil
}

func (s *FileStore) Put(ctx context.Context, key string, r io.ReadSeeker, size int64) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(s.baseDir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create mirror temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write mirror object: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("mirror object %s: wrote %d bytes, expected %d", key, n, size)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit mirror object: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path) //nolint:gosec // key validated as hex digest
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open mirror object: %w", err)
	}
	return f, nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat mirror object: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete mirror object: %w", err)
	}
	return nil
}
