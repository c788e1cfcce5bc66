// Package archive stores rendered certificate documents durably, keyed by
// certificate number. Backends: local filesystem (default), S3, and GCS.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key does not exist in the archive.
var ErrNotFound = errors.New("archived document not found")

// Archive is the document store contract.
type Archive interface {
	// Put writes data under key. Re-putting the same key overwrites; the
	// dispatcher may retry an archive effect manually.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves the document stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// FSArchive is a filesystem-backed Archive.
type FSArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSArchive creates an archive rooted at baseDir.
func NewFSArchive(baseDir string) (*FSArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FSArchive{baseDir: baseDir}, nil
}

func (a *FSArchive) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("archive: illegal key %q", key)
	}
	return filepath.Join(a.baseDir, clean), nil
}

// Put writes the document atomically: temp file then rename.
func (a *FSArchive) Put(_ context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: ensure key dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: commit %s: %w", key, err)
	}
	return nil
}

func (a *FSArchive) Get(_ context.Context, key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	path, err := a.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

func (a *FSArchive) Exists(_ context.Context, key string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	path, err := a.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}
