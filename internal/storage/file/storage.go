// Package file implements a blob store on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aliskhannn/media-service/internal/storage"
)

// Storage stores blobs under a base directory on the local filesystem.
// Keys are slash-separated paths relative to the base directory.
type Storage struct {
	basePath string
}

// NewStorage creates a Storage rooted at basePath, creating it if needed.
func NewStorage(basePath string) (*Storage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", basePath, err)
	}

	return &Storage{basePath: basePath}, nil
}

// Save writes src to subdir/filename and returns its key.
// Data goes to a temporary file first and is renamed into place,
// so readers never observe a partially written blob.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error) {
	key := path.Join(subdir, filename)
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.basePath, filepath.FromSlash(subdir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, filename)); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit %s: %w", key, err)
	}

	return key, nil
}

// Load opens the blob stored under key.
func (s *Storage) Load(_ context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(s.fullPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}

	return f, nil
}

// Delete removes the blob stored under key. Deleting a missing blob is not an error.
func (s *Storage) Delete(_ context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if err := os.Remove(s.fullPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}

func (s *Storage) fullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}
