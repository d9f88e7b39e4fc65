package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore writes task artifacts to the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store rooted at baseDir.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", abs, err)
	}

	return &LocalStore{
		baseDir: abs,
		prefix:  prefix,
	}, nil
}

func (s *LocalStore) path(ref TaskRef, name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(ref.Path(s.prefix, name)))
}

// EnsureDir creates the task directory, tolerating one that already exists.
// Concurrent tasks for the same star race here, so MkdirAll is required.
func (s *LocalStore) EnsureDir(ctx context.Context, ref TaskRef) error {
	dir := filepath.Join(s.baseDir, filepath.FromSlash(ref.Dir(s.prefix)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// Write stores data atomically using a temp file and rename.
func (s *LocalStore) Write(ctx context.Context, ref TaskRef, name string, data []byte) error {
	path := s.path(ref, name)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close temp file %s: %w", tempPath, err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("chmod %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

// Exists checks if an artifact exists.
func (s *LocalStore) Exists(ctx context.Context, ref TaskRef, name string) (bool, error) {
	_, err := os.Stat(s.path(ref, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// URI returns the file:// URI of an artifact.
func (s *LocalStore) URI(ref TaskRef, name string) string {
	return "file://" + filepath.ToSlash(s.path(ref, name))
}

// Path returns the local filesystem path of an artifact.
func (s *LocalStore) Path(ref TaskRef, name string) string {
	return s.path(ref, name)
}

// Backend returns "local".
func (s *LocalStore) Backend() string { return "local" }

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}
