package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStorage serves packaged assets from a base directory
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates a filesystem reader rooted at baseDir
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: abs,
	}, nil
}

// Path resolves key inside the base directory, rejecting keys that escape it
func (fs *FilesystemStorage) Path(key string) (string, error) {
	path := filepath.Join(fs.baseDir, filepath.FromSlash(key))

	// Security: prevent directory traversal
	rel, err := filepath.Rel(fs.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}

// GetReader returns a reader for the file at the given key
func (fs *FilesystemStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.Path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Exists checks if a file exists at the given key
func (fs *FilesystemStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.Path(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	return !info.IsDir(), nil
}

// GetMetadata returns metadata for the file at the given key
func (fs *FilesystemStorage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	path, err := fs.Path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &Metadata{
		Size: info.Size(),
	}, nil
}
