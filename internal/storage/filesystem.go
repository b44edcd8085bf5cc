package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend stores blobs under {basePath}/{key[0:2]}/{key}. The
// two-character shard keeps directory listings bounded.
type FilesystemBackend struct {
	basePath string
}

func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{basePath: basePath}
}

// buildPath validates the key and returns the blob's full path. Keys are
// generated ids; anything that could traverse out of the base rejects.
func (f *FilesystemBackend) buildPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\\x00") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}

	shard := key
	if len(shard) > 2 {
		shard = key[:2]
	}
	return filepath.Join(f.basePath, shard, key), nil
}

func (f *FilesystemBackend) Put(ctx context.Context, key string, r io.Reader) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	// Write to a temp name and rename so readers never see partial blobs.
	tmp := fullPath + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}

	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing file: %w", err)
	}

	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes the blob; missing blobs are not an error.
func (f *FilesystemBackend) Delete(ctx context.Context, key string) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking file: %w", err)
	}
	return true, nil
}
