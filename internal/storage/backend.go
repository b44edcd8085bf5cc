// Package storage reads and writes file blobs by generated id on a
// filesystem or S3-compatible backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/quarry/internal/config"
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

// Backend stores blobs by opaque key. Keys are generated UUIDs; backends
// never interpret them.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewBackend builds the configured backend, optionally wrapped with
// transparent gzip compression.
func NewBackend(ctx context.Context, cfg config.StorageConfig, defaultPath string) (Backend, error) {
	var backend Backend

	switch cfg.Backend {
	case "", "filesystem":
		path := cfg.Path
		if path == "" {
			path = defaultPath
		}
		if path == "" {
			return nil, fmt.Errorf("%w: filesystem backend requires a path", ErrInvalidConfig)
		}
		backend = NewFilesystemBackend(path)
	case "s3":
		var err error
		backend, err = NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}

	if cfg.Compress {
		backend = NewCompressedBackend(backend)
	}
	return backend, nil
}
