package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressedBackend gzips blobs on the way in and transparently inflates on
// the way out. Delete and Exists pass through untouched.
type CompressedBackend struct {
	inner Backend
}

func NewCompressedBackend(inner Backend) *CompressedBackend {
	return &CompressedBackend{inner: inner}
}

func (c *CompressedBackend) Put(ctx context.Context, key string, r io.Reader) error {
	pr, pw := io.Pipe()

	go func() {
		gz, err := gzip.NewWriterLevel(pw, gzip.BestSpeed)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(gz, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := gz.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	return c.inner.Put(ctx, key, pr)
}

func (c *CompressedBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	raw, err := c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("inflating blob: %w", err)
	}

	return &gzipReadCloser{gz: gz, raw: raw}, nil
}

func (c *CompressedBackend) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *CompressedBackend) Exists(ctx context.Context, key string) (bool, error) {
	return c.inner.Exists(ctx, key)
}

type gzipReadCloser struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gz.Read(p)
}

func (g *gzipReadCloser) Close() error {
	gerr := g.gz.Close()
	rerr := g.raw.Close()
	if gerr != nil {
		return gerr
	}
	return rerr
}
