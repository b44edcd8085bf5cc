package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemPutGetDelete(t *testing.T) {
	backend := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "abc123", strings.NewReader("payload")))

	exists, err := backend.Exists(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := backend.Get(ctx, "abc123")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))

	require.NoError(t, backend.Delete(ctx, "abc123"))
	exists, err = backend.Exists(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing blob is idempotent.
	require.NoError(t, backend.Delete(ctx, "abc123"))
}

func TestFilesystemGetMissing(t *testing.T) {
	backend := NewFilesystemBackend(t.TempDir())

	_, err := backend.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	backend := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", "a\\b", "a\x00b", ".."} {
		err := backend.Put(ctx, key, strings.NewReader("x"))
		assert.Error(t, err, "key %q must be rejected", key)
	}
}

func TestCompressedBackendRoundTrip(t *testing.T) {
	backend := NewCompressedBackend(NewFilesystemBackend(t.TempDir()))
	ctx := context.Background()

	payload := strings.Repeat("compress me ", 1000)
	require.NoError(t, backend.Put(ctx, "blob", strings.NewReader(payload)))

	rc, err := backend.Get(ctx, "blob")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, string(data))

	exists, err := backend.Exists(ctx, "blob")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExtractFileIDs(t *testing.T) {
	assert.Equal(t, []string{"a"}, extractFileIDs(`{"id": "a", "filename": "f"}`))
	assert.Equal(t, []string{"a", "b"}, extractFileIDs(`[{"id": "a"}, {"id": "b"}]`))
	assert.Empty(t, extractFileIDs(`"just a string"`))
	assert.Empty(t, extractFileIDs(`{}`))
}
