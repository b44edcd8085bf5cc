package records

import (
	"bytes"
	"context"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/storage"
)

// multipartFormWithFile builds a parsed multipart form carrying one small
// file part under the given field name.
func multipartFormWithFile(t *testing.T, field string) *multipart.Form {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, "note.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(&buf, writer.Boundary())
	form, err := reader.ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form
}

var docsDDL = []string{`
	CREATE TABLE docs (
		id         INTEGER PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		attachment TEXT CHECK (jsonschema(attachment, 'std.FileUpload'))
	)`,
}

func docsAPI() config.RecordAPIConfig {
	return config.RecordAPIConfig{
		Name:      "docs",
		TableName: "docs",
		ACLWorld:  []string{"create", "read", "update", "delete"},
	}
}

func TestCreateWithFileColumn(t *testing.T) {
	f := newFixture(t, docsDDL, []config.RecordAPIConfig{docsAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("docs")
	form := multipartFormWithFile(t, "attachment")

	id, cerr := f.service.Create(ctx, api, anonymous(), map[string]any{"title": "t"}, form)
	require.Nil(t, cerr)

	upload, rerr := f.service.ReadFile(ctx, api, anonymous(), id, "attachment", "")
	require.Nil(t, rerr)
	assert.Equal(t, "note.txt", upload.Filename)
	assert.NotEmpty(t, upload.ID)

	blob, oerr := f.service.OpenFile(ctx, upload)
	require.Nil(t, oerr)
	defer blob.Close()

	var content bytes.Buffer
	_, err := content.ReadFrom(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content.String())
}

func TestDeleteEnqueuesFileDeletion(t *testing.T) {
	f := newFixture(t, docsDDL, []config.RecordAPIConfig{docsAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("docs")
	form := multipartFormWithFile(t, "attachment")

	id, cerr := f.service.Create(ctx, api, anonymous(), nil, form)
	require.Nil(t, cerr)

	upload, rerr := f.service.ReadFile(ctx, api, anonymous(), id, "attachment", "")
	require.Nil(t, rerr)

	require.Nil(t, f.service.Delete(ctx, api, anonymous(), id))

	rows, err := f.db.Query(ctx, `SELECT table_name, column_name, json FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "docs", rows[0]["table_name"])
	assert.Equal(t, "attachment", rows[0]["column_name"])
	assert.Contains(t, asJSONText(rows[0]["json"]), upload.ID)
}

func TestUpdateEnqueuesPriorFileValue(t *testing.T) {
	f := newFixture(t, docsDDL, []config.RecordAPIConfig{docsAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("docs")

	id, cerr := f.service.Create(ctx, api, anonymous(), nil, multipartFormWithFile(t, "attachment"))
	require.Nil(t, cerr)

	first, _ := f.service.ReadFile(ctx, api, anonymous(), id, "attachment", "")

	require.Nil(t, f.service.Update(ctx, api, anonymous(), id, nil, multipartFormWithFile(t, "attachment")))

	rows, err := f.db.Query(ctx, `SELECT json FROM _file_deletions`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, asJSONText(rows[0]["json"]), first.ID)

	// The column now points at the replacement blob.
	second, rerr := f.service.ReadFile(ctx, api, anonymous(), id, "attachment", "")
	require.Nil(t, rerr)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDeletionWorkerDrainsQueue(t *testing.T) {
	f := newFixture(t, docsDDL, []config.RecordAPIConfig{docsAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("docs")

	id, cerr := f.service.Create(ctx, api, anonymous(), nil, multipartFormWithFile(t, "attachment"))
	require.Nil(t, cerr)
	upload, _ := f.service.ReadFile(ctx, api, anonymous(), id, "attachment", "")
	require.Nil(t, f.service.Delete(ctx, api, anonymous(), id))

	worker := storage.NewDeletionWorker(f.db, f.service.backend, 0)
	deleted, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	exists, err := f.service.backend.Exists(ctx, upload.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	rows, err := f.db.Query(ctx, `SELECT id FROM _file_deletions`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInferMime(t *testing.T) {
	assert.Equal(t, "text/plain", inferMime("a.txt", ""))
	assert.Equal(t, "application/json", inferMime("data.json", "text/plain"))
	assert.Equal(t, "image/png", inferMime("noext", "image/png"))
	assert.Equal(t, "", inferMime("noext", ""))
}
