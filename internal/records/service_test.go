package records

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
	"github.com/watzon/quarry/internal/realtime"
	"github.com/watzon/quarry/internal/rules"
	"github.com/watzon/quarry/internal/schema"
	"github.com/watzon/quarry/internal/storage"
)

type fixture struct {
	db      *database.DB
	cache   *schema.Cache
	service *Service
	broker  *realtime.Broker
}

func newFixture(t *testing.T, ddl []string, apis []config.RecordAPIConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"), config.DatabaseConfig{
		BusyTimeout:  5 * time.Second,
		ReadPoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Run(ctx, db, ""))
	for _, stmt := range ddl {
		_, err := db.Execute(ctx, stmt)
		require.NoError(t, err)
	}

	cache, err := schema.NewCache(ctx, db)
	require.NoError(t, err)

	broker := realtime.NewBroker(realtime.DefaultBufferSize)
	t.Cleanup(broker.Close)

	backend := storage.NewFilesystemBackend(filepath.Join(dir, "uploads"))
	service := NewService(db, cache, rules.NewEngine(db), broker, backend)
	require.NoError(t, service.Reload(ctx, apis))

	return &fixture{db: db, cache: cache, service: service, broker: broker}
}

func anonymous() *Caller {
	return &Caller{}
}

func asUser(id []byte) *Caller {
	return &Caller{User: &rules.UserContext{ID: id, Email: "u@example.com", Verified: true}}
}

var articlesDDL = []string{`
	CREATE TABLE articles (
		id        INTEGER PRIMARY KEY,
		title     TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT FALSE
	)`,
}

func articlesAPI() config.RecordAPIConfig {
	return config.RecordAPIConfig{
		Name:      "articles",
		TableName: "articles",
		ACLWorld:  []string{"read"},
		ReadRule:  "_ROW_.published = TRUE",
	}
}

func TestAnonymousListFiltersByReadRule(t *testing.T) {
	f := newFixture(t, articlesDDL, []config.RecordAPIConfig{articlesAPI()})
	ctx := context.Background()

	_, err := f.db.Execute(ctx, `INSERT INTO articles (id, title, published) VALUES (1, 'yes', TRUE), (2, 'no', FALSE)`)
	require.NoError(t, err)

	api, aerr := f.service.Lookup("articles")
	require.Nil(t, aerr)

	result, lerr := f.service.List(ctx, api, anonymous(), url.Values{})
	require.Nil(t, lerr)

	require.Len(t, result.Records, 1)
	assert.Equal(t, int64(1), result.Records[0]["id"])
	assert.Equal(t, int64(1), result.TotalCount)
}

func TestReadDeniedByRule(t *testing.T) {
	f := newFixture(t, articlesDDL, []config.RecordAPIConfig{articlesAPI()})
	ctx := context.Background()

	_, err := f.db.Execute(ctx, `INSERT INTO articles (id, title, published) VALUES (1, 'yes', TRUE), (2, 'no', FALSE)`)
	require.NoError(t, err)

	api, _ := f.service.Lookup("articles")

	row, rerr := f.service.Read(ctx, api, anonymous(), "1", nil)
	require.Nil(t, rerr)
	assert.Equal(t, "yes", row["title"])

	_, rerr = f.service.Read(ctx, api, anonymous(), "2", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, KindForbidden, rerr.Kind)
}

func TestCreateDeniedByACL(t *testing.T) {
	f := newFixture(t, articlesDDL, []config.RecordAPIConfig{articlesAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("articles")
	_, cerr := f.service.Create(ctx, api, anonymous(), map[string]any{"title": "x"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, KindForbidden, cerr.Kind)
}

func TestCreateWithAutofill(t *testing.T) {
	ddl := []string{`
		CREATE TABLE messages (
			id     INTEGER PRIMARY KEY,
			_owner BLOB NOT NULL REFERENCES _user(id),
			body   TEXT NOT NULL
		)`,
	}
	apis := []config.RecordAPIConfig{{
		Name:                         "messages",
		TableName:                    "messages",
		ACLAuthenticated:             []string{"create", "read"},
		AutofillMissingUserIDColumns: true,
	}}
	f := newFixture(t, ddl, apis)
	ctx := context.Background()

	// A real user row so the FK holds.
	_, err := f.db.Execute(ctx, `INSERT INTO _user (email) VALUES ('u@example.com')`)
	require.NoError(t, err)
	row, err := f.db.QueryRow(ctx, `SELECT id FROM _user WHERE email = 'u@example.com'`)
	require.NoError(t, err)
	userID := row["id"].([]byte)

	api, _ := f.service.Lookup("messages")

	id, cerr := f.service.Create(ctx, api, asUser(userID), map[string]any{"body": "hi"}, nil)
	require.Nil(t, cerr)
	require.NotEmpty(t, id)

	stored, err := f.db.QueryRow(ctx, `SELECT _owner FROM messages WHERE id = ?`, 1)
	require.NoError(t, err)
	assert.Equal(t, userID, stored["_owner"])

	// Anonymous callers cannot be autofilled.
	_, cerr = f.service.Create(ctx, api, anonymous(), map[string]any{"body": "hi"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, KindForbidden, cerr.Kind)
}

func TestUpdateAndDelete(t *testing.T) {
	apis := []config.RecordAPIConfig{{
		Name:      "articles",
		TableName: "articles",
		ACLWorld:  []string{"create", "read", "update", "delete"},
	}}
	f := newFixture(t, articlesDDL, apis)
	ctx := context.Background()

	api, _ := f.service.Lookup("articles")

	id, cerr := f.service.Create(ctx, api, anonymous(), map[string]any{"title": "draft"}, nil)
	require.Nil(t, cerr)

	require.Nil(t, f.service.Update(ctx, api, anonymous(), id, map[string]any{"title": "final"}, nil))

	row, rerr := f.service.Read(ctx, api, anonymous(), id, nil)
	require.Nil(t, rerr)
	assert.Equal(t, "final", row["title"])

	require.Nil(t, f.service.Delete(ctx, api, anonymous(), id))

	_, rerr = f.service.Read(ctx, api, anonymous(), id, nil)
	require.NotNil(t, rerr)
	assert.Equal(t, KindRecordNotFound, rerr.Kind)
}

func TestListCursorPagination(t *testing.T) {
	apis := []config.RecordAPIConfig{{
		Name:      "articles",
		TableName: "articles",
		ACLWorld:  []string{"read"},
	}}
	f := newFixture(t, articlesDDL, apis)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.db.Execute(ctx, `INSERT INTO articles (id, title) VALUES (?, 'a')`, i)
		require.NoError(t, err)
	}

	api, _ := f.service.Lookup("articles")

	page1, lerr := f.service.List(ctx, api, anonymous(), url.Values{"limit": {"2"}})
	require.Nil(t, lerr)
	require.Len(t, page1.Records, 2)
	assert.Equal(t, int64(5), page1.Records[0]["id"])
	require.NotEmpty(t, page1.Cursor)

	page2, lerr := f.service.List(ctx, api, anonymous(), url.Values{"limit": {"2"}, "cursor": {page1.Cursor}})
	require.Nil(t, lerr)
	require.Len(t, page2.Records, 2)
	assert.Equal(t, int64(3), page2.Records[0]["id"])

	// Cursor past the last row: empty page, no cursor.
	pastEnd := EncodeCursor(int64(1))
	page3, lerr := f.service.List(ctx, api, anonymous(), url.Values{"cursor": {pastEnd}})
	require.Nil(t, lerr)
	assert.Empty(t, page3.Records)
	assert.Empty(t, page3.Cursor)
}

func TestListFilterAndCursorUnderAccessRule(t *testing.T) {
	// Column names colliding with the _USER_/_REQ_ relations (id, email)
	// must stay resolvable when a read rule cross-joins those relations.
	ddl := []string{`
		CREATE TABLE members (
			id     INTEGER PRIMARY KEY,
			email  TEXT NOT NULL,
			public INTEGER NOT NULL DEFAULT TRUE
		)`,
	}
	apis := []config.RecordAPIConfig{{
		Name:      "members",
		TableName: "members",
		ACLWorld:  []string{"read"},
		ReadRule:  "_ROW_.public = TRUE",
	}}
	f := newFixture(t, ddl, apis)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := f.db.Execute(ctx, `INSERT INTO members (id, email) VALUES (?, ?)`, i, "m@example.com")
		require.NoError(t, err)
	}

	api, _ := f.service.Lookup("members")

	result, lerr := f.service.List(ctx, api, anonymous(), url.Values{
		"filter[email][$eq]": {"m@example.com"},
		"filter[id][$gt]":    {"1"},
	})
	require.Nil(t, lerr)
	assert.Len(t, result.Records, 3)

	page1, lerr := f.service.List(ctx, api, anonymous(), url.Values{"limit": {"2"}})
	require.Nil(t, lerr)
	require.Len(t, page1.Records, 2)
	require.NotEmpty(t, page1.Cursor)

	page2, lerr := f.service.List(ctx, api, anonymous(), url.Values{"limit": {"2"}, "cursor": {page1.Cursor}})
	require.Nil(t, lerr)
	require.Len(t, page2.Records, 2)
	assert.Equal(t, int64(2), page2.Records[0]["id"])
}

func TestExpandForeignKey(t *testing.T) {
	ddl := []string{
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE posts (
			id     INTEGER PRIMARY KEY,
			author INTEGER REFERENCES authors(id),
			title  TEXT NOT NULL
		)`,
	}
	apis := []config.RecordAPIConfig{{
		Name:      "posts",
		TableName: "posts",
		ACLWorld:  []string{"read"},
		Expand:    []string{"author"},
	}}
	f := newFixture(t, ddl, apis)
	ctx := context.Background()

	_, err := f.db.Execute(ctx, `INSERT INTO authors (id, name) VALUES (7, 'ada')`)
	require.NoError(t, err)
	_, err = f.db.Execute(ctx, `INSERT INTO posts (id, author, title) VALUES (1, 7, 'p')`)
	require.NoError(t, err)

	api, _ := f.service.Lookup("posts")

	row, rerr := f.service.Read(ctx, api, anonymous(), "1", []string{"author"})
	require.Nil(t, rerr)

	expanded, ok := row["author"].(map[string]any)
	require.True(t, ok, "author should be expanded, got %T", row["author"])
	assert.Equal(t, "7", expanded["id"])
	data, ok := expanded["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada", data["name"])
}

func TestViewRejectsWrites(t *testing.T) {
	ddl := []string{
		`CREATE TABLE base (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE VIEW base_view AS SELECT id, name FROM base`,
	}
	apis := []config.RecordAPIConfig{{
		Name:      "view_api",
		TableName: "base_view",
		ACLWorld:  []string{"create", "read", "update", "delete"},
	}}
	f := newFixture(t, ddl, apis)
	ctx := context.Background()

	api, _ := f.service.Lookup("view_api")

	_, cerr := f.service.Create(ctx, api, anonymous(), map[string]any{"name": "x"}, nil)
	require.NotNil(t, cerr)
	assert.Equal(t, KindAPIRequiresTable, cerr.Kind)
}

func TestRegistryRejectsUnaddressableTable(t *testing.T) {
	ddl := []string{`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`}
	f := newFixture(t, ddl, nil)
	ctx := context.Background()

	err := f.service.Reload(ctx, []config.RecordAPIConfig{{
		Name:      "kv",
		TableName: "kv",
		ACLWorld:  []string{"read"},
	}})
	require.Error(t, err)
}

func TestSubscribeSeesCommitOrderedEvents(t *testing.T) {
	f := newFixture(t, articlesDDL, []config.RecordAPIConfig{articlesAPI()})
	ctx := context.Background()

	api, _ := f.service.Lookup("articles")

	sub, serr := f.service.Subscribe(ctx, api, anonymous(), "*")
	require.Nil(t, serr)
	defer f.broker.Unsubscribe(sub)

	// The published APIs must route writes through the service so events
	// fire; use an API without rules for the writer side.
	writerAPIs := []config.RecordAPIConfig{articlesAPI(), {
		Name:      "articles_rw",
		TableName: "articles",
		ACLWorld:  []string{"create", "read", "update", "delete"},
	}}
	require.NoError(t, f.service.Reload(ctx, writerAPIs))
	rw, _ := f.service.Lookup("articles_rw")

	idA, cerr := f.service.Create(ctx, rw, anonymous(), map[string]any{"title": "A", "published": true}, nil)
	require.Nil(t, cerr)
	idB, cerr := f.service.Create(ctx, rw, anonymous(), map[string]any{"title": "B", "published": true}, nil)
	require.Nil(t, cerr)

	eventA := mustEvent(t, sub)
	assert.Equal(t, realtime.OpInsert, eventA.Op)
	assert.Equal(t, "A", eventA.Row["title"])

	eventB := mustEvent(t, sub)
	assert.Equal(t, "B", eventB.Row["title"])

	// Updating B so the subscriber's read rule rejects it: the event is
	// dropped, and so is the following delete.
	require.Nil(t, f.service.Update(ctx, rw, anonymous(), idB, map[string]any{"published": false}, nil))
	require.Nil(t, f.service.Delete(ctx, rw, anonymous(), idB))

	// A control write proves the stream is still live and ordered.
	require.Nil(t, f.service.Update(ctx, rw, anonymous(), idA, map[string]any{"title": "A2"}, nil))

	next := mustEvent(t, sub)
	assert.Equal(t, realtime.OpUpdate, next.Op)
	assert.Equal(t, "A2", next.Row["title"])
}

func mustEvent(t *testing.T, sub *realtime.Subscription) realtime.Event {
	t.Helper()
	select {
	case event := <-sub.Events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return realtime.Event{}
	}
}

func TestFileUploadToNonFileColumn(t *testing.T) {
	apis := []config.RecordAPIConfig{{
		Name:      "articles",
		TableName: "articles",
		ACLWorld:  []string{"create", "read"},
	}}
	f := newFixture(t, articlesDDL, apis)

	api, _ := f.service.Lookup("articles")
	_, _, err := f.service.stageFiles(context.Background(), api.Table, multipartFormWithFile(t, "title"))
	require.Error(t, err)
}
