package schema

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), config.DatabaseConfig{
		BusyTimeout:  5 * time.Second,
		ReadPoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCacheIntegerPK(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `
		CREATE TABLE articles (
			id        INTEGER PRIMARY KEY,
			title     TEXT NOT NULL,
			published INTEGER NOT NULL DEFAULT FALSE
		)
	`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	table, ok := cache.Get().Table("articles")
	if !ok {
		t.Fatal("articles missing from cache")
	}
	if table.RecordPK != "id" || table.RecordPKKind != PKInteger {
		t.Errorf("expected INTEGER record pk, got %q kind %d", table.RecordPK, table.RecordPKKind)
	}

	title, ok := table.Column("title")
	if !ok || !title.NotNull {
		t.Errorf("title should be NOT NULL")
	}
}

func TestCacheUUIDv7PK(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `
		CREATE TABLE events (
			id   BLOB PRIMARY KEY CHECK (is_uuid_v7(id)) DEFAULT (uuid_v7()),
			kind TEXT NOT NULL
		)
	`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	table, _ := cache.Get().Table("events")
	if table.RecordPKKind != PKUUIDv7 {
		t.Errorf("expected UUIDv7 record pk, got %d", table.RecordPKKind)
	}
}

func TestCacheTextPKNotRecordAddressable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	table, _ := cache.Get().Table("kv")
	if table.RecordPKKind != PKNone {
		t.Errorf("TEXT pk must not be record addressable")
	}
}

func TestCacheForeignKeysAndUserColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `
		CREATE TABLE _user (id BLOB PRIMARY KEY CHECK (is_uuid_v7(id)) DEFAULT (uuid_v7()))
	`); err != nil {
		t.Fatalf("create _user failed: %v", err)
	}
	if _, err := db.Execute(ctx, `
		CREATE TABLE messages (
			id     INTEGER PRIMARY KEY,
			_owner BLOB NOT NULL REFERENCES _user(id),
			body   TEXT
		)
	`); err != nil {
		t.Fatalf("create messages failed: %v", err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	table, _ := cache.Get().Table("messages")
	owner, ok := table.Column("_owner")
	if !ok || owner.ForeignKey == nil {
		t.Fatal("expected FK on _owner")
	}
	if owner.ForeignKey.Table != "_user" || owner.ForeignKey.Column != "id" {
		t.Errorf("unexpected FK target %+v", owner.ForeignKey)
	}

	userCols := table.UserIDColumns()
	if len(userCols) != 1 || userCols[0] != "_owner" {
		t.Errorf("expected [_owner], got %v", userCols)
	}
}

func TestCacheFileColumns(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `
		CREATE TABLE docs (
			id          INTEGER PRIMARY KEY,
			attachment  TEXT CHECK (jsonschema(attachment, 'std.FileUpload')),
			attachments TEXT CHECK (jsonschema(attachments, 'std.FileUploads'))
		)
	`); err != nil {
		t.Fatalf("create docs failed: %v", err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	table, _ := cache.Get().Table("docs")
	if !table.HasFileColumns {
		t.Fatal("expected file columns")
	}

	single, _ := table.Column("attachment")
	if single.File != FileSingle || single.JSONSchema != "std.FileUpload" {
		t.Errorf("attachment misclassified: %+v", single)
	}
	list, _ := table.Column("attachments")
	if list.File != FileList {
		t.Errorf("attachments misclassified: %+v", list)
	}
}

func TestCacheRebuildAfterDDL(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}
	if _, ok := cache.Get().Table("later"); ok {
		t.Fatal("table should not exist yet")
	}

	if _, err := db.Execute(ctx, `CREATE TABLE later (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	// The old snapshot is unaffected until a rebuild swaps the pointer.
	if _, ok := cache.Get().Table("later"); ok {
		t.Fatal("snapshot mutated without rebuild")
	}
	if err := cache.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if _, ok := cache.Get().Table("later"); !ok {
		t.Fatal("rebuild missed the new table")
	}
}

func TestViews(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `CREATE TABLE base (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Execute(ctx, `CREATE VIEW named AS SELECT id, name FROM base`); err != nil {
		t.Fatal(err)
	}

	cache, err := NewCache(ctx, db)
	if err != nil {
		t.Fatalf("building cache: %v", err)
	}

	view, ok := cache.Get().Table("named")
	if !ok || !view.IsView {
		t.Fatal("view missing from cache")
	}
	if len(view.Columns) != 2 {
		t.Errorf("expected 2 view columns, got %d", len(view.Columns))
	}
}
