package migrations

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecorderProducesMigrationFile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	recorder := NewRecorder(db, dir)
	m, err := recorder.Record(ctx, "create table t", []string{
		"CREATE TABLE t (a INTEGER PRIMARY KEY)",
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	// The migration file exists and carries the captured DDL.
	content, err := os.ReadFile(filepath.Join(dir, m.Filename()))
	if err != nil {
		t.Fatalf("migration file missing: %v", err)
	}
	if !strings.Contains(string(content), "CREATE TABLE t") {
		t.Errorf("file does not contain the DDL: %s", content)
	}
	if !strings.HasPrefix(m.Filename(), "U") || !strings.Contains(m.Filename(), "__create_table_t") {
		t.Errorf("unexpected filename %q", m.Filename())
	}

	// The DDL was applied through the runner, with a history row.
	if _, err := db.Execute(ctx, "INSERT INTO t (a) VALUES (1)"); err != nil {
		t.Errorf("recorded DDL not applied: %v", err)
	}
	row, err := db.QueryRow(ctx, "SELECT checksum FROM _schema_history WHERE version = ?", m.Version)
	if err != nil {
		t.Fatalf("history row missing: %v", err)
	}
	if row["checksum"] != m.Checksum {
		t.Errorf("history checksum mismatch")
	}
}

func TestRecorderRejectsBadDDLWithoutSideEffects(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	recorder := NewRecorder(db, dir)
	_, err := recorder.Record(ctx, "broken", []string{
		"CREATE TABLE ok (a INTEGER PRIMARY KEY)",
		"CREATE TABLE 123 not sql",
	})
	if err == nil {
		t.Fatal("invalid DDL must fail")
	}

	// The dry run rolled back: the first statement left no trace.
	if _, qerr := db.Query(ctx, "SELECT * FROM ok"); qerr == nil {
		t.Error("rolled-back table must not exist")
	}

	// No migration file was left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected empty migrations dir, found %d entries", len(entries))
	}
}
