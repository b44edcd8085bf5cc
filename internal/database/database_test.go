package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/watzon/quarry/internal/config"
)

func testConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		BusyTimeout:  5 * time.Second,
		CacheSize:    -2000,
		ReadPoolSize: 2,
	}
}

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"), testConfig())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecuteAndQuery(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	if _, err := db.Execute(ctx, "INSERT INTO test (id, name) VALUES (1, 'alice')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	row, err := db.QueryRow(ctx, "SELECT name FROM test WHERE id = ?", 1)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if got := row["name"]; got != "alice" {
		t.Errorf("expected alice, got %v", got)
	}
}

func TestQueryRowNoRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	_, err := db.QueryRow(ctx, "SELECT id FROM test WHERE id = 99")
	if err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	wantErr := context.Canceled
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO test (id) VALUES (1)"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	rows, err := db.Query(ctx, "SELECT id FROM test")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected rollback, found %d rows", len(rows))
	}
}

func TestTransactionAndRunsCallbackInCommitOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		err := db.TransactionAnd(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "INSERT INTO test (id) VALUES (?)", i)
			return err
		}, func() {
			order = append(order, i)
		})
		if err != nil {
			t.Fatalf("transaction %d failed: %v", i, err)
		}
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callbacks out of commit order: %v", order)
	}
}

func TestBackup(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	if _, err := db.Execute(ctx, "INSERT INTO test (id) VALUES (42)"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := db.Backup(ctx, dest); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	restored, err := Open(dest, testConfig())
	if err != nil {
		t.Fatalf("opening backup failed: %v", err)
	}
	defer restored.Close()

	row, err := restored.QueryRow(ctx, "SELECT id FROM test")
	if err != nil {
		t.Fatalf("reading backup failed: %v", err)
	}
	if row["id"] != int64(42) {
		t.Errorf("expected 42, got %v", row["id"])
	}
}

func TestContainsDDL(t *testing.T) {
	cases := []struct {
		batch string
		want  bool
	}{
		{"CREATE TABLE t (a INT)", true},
		{"create view v as select 1", true},
		{"ALTER TABLE t ADD COLUMN b INT", true},
		{"DROP INDEX idx", true},
		{"INSERT INTO t VALUES (1)", false},
		{"SELECT * FROM t", false},
	}

	for _, tc := range cases {
		if got := ContainsDDL(tc.batch); got != tc.want {
			t.Errorf("ContainsDDL(%q) = %v, want %v", tc.batch, got, tc.want)
		}
	}
}
