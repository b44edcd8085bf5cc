package database

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyUniqueViolation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, email TEXT UNIQUE)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}
	if _, err := db.Execute(ctx, "INSERT INTO test (email) VALUES ('a@b.co')"); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	_, err := db.Execute(ctx, "INSERT INTO test (email) VALUES ('a@b.co')")
	if err == nil {
		t.Fatal("duplicate insert should fail")
	}

	ce := AsConstraintError(err)
	if ce == nil {
		t.Fatalf("expected ConstraintError, got %T: %v", err, err)
	}
	if ce.Type != "unique" {
		t.Errorf("expected unique, got %q", ce.Type)
	}
	if !errors.Is(err, ErrUniqueViolation) {
		t.Error("expected errors.Is(err, ErrUniqueViolation)")
	}
}

func TestClassifyNotNull(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, "CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT NOT NULL)"); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	_, err := db.Execute(ctx, "INSERT INTO test (name) VALUES (NULL)")
	ce := AsConstraintError(err)
	if ce == nil || ce.Type != "not_null" {
		t.Fatalf("expected not_null constraint error, got %v", err)
	}
}

func TestClassifyForeignKey(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Execute(ctx, `
		CREATE TABLE parent (id INTEGER PRIMARY KEY);
		`); err != nil {
		t.Fatalf("create parent failed: %v", err)
	}
	if _, err := db.Execute(ctx, `
		CREATE TABLE child (id INTEGER PRIMARY KEY, pid INTEGER REFERENCES parent(id))
		`); err != nil {
		t.Fatalf("create child failed: %v", err)
	}

	_, err := db.Execute(ctx, "INSERT INTO child (pid) VALUES (99)")
	ce := AsConstraintError(err)
	if ce == nil || ce.Type != "foreign_key" {
		t.Fatalf("expected foreign_key constraint error, got %v", err)
	}
}

func TestClassifyPassesThroughOtherErrors(t *testing.T) {
	sentinel := errors.New("disk full")
	if got := ClassifyError(sentinel); got != sentinel {
		t.Errorf("non-constraint error should pass through, got %v", got)
	}
	if ClassifyError(nil) != nil {
		t.Error("nil should stay nil")
	}
}
