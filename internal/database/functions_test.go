package database

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7Function(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row, err := db.QueryRow(ctx, "SELECT uuid_v7() AS id, uuid_v7_text() AS text")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	blob, ok := row["id"].([]byte)
	if !ok || len(blob) != 16 {
		t.Fatalf("expected 16-byte blob, got %T %v", row["id"], row["id"])
	}
	parsed, err := uuid.FromBytes(blob)
	if err != nil {
		t.Fatalf("invalid uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("expected version 7, got %d", parsed.Version())
	}

	text, _ := row["text"].(string)
	if _, err := uuid.Parse(text); err != nil {
		t.Errorf("uuid_v7_text returned invalid uuid %q: %v", text, err)
	}
}

func TestParseUUIDRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row, err := db.QueryRow(ctx, "SELECT parse_uuid(uuid_v7_text()) AS id")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	blob, ok := row["id"].([]byte)
	if !ok || len(blob) != 16 {
		t.Fatalf("expected 16-byte blob, got %v", row["id"])
	}

	row, err = db.QueryRow(ctx, "SELECT is_uuid_v7(uuid_v7()) AS ok")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if row["ok"] != int64(1) {
		t.Errorf("is_uuid_v7(uuid_v7()) = %v, want 1", row["ok"])
	}
}

func TestIsEmail(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cases := []struct {
		email any
		want  int64
	}{
		{"user@example.com", 1},
		{"no-at-sign", 0},
		{"a@b", 0},
		{nil, 1},
	}

	for _, tc := range cases {
		row, err := db.QueryRow(ctx, "SELECT is_email(?) AS ok", tc.email)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if row["ok"] != tc.want {
			t.Errorf("is_email(%v) = %v, want %d", tc.email, row["ok"], tc.want)
		}
	}
}

func TestIsJSON(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cases := []struct {
		value any
		want  int64
	}{
		{`{"a": 1}`, 1},
		{`[1, 2, 3]`, 1},
		{`{"a":`, 0},
		{nil, 1},
	}

	for _, tc := range cases {
		row, err := db.QueryRow(ctx, "SELECT is_json(?) AS ok", tc.value)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if row["ok"] != tc.want {
			t.Errorf("is_json(%v) = %v, want %d", tc.value, row["ok"], tc.want)
		}
	}
}

func TestB64RoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row, err := db.QueryRow(ctx, "SELECT b64_parse(b64_text(uuid_v7())) AS id")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	blob, ok := row["id"].([]byte)
	if !ok || len(blob) != 16 {
		t.Errorf("b64 round trip lost the blob: %v", row["id"])
	}
}

func TestHashPasswordFunction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row, err := db.QueryRow(ctx, "SELECT hash_password('secret123') AS hash")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	hash, _ := row["hash"].(string)
	if len(hash) == 0 || hash[0] != '$' {
		t.Errorf("expected PHC-format hash, got %q", hash)
	}
}

func TestJSONSchemaCheckConstraint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `
		CREATE TABLE docs (
			id   INTEGER PRIMARY KEY,
			file TEXT CHECK (jsonschema(file, 'std.FileUpload'))
		)
	`)
	if err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	if _, err := db.Execute(ctx, `INSERT INTO docs (id, file) VALUES (1, '{"id": "abc"}')`); err != nil {
		t.Fatalf("valid insert rejected: %v", err)
	}

	_, err = db.Execute(ctx, `INSERT INTO docs (id, file) VALUES (2, '{"filename": "no-id"}')`)
	if err == nil {
		t.Fatal("insert violating schema should fail")
	}

	// NULL passes the check.
	if _, err := db.Execute(ctx, `INSERT INTO docs (id, file) VALUES (3, NULL)`); err != nil {
		t.Fatalf("NULL insert rejected: %v", err)
	}
}

func TestGeoIPCountryWithoutDatabase(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	row, err := db.QueryRow(ctx, "SELECT geoip_country('8.8.8.8') AS country")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if row["country"] != nil {
		t.Errorf("expected NULL without a loaded database, got %v", row["country"])
	}
}
