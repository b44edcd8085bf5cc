// Package migrations applies versioned SQL migrations and records admin DDL
// as new migration files.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

//go:embed sql/*.sql
var systemFS embed.FS

var filenamePattern = regexp.MustCompile(`^U(\d+)__([A-Za-z0-9_-]+)\.sql$`)

// Migration is one versioned SQL file, system or user supplied.
type Migration struct {
	Version  int64
	Name     string
	Content  string
	Checksum string
}

// Filename renders the canonical on-disk name.
func (m *Migration) Filename() string {
	return fmt.Sprintf("U%d__%s.sql", m.Version, m.Name)
}

// Parse extracts version and name from a migration filename.
func Parse(filename string) (version int64, name string, ok bool) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	v, err := parseInt(matches[1])
	if err != nil {
		return 0, "", false
	}
	return v, matches[2], true
}

func parseInt(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// Checksum is the hex SHA-256 of a migration's content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Run union-merges the embedded system migrations with *.sql files in dir
// (which may be empty), sorts by version, and applies each at most once
// through the _schema_history table. Two files at the same version with
// different names or checksums refuse to load.
func Run(ctx context.Context, db *database.DB, dir string) error {
	merged, err := collect(dir)
	if err != nil {
		return err
	}

	return db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := ensureHistoryTable(ctx, conn); err != nil {
			return fmt.Errorf("ensuring _schema_history: %w", err)
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return fmt.Errorf("reading _schema_history: %w", err)
		}

		for _, m := range merged {
			if prior, ok := applied[m.Version]; ok {
				if prior.name != m.Name || prior.checksum != m.Checksum {
					return fmt.Errorf("migration %d diverges from applied history (%q vs %q)", m.Version, m.Name, prior.name)
				}
				continue
			}

			if err := apply(ctx, conn, m); err != nil {
				return fmt.Errorf("applying migration %s: %w", m.Filename(), err)
			}
			log.Info().Str("migration", m.Filename()).Msg("Applied migration")
		}
		return nil
	})
}

// ApplyOne applies a single already-persisted migration file. Used by the
// recorder after writing a new file.
func ApplyOne(ctx context.Context, db *database.DB, m *Migration) error {
	return db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := ensureHistoryTable(ctx, conn); err != nil {
			return err
		}
		return apply(ctx, conn, *m)
	})
}

func collect(dir string) ([]Migration, error) {
	byVersion := make(map[int64]Migration)

	addAll := func(files map[string]string) error {
		for filename, content := range files {
			version, name, ok := Parse(filename)
			if !ok {
				return fmt.Errorf("invalid migration filename %q", filename)
			}
			m := Migration{Version: version, Name: name, Content: content, Checksum: Checksum(content)}
			if prior, exists := byVersion[version]; exists {
				if prior.Name != m.Name || prior.Checksum != m.Checksum {
					return fmt.Errorf("conflicting migrations at version %d: %q and %q", version, prior.Name, m.Name)
				}
				continue
			}
			byVersion[version] = m
		}
		return nil
	}

	system, err := readEmbedded()
	if err != nil {
		return nil, err
	}
	if err := addAll(system); err != nil {
		return nil, err
	}

	if dir != "" {
		user, err := readDir(dir)
		if err != nil {
			return nil, err
		}
		if err := addAll(user); err != nil {
			return nil, err
		}
	}

	merged := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Version < merged[j].Version })
	return merged, nil
}

func readEmbedded() (map[string]string, error) {
	entries, err := fs.ReadDir(systemFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(systemFS, "sql/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = string(content)
	}
	return files, nil
}

func readDir(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	files := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = string(content)
	}
	return files, nil
}

type historyRow struct {
	name     string
	checksum string
}

func ensureHistoryTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _schema_history (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_on TEXT NOT NULL,
			checksum   TEXT NOT NULL
		) STRICT
	`)
	return err
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]historyRow, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum FROM _schema_history`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]historyRow)
	for rows.Next() {
		var version int64
		var h historyRow
		if err := rows.Scan(&version, &h.name, &h.checksum); err != nil {
			return nil, err
		}
		applied[version] = h
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, conn *sql.Conn, m Migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range SplitStatements(m.Content) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing statement: %w\nSQL: %s", err, truncate(stmt, 120))
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _schema_history (version, name, applied_on, checksum) VALUES (?, ?, ?, ?)
	`, m.Version, m.Name, database.Now(), m.Checksum); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

// SplitStatements splits SQL content into statements, respecting semicolons
// inside string literals and line comments.
func SplitStatements(content string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)
	inComment := false

	runes := []rune(content)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if inComment {
			current.WriteRune(ch)
			if ch == '\n' {
				inComment = false
			}
			continue
		}

		if !inString && ch == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			inComment = true
			current.WriteRune(ch)
			continue
		}

		if ch == '\'' || ch == '"' {
			if !inString {
				inString = true
				stringChar = ch
			} else if ch == stringChar {
				inString = false
			}
		}

		if ch == ';' && !inString {
			if stmt := cleanStatement(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteRune(ch)
	}

	if stmt := cleanStatement(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func cleanStatement(s string) string {
	s = strings.TrimSpace(s)
	// A fragment that is nothing but comment lines is not a statement.
	allComments := true
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			allComments = false
			break
		}
	}
	if allComments {
		return ""
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
