// Package database provides the schema-aware SQLite bridge: a single-writer
// many-reader connection discipline with custom scalar functions registered
// on every connection.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/watzon/quarry/internal/config"
)

// DB wraps one logical SQLite database. All writes serialize through a
// dedicated writer goroutine holding a single connection; reads are served
// from a read-only WAL pool against the same file.
type DB struct {
	path   string
	cfg    config.DatabaseConfig
	write  *sql.DB
	read   *sql.DB
	writer *writer
}

// Open opens (creating if needed) the database at path.
func Open(path string, cfg config.DatabaseConfig) (*DB, error) {
	registerFunctions()

	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	writeDB, err := sql.Open("sqlite", buildDSN(path, cfg, false))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", buildDSN(path, cfg, true))
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	if cfg.ReadPoolSize > 0 {
		readDB.SetMaxOpenConns(cfg.ReadPoolSize)
		readDB.SetMaxIdleConns(cfg.ReadPoolSize)
	}

	db := &DB{
		path:  path,
		cfg:   cfg,
		write: writeDB,
		read:  readDB,
	}

	w, err := newWriter(writeDB, cfg)
	if err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}
	db.writer = w

	return db, nil
}

func buildDSN(path string, cfg config.DatabaseConfig, readonly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	if cfg.CacheSize != 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(%d)", cfg.CacheSize))
	}
	if readonly {
		q.Set("mode", "ro")
	}
	return "file:" + path + "?" + q.Encode()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close shuts down the writer and both handles.
func (db *DB) Close() error {
	db.writer.stop()
	_, _ = db.write.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	rerr := db.read.Close()
	werr := db.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Path returns the on-disk database file path.
func (db *DB) Path() string {
	return db.path
}

// Row is a scanned result row keyed by column name.
type Row map[string]any

// Query runs a read-only statement on the read pool.
func (db *DB) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := db.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer rows.Close()
	return ScanRows(rows)
}

// QueryRow runs a read-only statement expected to yield at most one row.
// Returns sql.ErrNoRows when the result set is empty.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	results, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, sql.ErrNoRows
	}
	return results[0], nil
}

// Prepare compiles a statement on the read pool without executing it.
// Useful for validating user-supplied SQL fragments.
func (db *DB) Prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	return db.read.PrepareContext(ctx, query)
}

// Write submits fn to the writer actor and blocks until it completes. fn
// runs on the single writer connection; work submitted here is executed,
// and thus committed, in submission order.
func (db *DB) Write(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	return db.writer.submit(ctx, fn)
}

// Execute runs a single mutating statement through the writer.
func (db *DB) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		res, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	return res, nil
}

// Transaction runs fn inside a transaction on the writer connection.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.TransactionAnd(ctx, fn, nil)
}

// TransactionAnd runs fn inside a writer transaction, then runs committed
// (if non-nil) after a successful commit while still holding the actor.
// Callbacks therefore observe commits in commit order.
func (db *DB) TransactionAnd(ctx context.Context, fn func(tx *sql.Tx) error, committed func()) error {
	err := db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}

		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %w (original error: %w)", rbErr, err)
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}

		if committed != nil {
			committed()
		}
		return nil
	})
	return ClassifyError(err)
}

// Backup writes a consistent snapshot of the database to destPath.
func (db *DB) Backup(ctx context.Context, destPath string) error {
	if err := ensureDir(destPath); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale backup: %w", err)
	}

	start := time.Now()
	err := db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "VACUUM INTO ?", destPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}

	log.Info().Str("dest", destPath).Dur("took", time.Since(start)).Msg("Database backup written")
	return nil
}

// Optimize runs PRAGMA optimize on the writer connection.
func (db *DB) Optimize(ctx context.Context) error {
	return db.Write(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, "PRAGMA optimize")
		return err
	})
}

// ScanRows reads all rows into Row maps. Blob values stay []byte; the
// record layer decides their wire encoding.
func ScanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return results, nil
}

var ddlPattern = []string{
	"CREATE TABLE", "CREATE VIRTUAL TABLE", "CREATE VIEW", "CREATE INDEX", "CREATE UNIQUE INDEX",
	"ALTER TABLE", "DROP TABLE", "DROP VIEW", "DROP INDEX",
}

// ContainsDDL reports whether the statement batch contains schema-changing
// statements. Used to decide when the schema metadata cache must rebuild.
func ContainsDDL(batch string) bool {
	upper := strings.ToUpper(batch)
	for _, kw := range ddlPattern {
		if strings.Contains(upper, kw) {
			return true
		}
	}
	return false
}

// Now returns the canonical textual timestamp stored by system tables.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
