// Package requestlog persists HTTP request logs to the logs database.
package requestlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/database"
)

// Entry is one logged request.
type Entry struct {
	Created   int64   `json:"created"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Status    int     `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	ClientIP  string  `json:"client_ip"`
	UserAgent string  `json:"user_agent,omitempty"`
	UserID    string  `json:"user_id,omitempty"`
}

// Store writes request logs into the _logs table of its own database so log
// traffic never contends with the main writer.
type Store struct {
	db *database.DB
}

// NewStore creates the _logs table if needed.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	_, err := db.Execute(ctx, `
		CREATE TABLE IF NOT EXISTS _logs (
			id         INTEGER PRIMARY KEY,
			created    INTEGER NOT NULL DEFAULT (unixepoch()),
			method     TEXT NOT NULL,
			path       TEXT NOT NULL,
			status     INTEGER NOT NULL,
			latency_ms REAL NOT NULL,
			client_ip  TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			user_id    TEXT NOT NULL DEFAULT ''
		) STRICT
	`)
	if err != nil {
		return nil, fmt.Errorf("creating _logs table: %w", err)
	}
	if _, err := db.Execute(ctx, `CREATE INDEX IF NOT EXISTS _logs__created_idx ON _logs (created)`); err != nil {
		return nil, fmt.Errorf("indexing _logs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Add persists one entry. Failures only log; request handling never fails
// on log shipping.
func (s *Store) Add(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.Execute(ctx, `
		INSERT INTO _logs (method, path, status, latency_ms, client_ip, user_agent, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Method, entry.Path, entry.Status, entry.LatencyMS, entry.ClientIP, entry.UserAgent, entry.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist request log")
	}
}

// List returns the newest entries up to limit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.Query(ctx, `
		SELECT created, method, path, status, latency_ms, client_ip, user_agent, user_id
		FROM _logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{}
		if n, ok := row["created"].(int64); ok {
			e.Created = n
		}
		e.Method, _ = row["method"].(string)
		e.Path, _ = row["path"].(string)
		if n, ok := row["status"].(int64); ok {
			e.Status = int(n)
		}
		if f, ok := row["latency_ms"].(float64); ok {
			e.LatencyMS = f
		}
		e.ClientIP, _ = row["client_ip"].(string)
		e.UserAgent, _ = row["user_agent"].(string)
		e.UserID, _ = row["user_id"].(string)
		entries = append(entries, e)
	}
	return entries, nil
}
