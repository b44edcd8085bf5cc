package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/watzon/quarry/internal/database"
)

// Sessions manages _session rows: one row per active refresh token.
type Sessions struct {
	db *database.DB
}

func NewSessions(db *database.DB) *Sessions {
	return &Sessions{db: db}
}

// Create mints an opaque refresh token bound to the user.
func (s *Sessions) Create(ctx context.Context, userID []byte) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", err
	}

	_, err = s.db.Execute(ctx, `
		INSERT INTO _session (user_id, refresh_token) VALUES (?, ?)
	`, userID, token)
	if err != nil {
		return "", err
	}
	return token, nil
}

// Resolve returns the user id owning a refresh token, rejecting tokens
// older than ttl.
func (s *Sessions) Resolve(ctx context.Context, refreshToken string, ttl time.Duration) ([]byte, error) {
	row, err := s.db.QueryRow(ctx, `
		SELECT user_id, updated FROM _session WHERE refresh_token = ?
	`, refreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	updated, _ := row["updated"].(int64)
	if ttl > 0 && time.Since(time.Unix(updated, 0)) > ttl {
		return nil, ErrUnauthorized
	}

	userID, ok := row["user_id"].([]byte)
	if !ok {
		return nil, ErrUnauthorized
	}
	return userID, nil
}

// Touch bumps the session's updated timestamp. Called on refresh: the
// access token rotates, the refresh token stays.
func (s *Sessions) Touch(ctx context.Context, refreshToken string) error {
	_, err := s.db.Execute(ctx, `
		UPDATE _session SET updated = unixepoch() WHERE refresh_token = ?
	`, refreshToken)
	return err
}

// Drop removes one session.
func (s *Sessions) Drop(ctx context.Context, refreshToken string) error {
	_, err := s.db.Execute(ctx, `DELETE FROM _session WHERE refresh_token = ?`, refreshToken)
	return err
}

// DropAllForUser removes every session for a user.
func (s *Sessions) DropAllForUser(ctx context.Context, userID []byte) error {
	_, err := s.db.Execute(ctx, `DELETE FROM _session WHERE user_id = ?`, userID)
	return err
}

// DeleteExpired removes sessions older than ttl. Run by the session
// janitor job.
func (s *Sessions) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	result, err := s.db.Execute(ctx, `DELETE FROM _session WHERE updated < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
