package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/watzon/quarry/internal/database"
)

// Store reads and writes _user rows.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, password_hash, verified, admin, created, updated,
	email_verification_code, email_verification_code_sent_at, pending_email,
	password_reset_code, password_reset_code_sent_at,
	authorization_code, authorization_code_sent_at, pkce_code_challenge,
	otp_code, otp_sent_at, provider_id, provider_user_id`

func scanUser(row database.Row) *User {
	u := &User{}
	if b, ok := row["id"].([]byte); ok {
		u.ID = b
	}
	u.Email = asText(row["email"])
	u.PasswordHash = asText(row["password_hash"])
	u.Verified = asInt(row["verified"]) != 0
	u.Admin = asInt(row["admin"]) != 0
	u.Created = asInt(row["created"])
	u.Updated = asInt(row["updated"])
	u.EmailVerificationCode = asText(row["email_verification_code"])
	u.EmailVerificationCodeSentAt = asInt(row["email_verification_code_sent_at"])
	u.PendingEmail = asText(row["pending_email"])
	u.PasswordResetCode = asText(row["password_reset_code"])
	u.PasswordResetCodeSentAt = asInt(row["password_reset_code_sent_at"])
	u.AuthorizationCode = asText(row["authorization_code"])
	u.AuthorizationCodeSentAt = asInt(row["authorization_code_sent_at"])
	u.PKCECodeChallenge = asText(row["pkce_code_challenge"])
	u.OTPCode = asText(row["otp_code"])
	u.OTPSentAt = asInt(row["otp_sent_at"])
	u.ProviderID = asInt(row["provider_id"])
	u.ProviderUserID = asText(row["provider_user_id"])
	return u
}

func (s *Store) ByEmail(ctx context.Context, email string) (*User, error) {
	row, err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM _user WHERE email = ?`, userColumns), email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return scanUser(row), nil
}

func (s *Store) ByID(ctx context.Context, id []byte) (*User, error) {
	row, err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM _user WHERE id = ?`, userColumns), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return scanUser(row), nil
}

func (s *Store) ByProvider(ctx context.Context, providerID int64, providerUserID string) (*User, error) {
	row, err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM _user WHERE provider_id = ? AND provider_user_id = ?`, userColumns),
		providerID, providerUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return scanUser(row), nil
}

func (s *Store) ByAuthorizationCode(ctx context.Context, code string) (*User, error) {
	row, err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM _user WHERE authorization_code = ?`, userColumns), code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return scanUser(row), nil
}

// Create inserts a user with the given pre-hashed password. The id is
// generated with uuid_v7() up front and inserted explicitly.
func (s *Store) Create(ctx context.Context, email, passwordHash string, verified bool) (*User, error) {
	row, err := s.db.QueryRow(ctx, `SELECT uuid_v7() AS id`)
	if err != nil {
		return nil, err
	}
	id, _ := row["id"].([]byte)

	_, err = s.db.Execute(ctx, `
		INSERT INTO _user (id, email, password_hash, verified) VALUES (?, ?, ?, ?)
	`, id, email, passwordHash, boolInt(verified))
	if err != nil {
		if database.IsConstraintError(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return s.ByID(ctx, id)
}

// CreateFromProvider upserts an OAuth-provisioned user keyed by the
// provider pair.
func (s *Store) CreateFromProvider(ctx context.Context, email string, verified bool, providerID int64, providerUserID string) (*User, error) {
	existing, err := s.ByProvider(ctx, providerID, providerUserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row, err := s.db.QueryRow(ctx, `SELECT uuid_v7() AS id`)
	if err != nil {
		return nil, err
	}
	id, _ := row["id"].([]byte)

	_, err = s.db.Execute(ctx, `
		INSERT INTO _user (id, email, verified, provider_id, provider_user_id)
		VALUES (?, ?, ?, ?, ?)
	`, id, email, boolInt(verified), providerID, providerUserID)
	if err != nil {
		if database.IsConstraintError(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return s.ByID(ctx, id)
}

// Update applies named column changes to a user row and bumps updated.
func (s *Store) Update(ctx context.Context, id []byte, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}

	setSQL := "updated = unixepoch()"
	args := make([]any, 0, len(changes)+1)
	for _, col := range userUpdateColumns {
		if v, ok := changes[col]; ok {
			setSQL += fmt.Sprintf(", %s = ?", col)
			args = append(args, v)
		}
	}
	args = append(args, id)

	result, err := s.db.Execute(ctx, fmt.Sprintf(`UPDATE _user SET %s WHERE id = ?`, setSQL), args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// userUpdateColumns whitelists which _user columns Update may touch, in a
// fixed order so generated SQL is deterministic.
var userUpdateColumns = []string{
	"email", "password_hash", "verified", "admin",
	"email_verification_code", "email_verification_code_sent_at", "pending_email",
	"password_reset_code", "password_reset_code_sent_at",
	"authorization_code", "authorization_code_sent_at", "pkce_code_challenge",
	"otp_code", "otp_sent_at",
}

// Delete removes the user; sessions and avatar rows cascade.
func (s *Store) Delete(ctx context.Context, id []byte) error {
	result, err := s.db.Execute(ctx, `DELETE FROM _user WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List pages through users for the admin API.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM _user ORDER BY created DESC LIMIT ? OFFSET ?`, userColumns),
		limit, offset)
	if err != nil {
		return nil, err
	}

	users := make([]*User, 0, len(rows))
	for _, row := range rows {
		users = append(users, scanUser(row))
	}
	return users, nil
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func asInt(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
