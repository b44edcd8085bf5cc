// Package auth implements the authentication subsystem: password, OAuth,
// and OTP login flows minting short-lived signed access tokens and
// server-side refresh sessions.
package auth

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("already exists")
	ErrNotFound             = errors.New("not found")
	ErrProviderNotFound     = errors.New("oauth provider not found")
	ErrTooManyRequests      = errors.New("too many requests")
	ErrBadRequest           = errors.New("bad request")
	ErrFailedDependency     = errors.New("upstream dependency failed")
	ErrPasswordAuthDisabled = errors.New("password login is disabled")
)

// User mirrors a _user row.
type User struct {
	ID           []byte
	Email        string
	PasswordHash string
	Verified     bool
	Admin        bool
	Created      int64
	Updated      int64

	EmailVerificationCode       string
	EmailVerificationCodeSentAt int64
	PendingEmail                string
	PasswordResetCode           string
	PasswordResetCodeSentAt     int64
	AuthorizationCode           string
	AuthorizationCodeSentAt     int64
	PKCECodeChallenge           string
	OTPCode                     string
	OTPSentAt                   int64

	ProviderID     int64
	ProviderUserID string
}

// EncodedID is the url-safe base64 form of the user's UUID, the `sub` of
// every minted token.
func (u *User) EncodedID() string {
	return base64.RawURLEncoding.EncodeToString(u.ID)
}

// UUID parses the id blob.
func (u *User) UUID() (uuid.UUID, error) {
	return uuid.FromBytes(u.ID)
}

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    []byte
	Email     string
	Verified  bool
	CSRFToken string
	ExpiresAt time.Time
}

// Tokens is a minted credential pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	CSRFToken    string `json:"csrf_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// DecodeUserID parses a token subject back into the 16-byte user id.
func DecodeUserID(sub string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sub)
	if err != nil || len(raw) != 16 {
		return nil, ErrUnauthorized
	}
	return raw, nil
}
