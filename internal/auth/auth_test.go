package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
	"github.com/watzon/quarry/internal/email"
)

func testService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"), config.DatabaseConfig{
		BusyTimeout:  5 * time.Second,
		ReadPoolSize: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.Run(ctx, db, ""))

	jwtSvc, err := NewJWTService(filepath.Join(dir, "keys"), time.Hour)
	require.NoError(t, err)

	authCfg := &config.AuthConfig{
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AuthCodeTTL:     5 * time.Minute,
		OTPTTL:          10 * time.Minute,
		OTPRateLimit:    time.Minute,
		Password:        config.PasswordConfig{MinLength: 8},
	}

	return NewService(
		NewStore(db),
		NewSessions(db),
		jwtSvc,
		email.NewMailer(config.EmailConfig{}),
		NewOAuthManager(nil),
		func() *config.AuthConfig { return authCfg },
		func() string { return "http://localhost:4000" },
	)
}

func register(t *testing.T, s *Service, emailAddr, password string) *User {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, emailAddr, password, password))
	user, err := s.Store().ByEmail(ctx, emailAddr)
	require.NoError(t, err)
	return user
}

func TestRegisterAndLogin(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "alice@example.com", "sup3r secret")
	assert.False(t, user.Verified)
	assert.NotEmpty(t, user.EmailVerificationCode)

	tokens, err := s.Login(ctx, "alice@example.com", "sup3r secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.CSRFToken)

	claims, err := s.JWT().VerifyAccessToken(tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, tokens.CSRFToken, claims.CSRFToken)

	_, err = s.Login(ctx, "alice@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterIsIdempotentOnExistingEmail(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	register(t, s, "bob@example.com", "password123")
	// A second registration with the same address answers success without
	// creating anything, so probes cannot enumerate accounts.
	require.NoError(t, s.Register(ctx, "bob@example.com", "different pass1", "different pass1"))
}

func TestRegisterValidatesPolicy(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Register(ctx, "x@example.com", "short", "short"), ErrBadRequest)
	assert.ErrorIs(t, s.Register(ctx, "x@example.com", "long enough", "mismatched"), ErrBadRequest)
}

func TestVerifyEmail(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "carol@example.com", "password123")

	require.NoError(t, s.VerifyEmail(ctx, user.EmailVerificationCode))

	verified, err := s.Store().ByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.Empty(t, verified.EmailVerificationCode)

	assert.Error(t, s.VerifyEmail(ctx, "bogus-code"))
}

func TestRefreshRotatesAccessOnly(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "dave@example.com", "password123")
	tokens, err := s.MintTokens(ctx, user)
	require.NoError(t, err)

	before, err := s.Store().db.QueryRow(ctx, `SELECT updated FROM _session WHERE refresh_token = ?`, tokens.RefreshToken)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	refreshed, err := s.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)

	// The refresh token is unchanged; the access token is new and decodes
	// to the same subject with a fresh expiry.
	assert.Equal(t, tokens.RefreshToken, refreshed.RefreshToken)
	assert.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)

	claims, err := s.JWT().VerifyAccessToken(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.True(t, claims.ExpiresAt.After(time.Now()))

	after, err := s.Store().db.QueryRow(ctx, `SELECT updated FROM _session WHERE refresh_token = ?`, tokens.RefreshToken)
	require.NoError(t, err)
	assert.Greater(t, after["updated"], before["updated"])

	_, err = s.Refresh(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogoutDropsSession(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "erin@example.com", "password123")
	tokens, err := s.MintTokens(ctx, user)
	require.NoError(t, err)

	require.NoError(t, s.Logout(ctx, tokens.RefreshToken))
	_, err = s.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOTPFlow(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "fred@example.com", "password123")

	require.NoError(t, s.RequestOTP(ctx, "fred@example.com"))

	// Rate limited inside the window.
	assert.ErrorIs(t, s.RequestOTP(ctx, "fred@example.com"), ErrTooManyRequests)

	stored, err := s.Store().ByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.OTPCode)

	_, err = s.VerifyOTP(ctx, "fred@example.com", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	tokens, err := s.VerifyOTP(ctx, "fred@example.com", stored.OTPCode)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)

	// The code is one-shot and the user is now verified.
	after, _ := s.Store().ByID(ctx, user.ID)
	assert.Empty(t, after.OTPCode)
	assert.True(t, after.Verified)

	_, err = s.VerifyOTP(ctx, "fred@example.com", stored.OTPCode)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPKCEExchange(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "grace@example.com", "password123")

	verifier := "some-high-entropy-verifier-string"
	challenge := DeriveChallenge(verifier)

	code, err := s.IssueAuthorizationCode(ctx, user, challenge)
	require.NoError(t, err)

	// Wrong verifier answers not-found.
	_, err = s.ExchangeAuthorizationCode(ctx, code, "wrong-verifier")
	assert.ErrorIs(t, err, ErrNotFound)

	// The failed attempt did not consume the code; the right verifier
	// succeeds and clears it.
	tokens, err := s.ExchangeAuthorizationCode(ctx, code, verifier)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)

	_, err = s.ExchangeAuthorizationCode(ctx, code, verifier)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "henry@example.com", "password123")

	assert.ErrorIs(t, s.ChangePassword(ctx, user.ID, "wrong", "newpassword1"), ErrUnauthorized)
	require.NoError(t, s.ChangePassword(ctx, user.ID, "password123", "newpassword1"))

	_, err := s.Login(ctx, "henry@example.com", "newpassword1")
	require.NoError(t, err)
}

func TestResetPassword(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "iris@example.com", "password123")
	require.NoError(t, s.RequestPasswordReset(ctx, "iris@example.com"))

	stored, _ := s.Store().ByID(ctx, user.ID)
	require.NotEmpty(t, stored.PasswordResetCode)

	require.NoError(t, s.ResetPassword(ctx, "iris@example.com", stored.PasswordResetCode, "replacement1"))

	_, err := s.Login(ctx, "iris@example.com", "replacement1")
	require.NoError(t, err)
	_, err = s.Login(ctx, "iris@example.com", "password123")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionJanitor(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	user := register(t, s, "old@example.com", "password123")
	tokens, err := s.MintTokens(ctx, user)
	require.NoError(t, err)

	// Age the session behind the TTL.
	_, err = s.Store().db.Execute(ctx, `UPDATE _session SET updated = updated - 999999999 WHERE refresh_token = ?`, tokens.RefreshToken)
	require.NoError(t, err)

	n, err := s.Sessions().DeleteExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Refresh(ctx, tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPKCEChallengeDerivation(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := DeriveChallenge(verifier)

	assert.True(t, VerifyChallenge(verifier, challenge))
	assert.False(t, VerifyChallenge("other", challenge))
}

func TestStateTokenRoundTrip(t *testing.T) {
	s := testService(t)

	signed, err := s.JWT().SignStateToken(map[string]any{"csrf": "abc", "redirect_to": "/done"}, time.Minute)
	require.NoError(t, err)

	claims, err := s.JWT().VerifyStateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "abc", claims["csrf"])
	assert.Equal(t, "/done", claims["redirect_to"])
}
