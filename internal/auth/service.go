package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/email"
)

// Service drives the authentication flows. All state lives in the _user
// and _session tables; the service itself is stateless.
type Service struct {
	store    *Store
	sessions *Sessions
	jwt      *JWTService
	mailer   *email.Mailer
	oauth    *OAuthManager
	cfg      func() *config.AuthConfig
	siteURL  func() string
}

// NewService wires the auth subsystem. cfg and siteURL read from the live
// config snapshot so hot reloads apply without restarting.
func NewService(store *Store, sessions *Sessions, jwt *JWTService, mailer *email.Mailer, oauth *OAuthManager, cfg func() *config.AuthConfig, siteURL func() string) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		jwt:      jwt,
		mailer:   mailer,
		oauth:    oauth,
		cfg:      cfg,
		siteURL:  siteURL,
	}
}

func (s *Service) Store() *Store          { return s.store }
func (s *Service) Sessions() *Sessions    { return s.sessions }
func (s *Service) JWT() *JWTService       { return s.jwt }
func (s *Service) OAuth() *OAuthManager   { return s.oauth }
func (s *Service) Config() *config.AuthConfig { return s.cfg() }

// MintTokens issues an access token and a fresh refresh session.
func (s *Service) MintTokens(ctx context.Context, user *User) (*Tokens, error) {
	access, csrf, expiresAt, err := s.jwt.MintAccessToken(user)
	if err != nil {
		return nil, err
	}

	refresh, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		CSRFToken:    csrf,
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// Login validates credentials and mints tokens.
func (s *Service) Login(ctx context.Context, emailAddr, password string) (*Tokens, error) {
	if s.cfg().DisablePasswordAuth {
		return nil, ErrPasswordAuthDisabled
	}

	user, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if user.PasswordHash == "" {
		return nil, ErrUnauthorized
	}
	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, ErrUnauthorized
	}

	return s.MintTokens(ctx, user)
}

// Register creates an unverified user and sends the verification code. The
// flow is idempotent on an existing email to avoid account enumeration: the
// response is identical, only no user is created.
func (s *Service) Register(ctx context.Context, emailAddr, password, passwordRepeat string) error {
	if s.cfg().DisablePasswordAuth {
		return ErrPasswordAuthDisabled
	}
	if password != passwordRepeat {
		return fmt.Errorf("%w: %v", ErrBadRequest, ErrPasswordMismatch)
	}
	if err := ValidatePassword(password, s.cfg().Password); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	user, err := s.store.Create(ctx, emailAddr, hash, false)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			log.Debug().Msg("Registration for existing email, answering as success")
			return nil
		}
		return err
	}

	return s.sendEmailVerification(ctx, user)
}

func (s *Service) sendEmailVerification(ctx context.Context, user *User) error {
	code, err := randomToken(24)
	if err != nil {
		return err
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"email_verification_code":         code,
		"email_verification_code_sent_at": time.Now().Unix(),
	}); err != nil {
		return err
	}

	link := fmt.Sprintf("%s/api/auth/v1/verify_email/%s", s.siteURL(), code)
	if err := s.mailer.Send(user.Email, "Verify your email address",
		"Follow this link to verify your email address:\n\n"+link+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedDependency, err)
	}
	return nil
}

const verificationCodeTTL = 24 * time.Hour

// VerifyEmail marks the user verified if the code matches and is fresh. It
// also commits a pending email-change if one is staged.
func (s *Service) VerifyEmail(ctx context.Context, code string) error {
	if code == "" {
		return ErrBadRequest
	}

	row, err := s.store.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM _user WHERE email_verification_code = ?`, userColumns), code)
	if err != nil {
		return ErrNotFound
	}
	user := scanUser(row)

	if time.Since(time.Unix(user.EmailVerificationCodeSentAt, 0)) > verificationCodeTTL {
		return ErrNotFound
	}

	changes := map[string]any{
		"verified":                        1,
		"email_verification_code":         nil,
		"email_verification_code_sent_at": nil,
	}
	if user.PendingEmail != "" {
		changes["email"] = user.PendingEmail
		changes["pending_email"] = nil
	}
	return s.store.Update(ctx, user.ID, changes)
}

// RequestOTP generates and emails a one-time login code, rate limited per
// user.
func (s *Service) RequestOTP(ctx context.Context, emailAddr string) error {
	user, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Answer as success to avoid enumeration.
			return nil
		}
		return err
	}

	if user.OTPSentAt > 0 && time.Since(time.Unix(user.OTPSentAt, 0)) < s.cfg().OTPRateLimit {
		return ErrTooManyRequests
	}

	code, err := randomToken(6)
	if err != nil {
		return err
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"otp_code":    code,
		"otp_sent_at": time.Now().Unix(),
	}); err != nil {
		return err
	}

	if err := s.mailer.Send(user.Email, "Your login code",
		"Your one-time login code:\n\n"+code+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedDependency, err)
	}
	return nil
}

// VerifyOTP checks a one-time code, clears it, marks the user verified, and
// mints tokens.
func (s *Service) VerifyOTP(ctx context.Context, emailAddr, code string) (*Tokens, error) {
	if code == "" {
		return nil, ErrUnauthorized
	}

	user, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		return nil, ErrUnauthorized
	}

	if user.OTPCode == "" || user.OTPCode != code {
		return nil, ErrUnauthorized
	}
	if time.Since(time.Unix(user.OTPSentAt, 0)) > s.cfg().OTPTTL {
		return nil, ErrUnauthorized
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"otp_code":    nil,
		"otp_sent_at": nil,
		"verified":    1,
	}); err != nil {
		return nil, err
	}
	user.Verified = true

	return s.MintTokens(ctx, user)
}

// ChangePassword validates the old password against the current hash before
// installing the new one, which closes the race with concurrent changes.
func (s *Service) ChangePassword(ctx context.Context, userID []byte, oldPassword, newPassword string) error {
	user, err := s.store.ByID(ctx, userID)
	if err != nil {
		return err
	}

	if user.PasswordHash == "" || VerifyPassword(oldPassword, user.PasswordHash) != nil {
		return ErrUnauthorized
	}
	if err := ValidatePassword(newPassword, s.cfg().Password); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	// Conditional on the hash that was verified: a concurrent change in
	// between leaves no row to update.
	result, err := s.store.db.Execute(ctx,
		`UPDATE _user SET updated = unixepoch(), password_hash = ? WHERE id = ? AND password_hash = ?`,
		hash, userID, user.PasswordHash)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUnauthorized
	}
	return nil
}

// RequestEmailChange stages a new address and emails a confirmation link to
// it; the change commits when the link is clicked (VerifyEmail).
func (s *Service) RequestEmailChange(ctx context.Context, userID []byte, newEmail string) error {
	if _, err := s.store.ByID(ctx, userID); err != nil {
		return err
	}

	code, err := randomToken(24)
	if err != nil {
		return err
	}

	if err := s.store.Update(ctx, userID, map[string]any{
		"pending_email":                   newEmail,
		"email_verification_code":         code,
		"email_verification_code_sent_at": time.Now().Unix(),
	}); err != nil {
		return err
	}

	link := fmt.Sprintf("%s/api/auth/v1/verify_email/%s", s.siteURL(), code)
	if err := s.mailer.Send(newEmail, "Confirm your new email address",
		"Follow this link to confirm your new email address:\n\n"+link+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedDependency, err)
	}
	return nil
}

const resetCodeTTL = 1 * time.Hour

// RequestPasswordReset emails a reset code to the registered address.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	user, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	code, err := randomToken(24)
	if err != nil {
		return err
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"password_reset_code":         code,
		"password_reset_code_sent_at": time.Now().Unix(),
	}); err != nil {
		return err
	}

	if err := s.mailer.Send(user.Email, "Reset your password",
		"Your password reset code:\n\n"+code+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedDependency, err)
	}
	return nil
}

// ResetPassword installs a new password given a valid reset code and drops
// every existing session.
func (s *Service) ResetPassword(ctx context.Context, emailAddr, code, newPassword string) error {
	if code == "" {
		return ErrUnauthorized
	}

	user, err := s.store.ByEmail(ctx, emailAddr)
	if err != nil {
		return ErrUnauthorized
	}

	if user.PasswordResetCode == "" || user.PasswordResetCode != code {
		return ErrUnauthorized
	}
	if time.Since(time.Unix(user.PasswordResetCodeSentAt, 0)) > resetCodeTTL {
		return ErrUnauthorized
	}
	if err := ValidatePassword(newPassword, s.cfg().Password); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"password_hash":               hash,
		"password_reset_code":         nil,
		"password_reset_code_sent_at": nil,
	}); err != nil {
		return err
	}
	return s.sessions.DropAllForUser(ctx, user.ID)
}

// Refresh rotates the access token for a valid refresh token. The refresh
// token itself stays in place; only the session timestamp moves.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	userID, err := s.sessions.Resolve(ctx, refreshToken, s.cfg().RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	user, err := s.store.ByID(ctx, userID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	access, csrf, expiresAt, err := s.jwt.MintAccessToken(user)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, refreshToken); err != nil {
		return nil, err
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		CSRFToken:    csrf,
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// Logout drops the presented refresh session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Drop(ctx, refreshToken)
}

// DeleteUser removes the account; dependent rows cascade through their FK
// policies.
func (s *Service) DeleteUser(ctx context.Context, userID []byte) error {
	return s.store.Delete(ctx, userID)
}

// IssueAuthorizationCode mints a one-shot PKCE authorization code bound to
// the client's challenge.
func (s *Service) IssueAuthorizationCode(ctx context.Context, user *User, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", ErrBadRequest
	}

	code, err := randomToken(32)
	if err != nil {
		return "", err
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"authorization_code":         code,
		"authorization_code_sent_at": time.Now().Unix(),
		"pkce_code_challenge":        codeChallenge,
	}); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeAuthorizationCode trades a one-shot authorization code plus PKCE
// verifier for tokens. Any mismatch answers not-found so probes learn
// nothing about which part failed.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code, verifier string) (*Tokens, error) {
	if code == "" || verifier == "" {
		return nil, ErrNotFound
	}

	user, err := s.store.ByAuthorizationCode(ctx, code)
	if err != nil {
		return nil, ErrNotFound
	}

	if time.Since(time.Unix(user.AuthorizationCodeSentAt, 0)) > s.cfg().AuthCodeTTL {
		return nil, ErrNotFound
	}
	if user.PKCECodeChallenge == "" || !VerifyChallenge(verifier, user.PKCECodeChallenge) {
		return nil, ErrNotFound
	}

	if err := s.store.Update(ctx, user.ID, map[string]any{
		"authorization_code":         nil,
		"authorization_code_sent_at": nil,
		"pkce_code_challenge":        nil,
	}); err != nil {
		return nil, err
	}

	return s.MintTokens(ctx, user)
}
