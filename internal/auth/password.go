package auth

import (
	"errors"
	"unicode"

	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/pwhash"
)

var (
	ErrPasswordTooShort     = errors.New("password is too short")
	ErrPasswordNoUppercase  = errors.New("password must contain at least one uppercase letter")
	ErrPasswordNoLowercase  = errors.New("password must contain at least one lowercase letter")
	ErrPasswordNoNumber     = errors.New("password must contain at least one number")
	ErrPasswordNoSpecial    = errors.New("password must contain at least one special character")
	ErrPasswordMismatch     = errors.New("passwords do not match")
	ErrPasswordHashMismatch = errors.New("password does not match")
)

// HashPassword hashes a password with argon2id. The same derivation backs
// the hash_password() SQL function.
func HashPassword(password string) (string, error) {
	return pwhash.Hash(password)
}

// VerifyPassword checks a password against a stored hash.
func VerifyPassword(password, hash string) error {
	err := pwhash.Verify(password, hash)
	if errors.Is(err, pwhash.ErrMismatch) {
		return ErrPasswordHashMismatch
	}
	return err
}

// ValidatePassword checks the configured password policy.
func ValidatePassword(password string, cfg config.PasswordConfig) error {
	if len(password) < cfg.MinLength {
		return ErrPasswordTooShort
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasNumber = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if cfg.RequireUppercase && !hasUpper {
		return ErrPasswordNoUppercase
	}
	if cfg.RequireLowercase && !hasLower {
		return ErrPasswordNoLowercase
	}
	if cfg.RequireNumber && !hasNumber {
		return ErrPasswordNoNumber
	}
	if cfg.RequireSpecial && !hasSpecial {
		return ErrPasswordNoSpecial
	}
	return nil
}
