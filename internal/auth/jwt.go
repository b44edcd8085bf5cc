package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const signingKeyFile = "signing_key.pem"

type jwtClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// JWTService signs and verifies Ed25519 access tokens.
type JWTService struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	accessTTL time.Duration
}

// NewJWTService loads (or generates on first run) the Ed25519 signing key
// under keyDir.
func NewJWTService(keyDir string, accessTTL time.Duration) (*JWTService, error) {
	private, err := loadOrGenerateKey(keyDir)
	if err != nil {
		return nil, err
	}
	return &JWTService{
		private:   private,
		public:    private.Public().(ed25519.PublicKey),
		accessTTL: accessTTL,
	}, nil
}

func loadOrGenerateKey(keyDir string) (ed25519.PrivateKey, error) {
	path := filepath.Join(keyDir, signingKeyFile)

	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("malformed signing key at %s", path)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing signing key: %w", err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key at %s is not Ed25519", path)
		}
		return key, nil
	}

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("encoding signing key: %w", err)
	}
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return private, nil
}

// MintAccessToken signs a fresh access token carrying a new CSRF token.
func (s *JWTService) MintAccessToken(user *User) (token string, csrf string, expiresAt time.Time, err error) {
	csrf, err = randomToken(16)
	if err != nil {
		return "", "", time.Time{}, err
	}

	now := time.Now()
	expiresAt = now.Add(s.accessTTL)

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.EncodedID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
		Email:     user.Email,
		Verified:  user.Verified,
		CSRFToken: csrf,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.private)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return token, csrf, expiresAt, nil
}

// VerifyAccessToken validates signature and expiry, returning the claims.
func (s *JWTService) VerifyAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrInvalidToken
		}
		return s.public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	userID, err := DecodeUserID(claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	out := &Claims{
		UserID:    userID,
		Email:     claims.Email,
		Verified:  claims.Verified,
		CSRFToken: claims.CSRFToken,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// SignStateToken signs an arbitrary short-lived claims payload, used for
// the OAuth state cookie.
func (s *JWTService) SignStateToken(claims jwt.MapClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.private)
}

// VerifyStateToken validates a state cookie and returns its payload.
func (s *JWTService) VerifyStateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, ErrInvalidToken
		}
		return s.public, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// randomToken returns n random bytes as url-safe base64.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
