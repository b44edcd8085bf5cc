package auth

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/watzon/quarry/internal/config"
)

const googleProviderID = 2

func newGoogleProvider(cfg config.OAuthProviderConfig) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email"}
	}

	return &Provider{
		name: ProviderGoogle,
		id:   googleProviderID,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       scopes,
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		extract:     extractGoogleUser,
	}
}

func extractGoogleUser(data map[string]any) (*OAuthUserInfo, error) {
	sub, ok := data["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: google profile missing sub", ErrFailedDependency)
	}

	email, _ := data["email"].(string)
	verified, _ := data["email_verified"].(bool)

	return &OAuthUserInfo{
		ID:            sub,
		Email:         email,
		EmailVerified: verified,
	}, nil
}
