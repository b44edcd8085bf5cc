package auth

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/watzon/quarry/internal/config"
)

const githubProviderID = 1

func newGitHubProvider(cfg config.OAuthProviderConfig) *Provider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}

	return &Provider{
		name: ProviderGitHub,
		id:   githubProviderID,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     github.Endpoint,
			Scopes:       scopes,
		},
		userInfoURL: "https://api.github.com/user",
		extract:     extractGitHubUser,
	}
}

func extractGitHubUser(data map[string]any) (*OAuthUserInfo, error) {
	id, ok := data["id"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: github profile missing id", ErrFailedDependency)
	}

	email, _ := data["email"].(string)

	return &OAuthUserInfo{
		ID:    fmt.Sprintf("%.0f", id),
		Email: email,
		// GitHub only exposes the primary email when it is verified.
		EmailVerified: email != "",
	}, nil
}
