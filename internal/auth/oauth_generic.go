package auth

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/watzon/quarry/internal/config"
)

// newGenericProvider supports any OAuth2/OIDC-ish provider given explicit
// endpoint URLs in config.
func newGenericProvider(name string, cfg config.OAuthProviderConfig) *Provider {
	return &Provider{
		name: name,
		id:   genericProviderID(name),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: cfg.Scopes,
		},
		userInfoURL: cfg.UserInfoURL,
		extract:     extractGenericUser,
	}
}

func extractGenericUser(data map[string]any) (*OAuthUserInfo, error) {
	id := firstString(data, "sub", "id", "user_id")
	if id == "" {
		return nil, fmt.Errorf("%w: profile missing a subject identifier", ErrFailedDependency)
	}

	verified := false
	if v, ok := data["email_verified"].(bool); ok {
		verified = v
	}

	return &OAuthUserInfo{
		ID:            id,
		Email:         firstString(data, "email"),
		EmailVerified: verified,
	}, nil
}

func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
