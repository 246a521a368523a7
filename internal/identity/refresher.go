package identity

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope is the OAuth scope Cloud Code's upstream requires,
// mirrored from internal/service/llm/vertex.Provider's ADC token source.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// OAuthRefresher exchanges a stored Google OAuth refresh token for a fresh
// access token using the standard installed-app flow endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher builds a refresher for a registered OAuth client.
func NewOAuthRefresher(clientID, clientSecret string) *OAuthRefresher {
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{cloudPlatformScope},
		},
	}
}

// Refresh implements Refresher.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
