// Package auth covers the credentials the worker exchanges or checks: OAuth refresh
// tokens, the IMAP relay bearer token and caller JWTs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// Scopes requested when exchanging refresh tokens.
var (
	GoogleScopes    = []string{"https://www.googleapis.com/auth/gmail.readonly"}
	MicrosoftScopes = []string{"offline_access", "https://graph.microsoft.com/Mail.Read", "https://graph.microsoft.com/User.Read"}
)

// Refresher exchanges a stored refresh token for a short-lived access token.
type Refresher struct {
	config *oauth2.Config
}

// NewRefresher wraps an OAuth client configuration.
func NewRefresher(config *oauth2.Config) *Refresher {
	return &Refresher{config: config}
}

// NewGoogleRefresher builds a refresher against Google's token endpoint.
func NewGoogleRefresher(clientID, clientSecret string) *Refresher {
	return NewRefresher(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       GoogleScopes,
	})
}

// NewMicrosoftRefresher builds a refresher against the Azure AD v2 endpoint of tenant.
// An empty tenant means "common".
func NewMicrosoftRefresher(clientID, clientSecret, tenant string) *Refresher {
	if tenant == "" {
		tenant = "common"
	}
	return NewRefresher(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       MicrosoftScopes,
	})
}

// RefreshAccessToken performs the refresh grant. A rejection by the identity provider wraps
// sync.ErrAuthRefresh; transport failures are returned as ordinary errors.
func (r *Refresher) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("%w: empty refresh token", sync.ErrAuthRefresh)
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejected(re) {
			code := re.ErrorCode
			if code == "" && re.Response != nil {
				code = re.Response.Status
			}
			return "", fmt.Errorf("%w: %s", sync.ErrAuthRefresh, code)
		}
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token in response", sync.ErrAuthRefresh)
	}
	return tok.AccessToken, nil
}

// rejected reports a 4xx answer, which no retry will fix.
func rejected(re *oauth2.RetrieveError) bool {
	if re.ErrorCode != "" {
		return true
	}
	return re.Response != nil &&
		re.Response.StatusCode >= http.StatusBadRequest &&
		re.Response.StatusCode < http.StatusInternalServerError
}
