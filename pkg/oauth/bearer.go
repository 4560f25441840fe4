package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"crosspost/pkg/platform"
)

// Bearer sets the OAuth2 bearer authorization header.
func Bearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

// Refresher exchanges refresh tokens through an OAuth2 token endpoint.
type Refresher struct {
	platform platform.Platform
	config   oauth2.Config
	client   *http.Client
}

// RefreshConfig identifies the client and token endpoint used for refresh.
type RefreshConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// BasicAuth sends client credentials in the Authorization header instead
	// of the form body.
	BasicAuth bool
}

// NewRefresher creates a refresher for one platform.
func NewRefresher(p platform.Platform, cfg RefreshConfig, client *http.Client) (*Refresher, error) {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("%s refresh requires client id and token url", p)
	}
	style := oauth2.AuthStyleInParams
	if cfg.BasicAuth {
		style = oauth2.AuthStyleInHeader
	}
	return &Refresher{
		platform: p,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: style},
		},
		client: client,
	}, nil
}

// Refresh returns credentials carrying a new access token. The refresh token
// is kept when the provider does not rotate it. Secondary tokens are
// untouched.
func (r *Refresher) Refresh(ctx context.Context, creds platform.Credentials) (platform.Credentials, error) {
	if !creds.CanRefresh() {
		return platform.Credentials{}, platform.NewFailure(platform.KindRequiresReconnect, "no refresh token on file")
	}
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}

	// An expired token with no access token forces the source to refresh.
	source := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)})
	token, err := source.Token()
	if err != nil {
		return platform.Credentials{}, r.refreshError(err)
	}

	next := creds
	next.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		next.RefreshToken = token.RefreshToken
	}
	next.ExpiresAt = token.Expiry
	return next, nil
}

func (r *Refresher) refreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		apiErr := &platform.APIError{
			Platform: r.platform,
			Code:     retrieveErr.ErrorCode,
			Message:  retrieveErr.ErrorDescription,
			Scheme:   platform.SchemeBearer,
		}
		if retrieveErr.Response != nil {
			apiErr.Status = retrieveErr.Response.StatusCode
		}
		return fmt.Errorf("refresh %s token: %w", r.platform, apiErr)
	}
	return fmt.Errorf("refresh %s token: %w", r.platform, err)
}
