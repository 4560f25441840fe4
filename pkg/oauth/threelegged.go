package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"crosspost/pkg/platform"
)

// Endpoints are the three 1.0a URLs of a provider.
type Endpoints struct {
	RequestTokenURL string
	AuthorizeURL    string
	AccessTokenURL  string
}

// XEndpoints returns the X 1.0a endpoints rooted at base (normally
// https://api.twitter.com).
func XEndpoints(base string) Endpoints {
	base = strings.TrimRight(base, "/")
	return Endpoints{
		RequestTokenURL: base + "/oauth/request_token",
		AuthorizeURL:    base + "/oauth/authorize",
		AccessTokenURL:  base + "/oauth/access_token",
	}
}

// RequestToken is the temporary credential issued in the first leg.
type RequestToken struct {
	Token        string
	TokenSecret  string
	AuthorizeURL string
}

// AccessToken is the long-lived credential issued in the last leg.
type AccessToken struct {
	AccessToken       string
	AccessTokenSecret string
	UserID            string
	ScreenName        string
}

// ThreeLegged drives the 1.0a authorization flow.
type ThreeLegged struct {
	signer    *Signer
	transport *platform.Transport
	endpoints Endpoints
}

// NewThreeLegged creates a flow client.
func NewThreeLegged(signer *Signer, transport *platform.Transport, endpoints Endpoints) (*ThreeLegged, error) {
	if signer == nil {
		return nil, errors.New("oauth1 signer is required")
	}
	if transport == nil {
		return nil, errors.New("oauth1 transport is required")
	}
	if endpoints.RequestTokenURL == "" || endpoints.AuthorizeURL == "" || endpoints.AccessTokenURL == "" {
		return nil, errors.New("oauth1 endpoints are required")
	}
	return &ThreeLegged{signer: signer, transport: transport, endpoints: endpoints}, nil
}

// RequestToken obtains a request token whose authorization redirects to
// callbackURL.
func (f *ThreeLegged) RequestToken(ctx context.Context, callbackURL string) (RequestToken, error) {
	if strings.TrimSpace(callbackURL) == "" {
		return RequestToken{}, errors.New("oauth1 callback url is required")
	}

	form := url.Values{"oauth_callback": {callbackURL}}
	values, err := f.post(ctx, f.endpoints.RequestTokenURL, form, "", "")
	if err != nil {
		return RequestToken{}, fmt.Errorf("request token: %w", err)
	}
	if values.Get("oauth_callback_confirmed") != "true" {
		return RequestToken{}, errors.New("request token: callback not confirmed")
	}

	token := values.Get("oauth_token")
	secret := values.Get("oauth_token_secret")
	if token == "" || secret == "" {
		return RequestToken{}, errors.New("request token: response missing token pair")
	}

	return RequestToken{
		Token:        token,
		TokenSecret:  secret,
		AuthorizeURL: f.endpoints.AuthorizeURL + "?oauth_token=" + url.QueryEscape(token),
	}, nil
}

// ExchangeVerifier trades an authorized request token and its verifier for an
// access token.
func (f *ThreeLegged) ExchangeVerifier(ctx context.Context, token, tokenSecret, verifier string) (AccessToken, error) {
	if token == "" || verifier == "" {
		return AccessToken{}, errors.New("oauth1 token and verifier are required")
	}

	form := url.Values{"oauth_verifier": {verifier}}
	values, err := f.post(ctx, f.endpoints.AccessTokenURL, form, token, tokenSecret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("exchange verifier: %w", err)
	}

	access := AccessToken{
		AccessToken:       values.Get("oauth_token"),
		AccessTokenSecret: values.Get("oauth_token_secret"),
		UserID:            values.Get("user_id"),
		ScreenName:        values.Get("screen_name"),
	}
	if access.AccessToken == "" || access.AccessTokenSecret == "" {
		return AccessToken{}, errors.New("exchange verifier: response missing token pair")
	}
	return access, nil
}

func (f *ThreeLegged) post(ctx context.Context, endpoint string, form url.Values, token, secret string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := f.signer.Sign(req, form, token, secret); err != nil {
		return nil, err
	}

	resp, err := f.transport.Do(req, platform.SchemeOAuth1)
	if err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	return values, nil
}
