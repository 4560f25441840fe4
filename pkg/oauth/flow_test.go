package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crosspost/pkg/platform"
)

func TestThreeLeggedFlow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "OAuth ") || !strings.Contains(auth, "oauth_signature=") {
			t.Errorf("Authorization = %q, want signed OAuth header", auth)
		}
		if strings.Contains(auth, "oauth_callback") || strings.Contains(auth, "oauth_verifier") {
			t.Errorf("callback and verifier must travel as parameters, got header %q", auth)
		}

		switch r.URL.Path {
		case "/oauth/request_token":
			if got := r.PostForm.Get("oauth_callback"); got != "https://app.example/cb" {
				t.Errorf("oauth_callback = %q", got)
			}
			_, _ = w.Write([]byte("oauth_token=req-tok&oauth_token_secret=req-sec&oauth_callback_confirmed=true"))
		case "/oauth/access_token":
			if got := r.PostForm.Get("oauth_verifier"); got != "verifier-1" {
				t.Errorf("oauth_verifier = %q", got)
			}
			if !strings.Contains(auth, `oauth_token="req-tok"`) {
				t.Errorf("access token leg must be signed with the request token, got %q", auth)
			}
			_, _ = w.Write([]byte("oauth_token=acc-tok&oauth_token_secret=acc-sec&user_id=42&screen_name=crossposter"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	signer, err := NewSigner("ck", "cs")
	if err != nil {
		t.Fatalf("NewSigner error: %v", err)
	}
	flow, err := NewThreeLegged(signer, platform.NewTransport(platform.X, srv.Client(), 0, nil), XEndpoints(srv.URL))
	if err != nil {
		t.Fatalf("NewThreeLegged error: %v", err)
	}

	req, err := flow.RequestToken(context.Background(), "https://app.example/cb")
	if err != nil {
		t.Fatalf("RequestToken error: %v", err)
	}
	if req.Token != "req-tok" || req.TokenSecret != "req-sec" {
		t.Fatalf("request token = %+v", req)
	}
	if req.AuthorizeURL != srv.URL+"/oauth/authorize?oauth_token=req-tok" {
		t.Fatalf("authorize url = %q", req.AuthorizeURL)
	}

	access, err := flow.ExchangeVerifier(context.Background(), req.Token, req.TokenSecret, "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeVerifier error: %v", err)
	}
	want := AccessToken{AccessToken: "acc-tok", AccessTokenSecret: "acc-sec", UserID: "42", ScreenName: "crossposter"}
	if access != want {
		t.Fatalf("access token = %+v, want %+v", access, want)
	}
}

func TestThreeLeggedUnauthorizedCarriesScheme(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	signer, _ := NewSigner("ck", "cs")
	flow, _ := NewThreeLegged(signer, platform.NewTransport(platform.X, srv.Client(), 0, nil), XEndpoints(srv.URL))

	_, err := flow.ExchangeVerifier(context.Background(), "tok", "sec", "v")
	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *platform.APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Scheme != platform.SchemeOAuth1 {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestRequestTokenRequiresConfirmedCallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("oauth_token=t&oauth_token_secret=s&oauth_callback_confirmed=false"))
	}))
	defer srv.Close()

	signer, _ := NewSigner("ck", "cs")
	flow, _ := NewThreeLegged(signer, platform.NewTransport(platform.X, srv.Client(), 0, nil), XEndpoints(srv.URL))

	if _, err := flow.RequestToken(context.Background(), "https://app.example/cb"); err == nil {
		t.Fatal("expected error for unconfirmed callback")
	}
}

func TestBearer(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Bearer(req, "abc")
	if got := req.Header.Get("Authorization"); got != "Bearer abc" {
		t.Fatalf("Authorization = %q, want %q", got, "Bearer abc")
	}
}

func TestRefresherExchangesRefreshToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r, err := NewRefresher(platform.Reddit, RefreshConfig{ClientID: "cid", ClientSecret: "cs", TokenURL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewRefresher error: %v", err)
	}

	in := platform.Credentials{AccessToken: "stale", RefreshToken: "old-refresh", SecondaryToken: "keep"}
	out, err := r.Refresh(context.Background(), in)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if out.AccessToken != "new-access" {
		t.Fatalf("access token = %q, want new-access", out.AccessToken)
	}
	if out.RefreshToken != "old-refresh" {
		t.Fatalf("refresh token = %q, want it kept when not rotated", out.RefreshToken)
	}
	if out.SecondaryToken != "keep" {
		t.Fatalf("secondary token = %q, want keep", out.SecondaryToken)
	}
	if out.ExpiresAt.IsZero() {
		t.Fatal("expected expiry to be set")
	}
}

func TestRefresherInvalidGrant(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	}))
	defer srv.Close()

	r, _ := NewRefresher(platform.YouTube, RefreshConfig{ClientID: "cid", TokenURL: srv.URL}, srv.Client())
	_, err := r.Refresh(context.Background(), platform.Credentials{RefreshToken: "dead"})

	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *platform.APIError", err)
	}
	if apiErr.Code != "invalid_grant" || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("api error = %+v", apiErr)
	}
}

func TestRefresherWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	r, _ := NewRefresher(platform.X, RefreshConfig{ClientID: "cid", TokenURL: "http://127.0.0.1:1"}, nil)
	_, err := r.Refresh(context.Background(), platform.Credentials{AccessToken: "a"})
	if platform.KindOf(err) != platform.KindRequiresReconnect {
		t.Fatalf("kind = %q, want RequiresReconnect", platform.KindOf(err))
	}
}
