package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"crosspost/pkg/channelcache"
	"crosspost/pkg/platform"
)

func apiErr(p platform.Platform, status int, code, message string, scheme platform.AuthScheme) error {
	return fmt.Errorf("publish: %w", &platform.APIError{Platform: p, Status: status, Code: code, Message: message, Scheme: scheme})
}

func TestClassifyUnauthorizedByScheme(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		scheme     platform.AuthScheme
		canRefresh bool
		want       platform.ErrorKind
	}{
		{"bearer with refresh token", platform.SchemeBearer, true, platform.KindTokenRefreshable},
		{"bearer without refresh token", platform.SchemeBearer, false, platform.KindAuthExpired},
		{"oauth1 with refresh token", platform.SchemeOAuth1, true, platform.KindRequiresReconnect},
		{"oauth1 without refresh token", platform.SchemeOAuth1, false, platform.KindRequiresReconnect},
		{"bot token", platform.SchemeBot, false, platform.KindRequiresReconnect},
	}
	for _, tc := range cases {
		got := Classify(platform.X, apiErr(platform.X, http.StatusUnauthorized, "89", "Invalid or expired token.", tc.scheme), tc.canRefresh)
		if got.Kind != tc.want {
			t.Fatalf("%s: kind = %s, want %s", tc.name, got.Kind, tc.want)
		}
	}
}

func TestClassifyStatusFallbacks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		phase     string
		want      platform.ErrorKind
		retryable bool
	}{
		{http.StatusTooManyRequests, "", platform.KindRateLimited, false},
		{http.StatusRequestEntityTooLarge, "", platform.KindMediaUnsupported, false},
		{http.StatusUnsupportedMediaType, "PUT", platform.KindMediaUnsupported, false},
		{http.StatusBadRequest, "APPEND", platform.KindMediaUnsupported, false},
		{http.StatusBadRequest, "", platform.KindValidationFailed, false},
		{http.StatusUnprocessableEntity, "", platform.KindValidationFailed, false},
		{http.StatusBadGateway, "", platform.KindUnknown, true},
		{http.StatusServiceUnavailable, "APPEND", platform.KindUnknown, true},
		{http.StatusNotFound, "", platform.KindUnknown, false},
	}
	for _, tc := range cases {
		err := &platform.APIError{Platform: platform.YouTube, Status: tc.status, Phase: tc.phase}
		got := Classify(platform.YouTube, err, false)
		if got.Kind != tc.want || got.Retryable != tc.retryable {
			t.Fatalf("status %d phase %q: got %s retryable=%v, want %s retryable=%v", tc.status, tc.phase, got.Kind, got.Retryable, tc.want, tc.retryable)
		}
	}
}

// These pin down observed upstream wording. They are heuristics, not
// documented contracts; update them when an upstream changes its messages.
func TestClassifyCharacterization(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		platform   platform.Platform
		err        error
		canRefresh bool
		want       platform.ErrorKind
	}{
		{"x duplicate v2", platform.X, apiErr(platform.X, 403, "", "You are not allowed to create a Tweet with duplicate content.", platform.SchemeBearer), false, platform.KindValidationFailed},
		{"x duplicate v1", platform.X, apiErr(platform.X, 403, "187", "Status is a duplicate.", platform.SchemeOAuth1), false, platform.KindValidationFailed},
		{"x rate limit code", platform.X, apiErr(platform.X, 429, "88", "Rate limit exceeded", platform.SchemeBearer), false, platform.KindRateLimited},
		{"x invalid media", platform.X, apiErr(platform.X, 400, "324", "Some of the submitted media ids are invalid", platform.SchemeBearer), false, platform.KindMediaUnsupported},
		{"youtube quota", platform.YouTube, apiErr(platform.YouTube, 403, "quotaExceeded", "The request cannot be completed because you have exceeded your quota.", platform.SchemeBearer), false, platform.KindRateLimited},
		{"youtube signup", platform.YouTube, apiErr(platform.YouTube, 401, "youtubeSignupRequired", "", platform.SchemeBearer), true, platform.KindRequiresReconnect},
		{"youtube auth error", platform.YouTube, apiErr(platform.YouTube, 401, "authError", "Invalid Credentials", platform.SchemeBearer), true, platform.KindTokenRefreshable},
		{"discord missing access", platform.Discord, apiErr(platform.Discord, 403, "50001", "Missing Access", platform.SchemeBot), false, platform.KindRequiresReconnect},
		{"discord too large", platform.Discord, apiErr(platform.Discord, 413, "40005", "Request entity too large", platform.SchemeBot), false, platform.KindMediaUnsupported},
		{"discord invalid body", platform.Discord, apiErr(platform.Discord, 400, "50035", "Invalid Form Body", platform.SchemeBot), false, platform.KindValidationFailed},
		{"reddit ratelimit in-band", platform.Reddit, apiErr(platform.Reddit, 200, "RATELIMIT", "you are doing that too much. try again in 9 minutes.", platform.SchemeBearer), false, platform.KindRateLimited},
		{"reddit missing subreddit", platform.Reddit, apiErr(platform.Reddit, 200, "SUBREDDIT_NOEXIST", "that subreddit doesn't exist", platform.SchemeBearer), false, platform.KindValidationFailed},
		{"instagram expired session", platform.Instagram, apiErr(platform.Instagram, 400, "190", "Error validating access token: Session has expired", platform.SchemeBearer), false, platform.KindAuthExpired},
		{"instagram fetch failed", platform.Instagram, apiErr(platform.Instagram, 400, "9004", "Media could not be fetched from this URI", platform.SchemeBearer), false, platform.KindMediaUnsupported},
		{"instagram app limit", platform.Instagram, apiErr(platform.Instagram, 400, "4", "Application request limit reached", platform.SchemeBearer), false, platform.KindRateLimited},
		{"telegram blocked", platform.Telegram, apiErr(platform.Telegram, 403, "", "Forbidden: bot was blocked by the user", platform.SchemeBot), false, platform.KindRequiresReconnect},
		{"telegram chat missing", platform.Telegram, apiErr(platform.Telegram, 400, "", "Bad Request: chat not found", platform.SchemeBot), false, platform.KindValidationFailed},
		{"telegram flood", platform.Telegram, apiErr(platform.Telegram, 429, "", "Too Many Requests: retry after 5", platform.SchemeBot), false, platform.KindRateLimited},
		{"plain authentication expired refreshable", platform.Reddit, errors.New("authentication expired for account"), true, platform.KindTokenRefreshable},
		{"plain authentication expired", platform.Reddit, errors.New("Authentication expired"), false, platform.KindAuthExpired},
		{"plain reconnect marker", platform.Instagram, errors.New("Please reconnect your account to continue"), true, platform.KindRequiresReconnect},
	}
	for _, tc := range cases {
		got := Classify(tc.platform, tc.err, tc.canRefresh)
		if got.Kind != tc.want {
			t.Fatalf("%s: kind = %s, want %s (detail %q)", tc.name, got.Kind, tc.want, got.Detail)
		}
	}
}

func TestClassifyReconnectMarkerHint(t *testing.T) {
	t.Parallel()

	err := apiErr(platform.Discord, 400, "", "Integration revoked: reconnect required", platform.SchemeBot)
	got := Classify(platform.Discord, err, true)

	if got.Kind != platform.KindRequiresReconnect {
		t.Fatalf("kind = %s, want RequiresReconnect", got.Kind)
	}
	hint := got.Hint()
	if !hint.RequiresReconnect || hint.Retryable || hint.RequiresTokenRefresh {
		t.Fatalf("hint = %+v, want reconnect only", hint)
	}
}

func TestClassifyContextAndNetwork(t *testing.T) {
	t.Parallel()

	timeout := Classify(platform.X, fmt.Errorf("post: %w", context.DeadlineExceeded), false)
	if timeout.Kind != platform.KindUnknown || !timeout.Retryable {
		t.Fatalf("deadline = %+v, want retryable Unknown", timeout)
	}

	canceled := Classify(platform.X, context.Canceled, false)
	if canceled.Kind != platform.KindUnknown || canceled.Retryable {
		t.Fatalf("canceled = %+v, want non-retryable Unknown", canceled)
	}

	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	network := Classify(platform.Reddit, fmt.Errorf("reddit request: %w", netErr), false)
	if network.Kind != platform.KindUnknown || !network.Retryable {
		t.Fatalf("network = %+v, want retryable Unknown", network)
	}

	other := Classify(platform.Reddit, errors.New("something odd"), false)
	if other.Kind != platform.KindUnknown || other.Retryable {
		t.Fatalf("other = %+v, want non-retryable Unknown", other)
	}
}

func TestClassifyPassesThroughFailuresAndAccessErrors(t *testing.T) {
	t.Parallel()

	original := platform.NewFailure(platform.KindMediaUnsupported, "video only")
	if got := Classify(platform.YouTube, fmt.Errorf("wrap: %w", original), false); got != original {
		t.Fatalf("got %+v, want the original failure", got)
	}

	access := &channelcache.AccessError{AccountID: "a", Reason: "Missing Access", RemediationURL: "https://discord.com/oauth2/authorize?client_id=1"}
	got := Classify(platform.Discord, access, false)
	if got.Kind != platform.KindRequiresReconnect {
		t.Fatalf("kind = %s, want RequiresReconnect", got.Kind)
	}

	if Classify(platform.X, nil, false) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestClassifyKeepsRetryAfter(t *testing.T) {
	t.Parallel()

	err := &platform.APIError{Platform: platform.Discord, Status: http.StatusTooManyRequests, RetryAfter: 3 * time.Second}
	got := Classify(platform.Discord, err, false)
	if got.RetryAfter != 3*time.Second {
		t.Fatalf("RetryAfter = %v, want 3s", got.RetryAfter)
	}
}
