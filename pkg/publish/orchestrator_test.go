package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/pkg/bus"
	"crosspost/pkg/config"
	"crosspost/pkg/logger"
	"crosspost/pkg/media"
	"crosspost/pkg/platform"
	"crosspost/pkg/store"
)

type fakeAdapter struct {
	platform platform.Platform
	policy   platform.Policy
	publish  func(ctx context.Context, in platform.PublishInput) (platform.Result, error)

	mu     sync.Mutex
	inputs []platform.PublishInput
}

func (a *fakeAdapter) Platform() platform.Platform { return a.platform }
func (a *fakeAdapter) Policy() platform.Policy     { return a.policy }

func (a *fakeAdapter) Publish(ctx context.Context, in platform.PublishInput) (platform.Result, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, in)
	a.mu.Unlock()
	if a.publish == nil {
		return platform.Result{RemoteID: "id-" + in.Account.ID}, nil
	}
	return a.publish(ctx, in)
}

func (a *fakeAdapter) calls() []platform.PublishInput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]platform.PublishInput(nil), a.inputs...)
}

type refreshingAdapter struct {
	*fakeAdapter
	refresh   func(creds platform.Credentials) (platform.Credentials, error)
	refreshes atomic.Int32
}

func (a *refreshingAdapter) Refresh(_ context.Context, creds platform.Credentials) (platform.Credentials, error) {
	a.refreshes.Add(1)
	return a.refresh(creds)
}

type resolverFunc func(ctx context.Context, account platform.Account) (string, error)

func (f resolverFunc) DefaultDestination(ctx context.Context, account platform.Account) (string, error) {
	return f(ctx, account)
}

func openPolicy() platform.Policy {
	return platform.Policy{MaxMedia: 4, MaxTextRunes: 1000, AcceptImages: true, AcceptVideos: true}
}

func newOrchestrator(t *testing.T, accounts []platform.Account, adapters ...platform.Adapter) (*Orchestrator, *store.Memory) {
	t.Helper()

	registry, err := platform.NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	tokens := store.NewMemory(accounts...)
	o, err := New(config.PublishConfig{MaxParallel: 4, PipelineTimeoutSeconds: 5, RetryMaxAttempts: 3}, Deps{
		Registry: registry,
		Store:    tokens,
	}, logger.Discard())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	o.retry.Backoff = 0
	return o, tokens
}

func bearer401(p platform.Platform) error {
	return &platform.APIError{Platform: p, Status: http.StatusUnauthorized, Message: "Unauthorized", Scheme: platform.SchemeBearer}
}

func TestPublishReportsOneOutcomePerTarget(t *testing.T) {
	t.Parallel()

	accounts := []platform.Account{
		{ID: "x-1", Platform: platform.X},
		{ID: "x-2", Platform: platform.X},
		{ID: "reddit-1", Platform: platform.Reddit},
		{ID: "tg-1", Platform: platform.Telegram},
		{ID: "tg-2", Platform: platform.Telegram},
	}
	x := &fakeAdapter{platform: platform.X, policy: openPolicy()}
	reddit := &fakeAdapter{platform: platform.Reddit, policy: openPolicy(), publish: func(context.Context, platform.PublishInput) (platform.Result, error) {
		return platform.Result{}, &platform.APIError{Platform: platform.Reddit, Status: 200, Code: "SUBREDDIT_NOEXIST"}
	}}
	telegram := &fakeAdapter{platform: platform.Telegram, policy: openPolicy(), publish: func(_ context.Context, in platform.PublishInput) (platform.Result, error) {
		if in.Account.ID == "tg-2" {
			panic("boom")
		}
		return platform.Result{RemoteID: "m1"}, nil
	}}
	o, _ := newOrchestrator(t, accounts, x, reddit, telegram)

	targets := make([]AccountRef, 0, len(accounts))
	for _, a := range accounts {
		targets = append(targets, AccountRef{AccountID: a.ID})
	}
	report, err := o.Publish(context.Background(), Request{Content: "hello", Targets: targets})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	outcomes := report.Outcomes()
	if len(outcomes) != len(targets) {
		t.Fatalf("outcomes = %d, want %d", len(outcomes), len(targets))
	}
	for i, o := range outcomes {
		if o.AccountID != targets[i].AccountID {
			t.Fatalf("outcome %d is %s, want %s", i, o.AccountID, targets[i].AccountID)
		}
	}
	if report.SuccessCount() != 3 || report.FailureCount() != 2 || report.Status() != StatusPartial {
		t.Fatalf("counts = %d/%d status %s", report.SuccessCount(), report.FailureCount(), report.Status())
	}

	redditOutcome, _ := report.Outcome("reddit-1")
	if redditOutcome.ErrorKind != platform.KindValidationFailed {
		t.Fatalf("reddit kind = %s", redditOutcome.ErrorKind)
	}
	panicked, _ := report.Outcome("tg-2")
	if panicked.Success || panicked.ErrorKind != platform.KindUnknown {
		t.Fatalf("panicked outcome = %+v", panicked)
	}
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	accounts := []platform.Account{
		{ID: "x-1", Platform: platform.X},
		{ID: "ig-1", Platform: platform.Instagram},
	}
	x := &fakeAdapter{platform: platform.X, policy: openPolicy()}
	ig := &fakeAdapter{platform: platform.Instagram, policy: platform.Policy{RequiresMedia: true, MaxMedia: 4, AcceptImages: true}}
	o, _ := newOrchestrator(t, accounts, x, ig)

	image := func() *media.Asset { return media.NewAsset("a.png", "image/png", []byte("png")) }
	cases := []struct {
		name string
		req  Request
	}{
		{"empty post", Request{Targets: []AccountRef{{AccountID: "x-1"}}}},
		{"no targets", Request{Content: "hi"}},
		{"too many media", Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}, Media: []*media.Asset{image(), image(), image(), image(), image()}}},
		{"unknown account", Request{Content: "hi", Targets: []AccountRef{{AccountID: "nope"}}}},
		{"duplicate target", Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}, {AccountID: "x-1"}}}},
		{"platform mismatch", Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1", Platform: platform.Reddit}}}},
		{"text only to media platform", Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}, {AccountID: "ig-1"}}}},
	}
	for _, tc := range cases {
		_, err := o.Publish(context.Background(), tc.req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: error = %v, want ValidationError", tc.name, err)
		}
	}
	if len(x.calls()) != 0 || len(ig.calls()) != 0 {
		t.Fatal("no delivery may start for an invalid request")
	}
}

func TestPublishNotDue(t *testing.T) {
	t.Parallel()

	x := &fakeAdapter{platform: platform.X, policy: openPolicy()}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}}, x)

	later := time.Now().Add(time.Hour)
	_, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}, ScheduledAt: &later})
	if !errors.Is(err, ErrNotDue) {
		t.Fatalf("error = %v, want ErrNotDue", err)
	}

	earlier := time.Now().Add(-time.Minute)
	report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}, ScheduledAt: &earlier})
	if err != nil || !report.Success() {
		t.Fatalf("past schedule: report %+v err %v", report, err)
	}
}

func TestPublishRetriesTransientFailuresOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		wantCalls int
		wantKind  platform.ErrorKind
	}{
		{"server error", &platform.APIError{Platform: platform.X, Status: http.StatusBadGateway}, 3, platform.KindUnknown},
		{"rate limited", &platform.APIError{Platform: platform.X, Status: http.StatusTooManyRequests}, 1, platform.KindRateLimited},
		{"validation", &platform.APIError{Platform: platform.X, Status: http.StatusBadRequest, Message: "bad"}, 1, platform.KindValidationFailed},
		{"auth", bearer401(platform.X), 1, platform.KindAuthExpired},
	}
	for _, tc := range cases {
		x := &fakeAdapter{platform: platform.X, policy: openPolicy(), publish: func(context.Context, platform.PublishInput) (platform.Result, error) {
			return platform.Result{}, tc.err
		}}
		o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}}, x)

		report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}})
		if err != nil {
			t.Fatalf("%s: Publish error: %v", tc.name, err)
		}
		if got := len(x.calls()); got != tc.wantCalls {
			t.Fatalf("%s: calls = %d, want %d", tc.name, got, tc.wantCalls)
		}
		outcome, _ := report.Outcome("x-1")
		if outcome.ErrorKind != tc.wantKind {
			t.Fatalf("%s: kind = %s, want %s", tc.name, outcome.ErrorKind, tc.wantKind)
		}
	}
}

func TestPublishRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	x := &fakeAdapter{platform: platform.X, policy: openPolicy(), publish: func(context.Context, platform.PublishInput) (platform.Result, error) {
		if calls.Add(1) == 1 {
			return platform.Result{}, &platform.APIError{Platform: platform.X, Status: http.StatusServiceUnavailable}
		}
		return platform.Result{RemoteID: "42"}, nil
	}}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}}, x)
	events := bus.New()
	defer events.Close()
	o.deps.Bus = events
	sub, unsubscribe := events.Subscribe(context.Background(), 32)
	defer unsubscribe()

	report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if outcome, _ := report.Outcome("x-1"); !outcome.Success || outcome.RemoteID != "42" {
		t.Fatalf("outcome = %+v", outcome)
	}

	var retried bool
	for event := range sub {
		if event.Type == bus.EventPipelineRetrying && event.Attempt == 2 {
			retried = true
		}
		if event.Type == bus.EventRequestCompleted {
			break
		}
	}
	if !retried {
		t.Fatal("expected a retrying event for attempt 2")
	}
}

func TestPublishRefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	yt := &refreshingAdapter{
		fakeAdapter: &fakeAdapter{platform: platform.YouTube, policy: openPolicy(), publish: func(_ context.Context, in platform.PublishInput) (platform.Result, error) {
			if in.Account.Credentials.AccessToken != "fresh" {
				return platform.Result{}, bearer401(platform.YouTube)
			}
			return platform.Result{RemoteID: "vid"}, nil
		}},
		refresh: func(creds platform.Credentials) (platform.Credentials, error) {
			return platform.Credentials{AccessToken: "fresh", RefreshToken: creds.RefreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	account := platform.Account{ID: "yt-1", Platform: platform.YouTube, Credentials: platform.Credentials{AccessToken: "stale", RefreshToken: "r"}}
	o, tokens := newOrchestrator(t, []platform.Account{account}, yt)

	report, err := o.Publish(context.Background(), Request{
		Content: "hi",
		Media:   []*media.Asset{media.NewAsset("v.mp4", "video/mp4", []byte("mp4"))},
		Targets: []AccountRef{{AccountID: "yt-1"}},
	})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if outcome, _ := report.Outcome("yt-1"); !outcome.Success {
		t.Fatalf("outcome = %+v", outcome)
	}
	if yt.refreshes.Load() != 1 {
		t.Fatalf("refreshes = %d, want 1", yt.refreshes.Load())
	}
	stored, _ := tokens.Account(context.Background(), "yt-1")
	if stored.Credentials.AccessToken != "fresh" {
		t.Fatalf("stored token = %q, want fresh", stored.Credentials.AccessToken)
	}
}

func TestPublishRefreshFailureRequiresReconnect(t *testing.T) {
	t.Parallel()

	reddit := &refreshingAdapter{
		fakeAdapter: &fakeAdapter{platform: platform.Reddit, policy: openPolicy(), publish: func(context.Context, platform.PublishInput) (platform.Result, error) {
			return platform.Result{}, bearer401(platform.Reddit)
		}},
		refresh: func(platform.Credentials) (platform.Credentials, error) {
			return platform.Credentials{}, errors.New("invalid_grant")
		},
	}
	account := platform.Account{ID: "r-1", Platform: platform.Reddit, Credentials: platform.Credentials{AccessToken: "a", RefreshToken: "r"}}
	o, _ := newOrchestrator(t, []platform.Account{account}, reddit)

	report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "r-1", DestinationOverride: "golang"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	outcome, _ := report.Outcome("r-1")
	if outcome.ErrorKind != platform.KindRequiresReconnect || outcome.Hint == nil || !outcome.Hint.RequiresReconnect {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(reddit.calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(reddit.calls()))
	}
}

func TestPublishTimeoutIsRetryableUnknown(t *testing.T) {
	t.Parallel()

	x := &fakeAdapter{platform: platform.X, policy: openPolicy(), publish: func(ctx context.Context, _ platform.PublishInput) (platform.Result, error) {
		<-ctx.Done()
		return platform.Result{}, fmt.Errorf("post tweet: %w", ctx.Err())
	}}
	fast := &fakeAdapter{platform: platform.Telegram, policy: openPolicy()}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}, {ID: "tg-1", Platform: platform.Telegram}}, x, fast)
	o.timeout = 20 * time.Millisecond

	report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}, {AccountID: "tg-1", DestinationOverride: "@c"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	outcome, _ := report.Outcome("x-1")
	if outcome.ErrorKind != platform.KindUnknown || outcome.Hint == nil || !outcome.Hint.Retryable {
		t.Fatalf("timed out outcome = %+v", outcome)
	}
	if len(x.calls()) != 1 {
		t.Fatalf("timed out delivery retried %d times", len(x.calls()))
	}
	if other, _ := report.Outcome("tg-1"); !other.Success {
		t.Fatalf("sibling outcome = %+v", other)
	}
}

func TestPublishDestinationOrder(t *testing.T) {
	t.Parallel()

	discord := &fakeAdapter{platform: platform.Discord, policy: platform.Policy{RequiresDestination: true, MaxMedia: 4, AcceptImages: true}}
	o, _ := newOrchestrator(t, []platform.Account{
		{ID: "d-1", Platform: platform.Discord},
		{ID: "d-2", Platform: platform.Discord},
		{ID: "d-3", Platform: platform.Discord},
	}, discord)
	o.deps.Destinations = map[platform.Platform]platform.DestinationResolver{
		platform.Discord: resolverFunc(func(_ context.Context, account platform.Account) (string, error) {
			if account.ID == "d-3" {
				return "resolved", nil
			}
			return "", errors.New("unexpected resolve")
		}),
	}

	report, err := o.Publish(context.Background(), Request{
		Content: "hi",
		Targets: []AccountRef{{AccountID: "d-1", DestinationOverride: "override"}, {AccountID: "d-2"}, {AccountID: "d-3"}},
		PlatformOptions: map[platform.Platform]platform.Options{
			platform.Discord: {platform.OptionDestination: "option"},
		},
	})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	got := map[string]string{}
	for _, in := range discord.calls() {
		got[in.Account.ID] = in.Destination
	}
	if got["d-1"] != "override" || got["d-2"] != "option" || got["d-3"] != "option" {
		t.Fatalf("destinations = %v", got)
	}

	report, err = o.Publish(context.Background(), Request{Content: "again", Targets: []AccountRef{{AccountID: "d-3"}}})
	if err != nil || !report.Success() {
		t.Fatalf("resolver delivery: %+v %v", report, err)
	}
	calls := discord.calls()
	if last := calls[len(calls)-1]; last.Destination != "resolved" {
		t.Fatalf("resolver destination = %q", last.Destination)
	}
}

func TestPublishMissingDestination(t *testing.T) {
	t.Parallel()

	discord := &fakeAdapter{platform: platform.Discord, policy: platform.Policy{RequiresDestination: true}}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "d-1", Platform: platform.Discord}}, discord)

	report, err := o.Publish(context.Background(), Request{Content: "hi", Targets: []AccountRef{{AccountID: "d-1"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if outcome, _ := report.Outcome("d-1"); outcome.ErrorKind != platform.KindValidationFailed {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(discord.calls()) != 0 {
		t.Fatal("adapter must not be called without a destination")
	}
}

func TestPublishPerAccountContentChecks(t *testing.T) {
	t.Parallel()

	x := &fakeAdapter{platform: platform.X, policy: platform.Policy{MaxMedia: 4, MaxTextRunes: 5, AcceptImages: true}}
	tg := &fakeAdapter{platform: platform.Telegram, policy: openPolicy()}
	disabled := platform.Account{ID: "yt-1", Platform: platform.YouTube}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}, {ID: "tg-1", Platform: platform.Telegram}, disabled}, x, tg)

	report, err := o.Publish(context.Background(), Request{Content: "longer than five", Targets: []AccountRef{{AccountID: "x-1"}, {AccountID: "tg-1"}, {AccountID: "yt-1"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if outcome, _ := report.Outcome("x-1"); outcome.ErrorKind != platform.KindValidationFailed {
		t.Fatalf("x outcome = %+v", outcome)
	}
	if outcome, _ := report.Outcome("tg-1"); !outcome.Success {
		t.Fatalf("telegram outcome = %+v", outcome)
	}
	if outcome, _ := report.Outcome("yt-1"); outcome.ErrorKind != platform.KindValidationFailed {
		t.Fatalf("unregistered platform outcome = %+v", outcome)
	}
}

func TestPublishReleasesMedia(t *testing.T) {
	t.Parallel()

	x := &fakeAdapter{platform: platform.X, policy: openPolicy(), publish: func(_ context.Context, in platform.PublishInput) (platform.Result, error) {
		if len(in.Content.Media[0].Bytes()) == 0 {
			return platform.Result{}, errors.New("media released early")
		}
		return platform.Result{RemoteID: "1"}, nil
	}}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}, {ID: "x-2", Platform: platform.X}}, x)

	asset := media.NewAsset("a.png", "image/png", []byte("png"))
	report, err := o.Publish(context.Background(), Request{Media: []*media.Asset{asset}, Targets: []AccountRef{{AccountID: "x-1"}, {AccountID: "x-2"}}})
	if err != nil || !report.Success() {
		t.Fatalf("Publish: %+v %v", report, err)
	}
	if asset.Bytes() != nil {
		t.Fatal("media should be released after publish")
	}
	if asset.Size != 3 {
		t.Fatalf("size = %d, want 3", asset.Size)
	}
}

func TestPublishCanceledRequest(t *testing.T) {
	t.Parallel()

	x := &fakeAdapter{platform: platform.X, policy: openPolicy(), publish: func(ctx context.Context, _ platform.PublishInput) (platform.Result, error) {
		return platform.Result{}, ctx.Err()
	}}
	o, _ := newOrchestrator(t, []platform.Account{{ID: "x-1", Platform: platform.X}}, x)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Publish(ctx, Request{Content: "hi", Targets: []AccountRef{{AccountID: "x-1"}}})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if outcome, _ := report.Outcome("x-1"); outcome.Success || outcome.ErrorKind != platform.KindUnknown {
		t.Fatalf("outcome = %+v", outcome)
	}
}
