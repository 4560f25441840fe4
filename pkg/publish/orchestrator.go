// Package publish fans one post out to every selected account and aggregates
// the per-account outcomes into a report.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crosspost/pkg/bus"
	"crosspost/pkg/classify"
	"crosspost/pkg/config"
	"crosspost/pkg/logger"
	"crosspost/pkg/media"
	"crosspost/pkg/platform"
	"crosspost/pkg/store"
	"crosspost/pkg/telemetry"
)

const (
	defaultMaxParallel     = 8
	defaultPipelineTimeout = 2 * time.Minute
)

// Deps are the collaborators an orchestrator delivers through. Registry and
// Store are required.
type Deps struct {
	Registry *platform.Registry
	Store    store.TokenStore
	// Destinations resolves a default destination for platforms whose
	// adapter cannot pick one itself.
	Destinations map[platform.Platform]platform.DestinationResolver
	Metrics      *telemetry.Metrics
	Reporter     telemetry.Reporter
	Bus          *bus.Bus
}

// Orchestrator delivers posts. It is safe for concurrent use.
type Orchestrator struct {
	deps        Deps
	retry       RetryPolicy
	maxParallel int
	timeout     time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// New creates an orchestrator.
func New(cfg config.PublishConfig, deps Deps, log *slog.Logger) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("publish orchestrator requires a platform registry")
	}
	if deps.Store == nil {
		return nil, errors.New("publish orchestrator requires a token store")
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		deps:        deps,
		retry:       RetryPolicyFrom(cfg).normalized(),
		maxParallel: cfg.MaxParallel,
		timeout:     time.Duration(cfg.PipelineTimeoutSeconds) * time.Second,
		now:         time.Now,
		log:         log.With("component", "publish.orchestrator"),
	}
	if o.maxParallel <= 0 {
		o.maxParallel = defaultMaxParallel
	}
	if o.timeout <= 0 {
		o.timeout = defaultPipelineTimeout
	}
	return o, nil
}

// pipeline is one resolved target.
type pipeline struct {
	ref     AccountRef
	account platform.Account
	adapter platform.Adapter
	// unavailable is set when no adapter serves the account's platform.
	unavailable error
}

// Publish validates req, delivers it to every target and returns once every
// delivery has terminated. Only a malformed request (a *ValidationError)
// or a lookup failure of the token store is returned as an error; every
// per-account failure is an outcome in the report.
func (o *Orchestrator) Publish(ctx context.Context, req Request) (*Report, error) {
	pipelines, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(o.now()) {
		return nil, fmt.Errorf("%w: scheduled for %s", ErrNotDue, req.ScheduledAt.UTC().Format(time.RFC3339))
	}
	defer media.ReleaseAll(req.Media)

	report := &Report{ID: uuid.NewString(), outcomes: make([]Outcome, len(pipelines))}
	log := o.log.With("request_id", report.ID)
	log.Info("Publishing post",
		"targets", len(pipelines),
		"media", len(req.Media),
		"content", logger.Preview(req.Content),
	)
	o.emit(ctx, bus.Event{Type: bus.EventRequestReceived, RequestID: report.ID})
	done := o.deps.Metrics.RequestStarted()

	var g errgroup.Group
	g.SetLimit(o.maxParallel)
	for i, p := range pipelines {
		g.Go(func() error {
			report.outcomes[i] = o.run(ctx, report.ID, req, p, log)
			return nil
		})
	}
	_ = g.Wait()

	status := report.Status()
	done(string(status))
	o.emit(ctx, bus.Event{Type: bus.EventRequestCompleted, RequestID: report.ID, Status: string(status)})
	log.Info("Post published",
		"status", status,
		"succeeded", report.SuccessCount(),
		"failed", report.FailureCount(),
	)
	return report, nil
}

// validate rejects malformed requests and resolves every target to its
// account before any delivery starts.
func (o *Orchestrator) validate(ctx context.Context, req Request) ([]pipeline, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Media) == 0 {
		return nil, invalid("content or media is required")
	}
	if len(req.Targets) == 0 {
		return nil, invalid("at least one target account is required")
	}
	if len(req.Media) > MaxMedia {
		return nil, invalid("at most %d media assets are allowed, got %d", MaxMedia, len(req.Media))
	}
	for _, asset := range req.Media {
		if asset == nil || len(asset.Bytes()) == 0 {
			return nil, invalid("media asset is empty")
		}
	}

	seen := make(map[string]bool, len(req.Targets))
	pipelines := make([]pipeline, 0, len(req.Targets))
	for _, ref := range req.Targets {
		ref.AccountID = strings.TrimSpace(ref.AccountID)
		if ref.AccountID == "" {
			return nil, invalid("target account id is required")
		}
		if seen[ref.AccountID] {
			return nil, &ValidationError{AccountID: ref.AccountID, Reason: "account is targeted more than once"}
		}
		seen[ref.AccountID] = true

		account, err := o.deps.Store.Account(ctx, ref.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &ValidationError{AccountID: ref.AccountID, Reason: "account is not connected"}
			}
			return nil, fmt.Errorf("load account %s: %w", ref.AccountID, err)
		}
		if !account.Platform.Valid() {
			return nil, &ValidationError{AccountID: ref.AccountID, Reason: fmt.Sprintf("unknown platform %q", account.Platform)}
		}
		if ref.Platform != "" && ref.Platform != account.Platform {
			return nil, &ValidationError{AccountID: ref.AccountID, Reason: fmt.Sprintf("account belongs to %s, not %s", account.Platform, ref.Platform)}
		}
		ref.Platform = account.Platform

		p := pipeline{ref: ref, account: account}
		p.adapter, p.unavailable = o.deps.Registry.Adapter(account.Platform)
		if p.adapter != nil && p.adapter.Policy().RequiresMedia && len(req.Media) == 0 {
			return nil, &ValidationError{AccountID: ref.AccountID, Reason: fmt.Sprintf("%s requires at least one media asset", account.Platform)}
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// run is one account's pipeline. It never panics into the fan-out and always
// produces an outcome.
func (o *Orchestrator) run(ctx context.Context, requestID string, req Request, p pipeline, log *slog.Logger) (out Outcome) {
	started := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	log = log.With("account_id", p.ref.AccountID, "platform", string(p.ref.Platform))
	event := bus.Event{RequestID: requestID, AccountID: p.ref.AccountID, Platform: string(p.ref.Platform)}

	defer func() {
		if recovered := recover(); recovered != nil {
			o.deps.Reporter.Recover(recovered)
			log.Error("Delivery panicked", "panic", recovered)
			out = failed(p.ref, p.ref.Platform, platform.NewFailure(platform.KindUnknown, fmt.Sprintf("internal error: %v", recovered)))
		}
		o.record(ctx, event, out, o.now().Sub(started), log)
	}()

	begin := event
	begin.Type = bus.EventPipelineStarted
	o.emit(ctx, begin)

	result, failure := o.deliver(ctx, event, req, p, log)
	if failure != nil {
		return failed(p.ref, p.ref.Platform, failure)
	}
	return succeeded(p.ref, p.ref.Platform, result)
}

func (o *Orchestrator) deliver(ctx context.Context, event bus.Event, req Request, p pipeline, log *slog.Logger) (platform.Result, *platform.Failure) {
	if p.unavailable != nil {
		return platform.Result{}, &platform.Failure{
			Kind:   platform.KindValidationFailed,
			Detail: fmt.Sprintf("%s publishing is not enabled", p.ref.Platform),
			Err:    p.unavailable,
		}
	}

	content := platform.Content{Text: strings.TrimSpace(req.Content), Media: req.Media}
	if err := platform.CheckContent(p.ref.Platform, p.adapter.Policy(), content); err != nil {
		return platform.Result{}, classify.Classify(p.ref.Platform, err, false)
	}

	canRefresh := p.account.Credentials.CanRefresh()
	dest, err := o.destination(ctx, p, req)
	if err != nil {
		return platform.Result{}, classify.Classify(p.ref.Platform, err, canRefresh)
	}

	in := platform.PublishInput{
		Account:     p.account,
		Content:     content,
		Destination: dest,
		Options:     req.options(p.ref.Platform),
	}
	result, err := o.attempt(ctx, event, p.adapter, in, log)
	if err == nil {
		return result, nil
	}

	failure := classify.Classify(p.ref.Platform, err, canRefresh)
	if failure.Kind != platform.KindTokenRefreshable {
		return platform.Result{}, failure
	}
	refresher, ok := p.adapter.(platform.Refresher)
	if !ok {
		return platform.Result{}, failure
	}

	creds, err := o.refresh(ctx, event, p, refresher, log)
	if err != nil {
		return platform.Result{}, &platform.Failure{
			Kind:   platform.KindRequiresReconnect,
			Detail: "token refresh failed: " + err.Error(),
			Err:    err,
		}
	}
	in.Account.Credentials = creds

	result, err = o.attempt(ctx, event, p.adapter, in, log)
	if err == nil {
		return result, nil
	}
	failure = classify.Classify(p.ref.Platform, err, creds.CanRefresh())
	if failure.Kind == platform.KindTokenRefreshable {
		// A fresh token was rejected too; refreshing again will not help.
		failure.Kind = platform.KindRequiresReconnect
	}
	return platform.Result{}, failure
}

// attempt calls the adapter under the retry policy. Only transient failures
// are retried.
func (o *Orchestrator) attempt(ctx context.Context, event bus.Event, adapter platform.Adapter, in platform.PublishInput, log *slog.Logger) (platform.Result, error) {
	p := adapter.Platform()
	canRefresh := in.Account.Credentials.CanRefresh()

	retryable := func(err error) bool {
		failure := classify.Classify(p, err, canRefresh)
		return failure.Kind == platform.KindUnknown && failure.Retryable
	}
	onRetry := func(attempt int, err error) {
		log.Warn("Retrying delivery", "attempt", attempt, "error", err)
		o.deps.Metrics.Retry(string(p))
		retrying := event
		retrying.Type = bus.EventPipelineRetrying
		retrying.Attempt = attempt
		retrying.Error = err.Error()
		o.emit(ctx, retrying)
	}

	result, err := o.retry.Run(ctx, retryable, onRetry, func(ctx context.Context) (platform.Result, error) {
		return adapter.Publish(ctx, in)
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return result, err
}

// refresh exchanges the refresh token once and persists the result. A
// failed write is logged; the new token is still used for this delivery.
func (o *Orchestrator) refresh(ctx context.Context, event bus.Event, p pipeline, refresher platform.Refresher, log *slog.Logger) (platform.Credentials, error) {
	creds, err := refresher.Refresh(ctx, p.account.Credentials)
	o.deps.Metrics.Refresh(string(p.ref.Platform), err == nil)
	if err != nil {
		log.Warn("Token refresh failed", "error", err)
		return platform.Credentials{}, err
	}

	if err := o.deps.Store.UpdateCredentials(ctx, p.account.ID, creds); err != nil {
		log.Error("Persist refreshed token failed", "error", err)
	} else {
		log.Info("Token refreshed")
	}

	refreshed := event
	refreshed.Type = bus.EventTokenRefreshed
	o.emit(ctx, refreshed)
	return creds, nil
}

// destination picks where the post goes: the target override, then the
// platform option, then a configured resolver, then the adapter's own
// default. Platforms that need none get an empty destination.
func (o *Orchestrator) destination(ctx context.Context, p pipeline, req Request) (string, error) {
	if dest := strings.TrimSpace(p.ref.DestinationOverride); dest != "" {
		return dest, nil
	}
	if dest := req.options(p.ref.Platform).Get(platform.OptionDestination); dest != "" {
		return dest, nil
	}
	if resolver, ok := o.deps.Destinations[p.ref.Platform]; ok && resolver != nil {
		return resolver.DefaultDestination(ctx, p.account)
	}
	if resolver, ok := p.adapter.(platform.DestinationResolver); ok {
		return resolver.DefaultDestination(ctx, p.account)
	}
	if p.adapter.Policy().RequiresDestination {
		return "", platform.NewFailure(platform.KindValidationFailed, fmt.Sprintf("%s requires a destination", p.ref.Platform))
	}
	return "", nil
}

func (o *Orchestrator) record(ctx context.Context, event bus.Event, out Outcome, took time.Duration, log *slog.Logger) {
	o.deps.Metrics.Delivery(string(out.Platform), string(out.ErrorKind), took)

	if out.Success {
		event.Type = bus.EventPipelineSucceeded
		event.RemoteID = out.RemoteID
		log.Info("Delivered", "remote_id", out.RemoteID, "duration_ms", took.Milliseconds())
	} else {
		event.Type = bus.EventPipelineFailed
		event.Kind = string(out.ErrorKind)
		event.Error = out.ErrorDetail
		log.Warn("Delivery failed", "kind", out.ErrorKind, "detail", out.ErrorDetail, "duration_ms", took.Milliseconds())
		if out.ErrorKind == platform.KindUnknown {
			o.deps.Reporter.Capture(ctx, errors.New(out.ErrorDetail), map[string]string{
				"platform":   string(out.Platform),
				"account_id": out.AccountID,
			})
		}
	}
	o.emit(ctx, event)
}

// emit stamps and publishes an event. Events go out even after the request
// context ends so subscribers always see terminal events.
func (o *Orchestrator) emit(ctx context.Context, event bus.Event) {
	if o.deps.Bus == nil {
		return
	}
	event.At = o.now().UTC()
	o.deps.Bus.Publish(context.WithoutCancel(ctx), event)
}
