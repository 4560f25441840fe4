package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"crosspost/pkg/config"
)

// Reporter forwards unexpected failures to an error tracker.
type Reporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
	Recover(recovered any)
	Flush(timeout time.Duration)
}

// Nop discards every report.
type Nop struct{}

func (Nop) Capture(context.Context, error, map[string]string) {}
func (Nop) Recover(any)                                      {}
func (Nop) Flush(time.Duration)                              {}

// Sentry reports through a dedicated sentry hub.
type Sentry struct {
	hub *sentry.Hub
}

// NewReporter returns a Sentry reporter when a DSN is configured, Nop
// otherwise.
func NewReporter(cfg config.TelemetryConfig, release string) (Reporter, error) {
	if cfg.SentryDSN == "" {
		return Nop{}, nil
	}
	return NewSentry(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
	})
}

// NewSentry creates a reporter with its own client.
func NewSentry(opts sentry.ClientOptions) (*Sentry, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) Capture(_ context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureException(err)
	})
}

func (s *Sentry) Recover(recovered any) {
	s.hub.Recover(recovered)
}

func (s *Sentry) Flush(timeout time.Duration) {
	s.hub.Flush(timeout)
}
