package publish

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"crosspost/pkg/config"
	"crosspost/pkg/platform"
)

const defaultRetryAttempts = 3

// RetryPolicy bounds automatic re-delivery of transient failures. Auth and
// validation failures never reach it as retryable.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// RetryPolicyFrom reads the policy from publish config.
func RetryPolicyFrom(cfg config.PublishConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Backoff:     time.Duration(cfg.RetryBackoffMillis) * time.Millisecond,
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = defaultRetryAttempts
	}
	if r.Backoff < 0 {
		r.Backoff = 0
	}
	return r
}

// Run calls fn until it succeeds, fails with an error retryable rejects, or
// the attempts run out. onRetry sees the attempt number about to start and
// the error that caused it. The last error is returned unwrapped.
func (r RetryPolicy) Run(
	ctx context.Context,
	retryable func(error) bool,
	onRetry func(attempt int, err error),
	fn func(ctx context.Context) (platform.Result, error),
) (platform.Result, error) {
	r = r.normalized()
	attempts := 0

	builder := retrypolicy.NewBuilder[platform.Result]().
		HandleIf(func(_ platform.Result, err error) bool {
			return err != nil && ctx.Err() == nil && retryable(err)
		}).
		WithMaxAttempts(r.MaxAttempts).
		ReturnLastFailure()
	if r.Backoff > 0 {
		builder = builder.WithDelay(r.Backoff)
	}
	if onRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[platform.Result]) {
			onRetry(attempts+1, e.LastError())
		})
	}

	return failsafe.With(builder.Build()).WithContext(ctx).Get(func() (platform.Result, error) {
		attempts++
		return fn(ctx)
	})
}
