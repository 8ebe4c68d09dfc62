package gitea

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how transient failures are repeated.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * p.InitialInterval
	}
	return p
}

// NoRetry runs a call exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Retry calls fn until it succeeds, fails with a non-transient error, the
// attempts are used up or ctx is done. The last error is returned as is.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	p = p.withDefaults()
	if p.MaxAttempts == 1 {
		return fn(ctx)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if last == nil || IsRetryable(last) {
			return last
		}
		return backoff.Permanent(last)
	}, policy)
	if err != nil && last != nil {
		return last
	}
	return err
}
