// Package retry provides bounded retry with jittered exponential backoff
// and token-bucket rate limiting for venue REST calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // first backoff delay
	MaxDelay    time.Duration // cap on the backoff delay
}

// DefaultPolicy is a sane venue-call policy: 5 attempts, 500ms base, 30s cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// retryAfterer is implemented by errors carrying a server-provided
// retry-after hint (rate-limit responses).
type retryAfterer interface {
	RetryAfter() time.Duration
}

// Do runs op until it succeeds, exhausts p.MaxAttempts, or ctx is cancelled.
// Delays grow exponentially with 0.5x-1.5x jitter. When an error carries a
// retry-after hint longer than the next backoff delay, the hint is honored
// first.
func Do(ctx context.Context, p Policy, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = 0.5
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	attempts := uint64(0)
	if p.MaxAttempts > 1 {
		attempts = uint64(p.MaxAttempts - 1)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, attempts), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var ra retryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(ra.RetryAfter()):
			}
		}
		return err
	}, b)
}
