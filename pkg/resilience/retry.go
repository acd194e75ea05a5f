package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultRetryAttempts is the number of calls made before giving up.
	DefaultRetryAttempts = 3
	// DefaultRetryInitialBackoff is the pause after the first failure.
	DefaultRetryInitialBackoff = 50 * time.Millisecond
	// DefaultRetryMaxBackoff caps the pause between attempts.
	DefaultRetryMaxBackoff = time.Second
)

// ErrRetriesExhausted is returned when every attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy bounds how often and how patiently an operation is repeated.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
}

// Normalize fills zero fields with defaults.
func (p *RetryPolicy) Normalize() {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryMaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, the context ends or the policy
// runs out of attempts. The last error is joined with ErrRetriesExhausted in the latter case.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	policy.Normalize()

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.Attempts {
			break
		}

		timer := time.NewTimer(Backoff(attempt, policy.InitialBackoff, policy.MaxBackoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return errors.Join(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, policy.Attempts), lastErr)
}

// Backoff returns the capped exponential pause that follows the given 1-based attempt.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = DefaultRetryInitialBackoff
	}
	if max <= 0 {
		max = DefaultRetryMaxBackoff
	}
	if attempt <= 1 {
		if initial > max {
			return max
		}
		return initial
	}

	backoff := initial
	for idx := 1; idx < attempt; idx++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}
