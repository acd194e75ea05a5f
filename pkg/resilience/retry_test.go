package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var errTransient = errors.New("connection reset")

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last error to be joined, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("duplicate key")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{
		Attempts:       5,
		InitialBackoff: time.Millisecond,
		Retryable:      func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected permanent error unwrapped, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 5, InitialBackoff: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) && !errors.Is(err, errTransient) {
		t.Fatalf("expected cancellation or last error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 10 * time.Millisecond},
		{attempt: 1, want: 10 * time.Millisecond},
		{attempt: 2, want: 20 * time.Millisecond},
		{attempt: 3, want: 40 * time.Millisecond},
		{attempt: 10, want: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, 10*time.Millisecond, 100*time.Millisecond); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProperty_BackoffIsMonotonicAndCapped(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("backoff never decreases and never exceeds max", prop.ForAll(
		func(attempt int, initialMs int, maxMs int) bool {
			initial := time.Duration(initialMs) * time.Millisecond
			max := time.Duration(maxMs) * time.Millisecond
			current := Backoff(attempt, initial, max)
			next := Backoff(attempt+1, initial, max)
			return current <= max && next >= current
		},
		gen.IntRange(1, 40),
		gen.IntRange(1, 500),
		gen.IntRange(1, 5000),
	))

	properties.TestingRun(t)
}
