package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout_Success(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWithTimeout_Timeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWithTimeout_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout_NonPositiveTimeoutPassesThrough(t *testing.T) {
	sentinel := errors.New("handler failed")
	err := WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("expected no deadline")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
