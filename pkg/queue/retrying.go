package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/resilience"
)

// RetryingStoreConfig configures the bounded retry applied around every store call.
type RetryingStoreConfig struct {
	Retry resilience.RetryPolicy
	// Breaker, when set, rejects calls while the store keeps failing.
	Breaker *resilience.CircuitBreaker
}

// RetryingStore masks transient store failures with a bounded retry policy. Errors that survive
// the policy are wrapped with ErrStoreUnavailable; non-retryable errors pass through unchanged.
type RetryingStore struct {
	next    Store
	log     logger.Logger
	policy  resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

// NewRetryingStore wraps next.
func NewRetryingStore(next Store, log logger.Logger, cfg RetryingStoreConfig) (*RetryingStore, error) {
	if next == nil {
		return nil, queueError(ErrValidation, "store is required")
	}
	if log == nil {
		return nil, queueError(ErrValidation, "logger is required")
	}
	policy := cfg.Retry
	policy.Retryable = IsRetryable
	policy.Normalize()
	if cfg.Breaker != nil {
		cfg.Breaker.WithFailureFilter(IsRetryable)
	}
	return &RetryingStore{
		next:    next,
		log:     log,
		policy:  policy,
		breaker: cfg.Breaker,
	}, nil
}

// Unwrap returns the wrapped store.
func (s *RetryingStore) Unwrap() Store {
	return s.next
}

func (s *RetryingStore) ClaimNext(ctx context.Context, queue string, req ClaimRequest) (*Item, error) {
	var item *Item
	err := s.do(ctx, "claim", queue, func(opCtx context.Context) error {
		var err error
		item, err = s.next.ClaimNext(opCtx, queue, req)
		return err
	})
	return item, err
}

func (s *RetryingStore) ExtendLease(ctx context.Context, queue, id string, visibleAt time.Time) (bool, error) {
	var matched bool
	err := s.do(ctx, "extend_lease", queue, func(opCtx context.Context) error {
		var err error
		matched, err = s.next.ExtendLease(opCtx, queue, id, visibleAt)
		return err
	})
	return matched, err
}

func (s *RetryingStore) Requeue(ctx context.Context, queue, id string, retries int, visibleAt time.Time) (bool, error) {
	var matched bool
	err := s.do(ctx, "requeue", queue, func(opCtx context.Context) error {
		var err error
		matched, err = s.next.Requeue(opCtx, queue, id, retries, visibleAt)
		return err
	})
	return matched, err
}

func (s *RetryingStore) Delete(ctx context.Context, queue, id string) (bool, error) {
	var deleted bool
	err := s.do(ctx, "delete", queue, func(opCtx context.Context) error {
		var err error
		deleted, err = s.next.Delete(opCtx, queue, id)
		return err
	})
	return deleted, err
}

// Insert retries transient failures. A duplicate reported on a retry means an earlier attempt
// reached the store, so it is surfaced as ErrDuplicateItem like any other duplicate.
func (s *RetryingStore) Insert(ctx context.Context, queue string, item *Item) error {
	return s.do(ctx, "insert", queue, func(opCtx context.Context) error {
		return s.next.Insert(opCtx, queue, item)
	})
}

func (s *RetryingStore) Count(ctx context.Context, queue string, filter CountFilter, now time.Time) (int64, error) {
	var count int64
	err := s.do(ctx, "count", queue, func(opCtx context.Context) error {
		var err error
		count, err = s.next.Count(opCtx, queue, filter, now)
		return err
	})
	return count, err
}

func (s *RetryingStore) HealthCheck(ctx context.Context) error {
	return s.next.HealthCheck(ctx)
}

func (s *RetryingStore) Close() error {
	return s.next.Close()
}

func (s *RetryingStore) do(ctx context.Context, operation, queue string, fn func(context.Context) error) error {
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}
	call := fn
	if s.breaker != nil {
		call = func(opCtx context.Context) error {
			return s.breaker.Execute(opCtx, fn)
		}
	}

	attempts := 0
	err := resilience.Retry(ctx, s.policy, func(opCtx context.Context) error {
		attempts++
		err := call(opCtx)
		if err != nil && IsRetryable(err) && ctx.Err() == nil {
			s.log.Debug("queue store call failed", "operation", operation, "queue", queue, "attempt", attempts, "error", err)
		}
		return err
	})
	if err == nil || !IsRetryable(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	s.log.Warn("queue store unavailable", "operation", operation, "queue", queue, "attempts", attempts, "error", err)
	return errors.Join(queueError(ErrStoreUnavailable, operation+" failed"), err)
}
