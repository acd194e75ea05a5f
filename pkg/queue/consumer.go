package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/tracing"
)

const (
	// DefaultPollInterval is used when Get is called with a non-positive poll interval.
	DefaultPollInterval = 100 * time.Millisecond
)

// Consumer claims and finalizes work items of one queue.
type Consumer interface {
	// Get claims the oldest visible item, polling until wait elapses. It returns nil, nil when
	// nothing was claimed. A zero wait makes a single non-blocking attempt.
	Get(ctx context.Context, wait, poll time.Duration) (*Item, error)
	// UpdateHeartbeat extends the lease of a held item. false means the lease was lost.
	UpdateHeartbeat(ctx context.Context, item *Item) (bool, error)
	// Ack deletes a processed item. It reports whether the item still existed.
	Ack(ctx context.Context, item *Item) (bool, error)
	// Requeue sets retries and visibility of an item regardless of its lease. A zero visibleAt
	// means now.
	Requeue(ctx context.Context, id string, retries int, visibleAt time.Time) (bool, error)
	Count(ctx context.Context, filter CountFilter) (int64, error)
	Name() string
}

// ConsumerConfig configures a LeaseConsumer.
type ConsumerConfig struct {
	Queue         string
	Version       string
	VersionFilter VersionFilter
	LeaseDuration time.Duration
	// PollInterval replaces a non-positive poll argument of Get.
	PollInterval time.Duration
	// Backend labels spans with the store backend name.
	Backend string
	Clock   Clock
}

func (c *ConsumerConfig) normalize() {
	c.Queue = strings.TrimSpace(c.Queue)
	c.Version = strings.TrimSpace(c.Version)
	if c.VersionFilter == "" {
		c.VersionFilter = VersionFilterNone
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// LeaseConsumer is the store-backed Consumer.
//
// Get runs behind a process-local admission gate so that one consumer never races itself on the
// store. Cross-process exclusion comes from the atomic claim of the store alone.
type LeaseConsumer struct {
	store  Store
	log    logger.Logger
	config ConsumerConfig
	gate   chan struct{}
}

var _ Consumer = (*LeaseConsumer)(nil)

// NewConsumer creates a consumer bound to one queue of store.
func NewConsumer(store Store, log logger.Logger, cfg ConsumerConfig) (*LeaseConsumer, error) {
	if store == nil {
		return nil, queueError(ErrValidation, "store is required")
	}
	if log == nil {
		return nil, queueError(ErrValidation, "logger is required")
	}
	cfg.normalize()
	if cfg.Queue == "" {
		return nil, queueError(ErrValidation, "queue name is required")
	}
	if _, err := ParseVersionFilter(string(cfg.VersionFilter)); err != nil {
		return nil, err
	}
	if cfg.VersionFilter == VersionFilterStrict && cfg.Version == "" {
		return nil, queueError(ErrValidation, "strict version filtering requires a version")
	}

	return &LeaseConsumer{
		store:  store,
		log:    log.With("queue", cfg.Queue),
		config: cfg,
		gate:   make(chan struct{}, 1),
	}, nil
}

// Name returns the logical queue name.
func (c *LeaseConsumer) Name() string {
	return c.config.Queue
}

// LeaseDuration returns the lease applied on claim and heartbeat.
func (c *LeaseConsumer) LeaseDuration() time.Duration {
	return c.config.LeaseDuration
}

// Now returns the current time of the consumer clock.
func (c *LeaseConsumer) Now() time.Time {
	return c.config.Clock.now()
}

// Get implements Consumer.
//
// The returned item is the document as it was before the claim; its EarliestVisibleAt is the
// previous visibility, not the new lease expiry. Store failures that survive the retry policy
// count as "nothing claimed this round" and polling continues. Cancellation returns nil, nil.
func (c *LeaseConsumer) Get(ctx context.Context, wait, poll time.Duration) (*Item, error) {
	if ctx == nil {
		return nil, queueError(ErrValidation, "context is required")
	}
	if wait < 0 {
		return nil, queueError(ErrValidation, "wait must be >= 0")
	}
	if poll <= 0 {
		poll = c.config.PollInterval
	}

	started := time.Now()
	if !c.acquire(ctx, wait) {
		observeClaimWait(c.config.Queue, false, started)
		return nil, nil
	}
	defer c.release()

	// The wait window runs on the process timer; Clock only stamps claims.
	deadline := started.Add(wait)
	for {
		item, err := c.claim(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, ErrValidation) {
				return nil, err
			}
			if ctx.Err() != nil {
				observeClaimWait(c.config.Queue, false, started)
				return nil, nil
			}
			recordClaimFailure(c.config.Queue)
			c.log.Warn("queue claim failed, nothing claimed this round", "error", err)
		}
		if item != nil {
			observeClaimWait(c.config.Queue, true, started)
			return item, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			observeClaimWait(c.config.Queue, false, started)
			return nil, nil
		}
		if !sleep(ctx, minDuration(poll, remaining)) {
			observeClaimWait(c.config.Queue, false, started)
			return nil, nil
		}
	}
}

func (c *LeaseConsumer) claim(ctx context.Context) (*Item, error) {
	spanCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationClaim,
		tracing.WithQueue(c.config.Queue),
		tracing.WithBackend(c.config.Backend),
	)
	defer span.End()

	req := ClaimRequest{
		Now:           c.config.Clock.now(),
		LeaseFor:      c.config.LeaseDuration,
		Version:       c.config.Version,
		FilterVersion: c.config.VersionFilter == VersionFilterStrict,
	}
	item, err := c.store.ClaimNext(spanCtx, c.config.Queue, req)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	span.SetAttributes(tracing.ItemAttributes(item.ID, item.Retries)...)
	tracing.RecordSuccess(span)
	recordClaimed(c.config.Queue)
	c.log.WithContext(ctx).Debug("queue item claimed", "item_id", item.ID, "retries", item.Retries, "lease_until", req.LeaseUntil())
	return item, nil
}

// UpdateHeartbeat implements Consumer. On success item.EarliestVisibleAt is moved to the new
// lease expiry; on a miss the item is left untouched.
func (c *LeaseConsumer) UpdateHeartbeat(ctx context.Context, item *Item) (bool, error) {
	if err := c.checkItem(ctx, item); err != nil {
		return false, err
	}
	spanCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationHeartbeat,
		tracing.WithQueue(c.config.Queue),
		tracing.WithItemID(item.ID),
		tracing.WithBackend(c.config.Backend),
	)
	defer span.End()

	visibleAt := c.config.Clock.now().Add(c.config.LeaseDuration)
	matched, err := c.store.ExtendLease(spanCtx, c.config.Queue, item.ID, visibleAt)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	if !matched {
		recordLostLease(c.config.Queue)
		c.log.WithContext(ctx).Warn("queue lease lost, item may be processed elsewhere", "item_id", item.ID)
		return false, nil
	}
	item.EarliestVisibleAt = visibleAt
	tracing.RecordSuccess(span)
	return true, nil
}

// Ack implements Consumer. A second ack of the same item returns false, nil.
func (c *LeaseConsumer) Ack(ctx context.Context, item *Item) (bool, error) {
	if err := c.checkItem(ctx, item); err != nil {
		return false, err
	}
	spanCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationAck,
		tracing.WithQueue(c.config.Queue),
		tracing.WithItemID(item.ID),
		tracing.WithBackend(c.config.Backend),
	)
	defer span.End()

	deleted, err := c.store.Delete(spanCtx, c.config.Queue, item.ID)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	recordAcked(c.config.Queue, deleted)
	if !deleted {
		c.log.WithContext(ctx).Debug("queue ack found no item", "item_id", item.ID)
	}
	tracing.RecordSuccess(span)
	return deleted, nil
}

// Requeue implements Consumer.
func (c *LeaseConsumer) Requeue(ctx context.Context, id string, retries int, visibleAt time.Time) (bool, error) {
	if ctx == nil {
		return false, queueError(ErrValidation, "context is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, queueError(ErrValidation, "item id is required")
	}
	if retries < 0 {
		return false, queueError(ErrValidation, "retries must be >= 0")
	}
	if visibleAt.IsZero() {
		visibleAt = c.config.Clock.now()
	}
	spanCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationRequeue,
		tracing.WithQueue(c.config.Queue),
		tracing.WithItemID(id),
		tracing.WithRetries(retries),
		tracing.WithBackend(c.config.Backend),
	)
	defer span.End()

	matched, err := c.store.Requeue(spanCtx, c.config.Queue, id, retries, visibleAt.UTC())
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	recordRequeued(c.config.Queue, matched)
	if !matched {
		c.log.WithContext(ctx).Warn("queue requeue found no item", "item_id", id)
	}
	tracing.RecordSuccess(span)
	return matched, nil
}

// Count implements Consumer.
func (c *LeaseConsumer) Count(ctx context.Context, filter CountFilter) (int64, error) {
	if ctx == nil {
		return 0, queueError(ErrValidation, "context is required")
	}
	return c.store.Count(ctx, c.config.Queue, filter, c.config.Clock.now())
}

func (c *LeaseConsumer) checkItem(ctx context.Context, item *Item) error {
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return queueError(ErrValidation, "item with id is required")
	}
	return nil
}

func (c *LeaseConsumer) acquire(ctx context.Context, wait time.Duration) bool {
	select {
	case c.gate <- struct{}{}:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.gate <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *LeaseConsumer) release() {
	<-c.gate
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// NoopConsumer is the consumer of an administratively disabled queue. Get claims nothing; it
// waits out the wait window so polling loops do not spin.
type NoopConsumer struct {
	name string
}

var _ Consumer = NoopConsumer{}

// NewNoopConsumer creates a disabled consumer for name.
func NewNoopConsumer(name string) NoopConsumer {
	return NoopConsumer{name: strings.TrimSpace(name)}
}

func (n NoopConsumer) Get(ctx context.Context, wait, _ time.Duration) (*Item, error) {
	if ctx == nil {
		return nil, queueError(ErrValidation, "context is required")
	}
	if wait > 0 {
		sleep(ctx, wait)
	}
	return nil, nil
}

func (NoopConsumer) UpdateHeartbeat(context.Context, *Item) (bool, error) { return false, nil }

func (NoopConsumer) Ack(context.Context, *Item) (bool, error) { return false, nil }

func (NoopConsumer) Requeue(context.Context, string, int, time.Time) (bool, error) {
	return false, nil
}

func (NoopConsumer) Count(context.Context, CountFilter) (int64, error) { return 0, nil }

func (n NoopConsumer) Name() string { return n.name }
