package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/memory"
)

const testQueue = "invoices"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func nopLogger() logger.Logger {
	return logger.Nop()
}

func newConsumer(t *testing.T, store queue.Store, cfg queue.ConsumerConfig) *queue.LeaseConsumer {
	t.Helper()
	if cfg.Queue == "" {
		cfg.Queue = testQueue
	}
	consumer, err := queue.NewConsumer(store, nopLogger(), cfg)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	return consumer
}

func newPublisher(t *testing.T, store queue.Store, cfg queue.PublisherConfig) *queue.StorePublisher {
	t.Helper()
	if cfg.Queue == "" {
		cfg.Queue = testQueue
	}
	publisher, err := queue.NewPublisher(store, nopLogger(), cfg)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	return publisher
}

func publish(t *testing.T, publisher queue.Publisher, id string, opts ...queue.SendOption) {
	t.Helper()
	opts = append([]queue.SendOption{queue.WithID(id)}, opts...)
	if _, err := queue.SendPayload(context.Background(), publisher, map[string]string{"id": id}, opts...); err != nil {
		t.Fatalf("publish %s: %v", id, err)
	}
}

func insertAt(t *testing.T, store *memory.Store, id, version string, visibleAt time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), testQueue, &queue.Item{
		ID:                id,
		Queue:             testQueue,
		Version:           version,
		EarliestVisibleAt: visibleAt,
		CreatedAt:         visibleAt,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}
