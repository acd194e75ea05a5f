package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/queuetest"
)

func TestStoreConformance(t *testing.T) {
	queuetest.RunStoreSuite(t, func(*testing.T) queue.Store {
		return NewStore()
	})
}

func seed(t *testing.T, store *Store, id string, visibleAt time.Time) {
	t.Helper()
	err := store.Insert(context.Background(), "mail", &queue.Item{ID: id, Queue: "mail", EarliestVisibleAt: visibleAt})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestClaimNext_ReturnsPreUpdateDocument(t *testing.T) {
	store := NewStore()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	seed(t, store, "a", now.Add(-time.Second))

	item, err := store.ClaimNext(context.Background(), "mail", queue.ClaimRequest{Now: now, LeaseFor: time.Minute})
	if err != nil || item == nil {
		t.Fatalf("claim: %+v, %v", item, err)
	}
	if !item.EarliestVisibleAt.Equal(now.Add(-time.Second)) {
		t.Fatalf("expected pre-update visibility, got %s", item.EarliestVisibleAt)
	}
	stored, _ := store.Get("mail", "a")
	if !stored.EarliestVisibleAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected stored lease expiry, got %s", stored.EarliestVisibleAt)
	}

	item.Payload = []byte("mutated")
	stored, _ = store.Get("mail", "a")
	if len(stored.Payload) != 0 {
		t.Fatal("returned item aliases stored state")
	}
}

func TestClaimNext_IsScopedToQueue(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()
	seed(t, store, "a", now)

	item, err := store.ClaimNext(context.Background(), "sms", queue.ClaimRequest{Now: now, LeaseFor: time.Minute})
	if err != nil || item != nil {
		t.Fatalf("expected nothing on another queue, got %+v, %v", item, err)
	}
}

func TestMutationsReportMisses(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if ok, err := store.ExtendLease(ctx, "mail", "missing", now); ok || err != nil {
		t.Fatalf("extend: %v, %v", ok, err)
	}
	if ok, err := store.Requeue(ctx, "mail", "missing", 1, now); ok || err != nil {
		t.Fatalf("requeue: %v, %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "mail", "missing"); ok || err != nil {
		t.Fatalf("delete: %v, %v", ok, err)
	}
}

func TestInsert_Duplicate(t *testing.T) {
	store := NewStore()
	seed(t, store, "a", time.Now())
	err := store.Insert(context.Background(), "mail", &queue.Item{ID: "a", Queue: "mail", EarliestVisibleAt: time.Now()})
	if !errors.Is(err, queue.ErrDuplicateItem) {
		t.Fatalf("expected ErrDuplicateItem, got %v", err)
	}
}

func TestInsert_Validates(t *testing.T) {
	store := NewStore()
	err := store.Insert(context.Background(), "mail", &queue.Item{Queue: "mail", EarliestVisibleAt: time.Now()})
	if !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	store := NewStore()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.ClaimNext(context.Background(), "mail", queue.ClaimRequest{Now: time.Now()}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := store.HealthCheck(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed from health check, got %v", err)
	}
}
