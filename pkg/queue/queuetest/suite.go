// Package queuetest provides a conformance suite that every queue.Store implementation runs in
// its tests.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/workqueue/pkg/queue"
)

// StoreFactory returns an empty store. The suite closes it when the subtest ends.
type StoreFactory func(t *testing.T) queue.Store

// base is truncated to milliseconds because several backends store that precision.
var base = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

// RunStoreSuite checks the queue.Store contract against stores built by newStore.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, store queue.Store, queueName string)) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store, fmt.Sprintf("suite-%d", time.Now().UnixNano()))
		})
	}

	run("ClaimReturnsPreUpdateDocumentAndLeases", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "a", EarliestVisibleAt: base, Payload: []byte(`{"n":1}`), Context: map[string]string{"k": "v"}})
		req := queue.ClaimRequest{Now: base.Add(time.Second), LeaseFor: time.Minute}

		item := mustClaim(t, store, q, req)
		if item == nil || item.ID != "a" {
			t.Fatalf("expected item a, got %+v", item)
		}
		if !item.EarliestVisibleAt.Equal(base) {
			t.Fatalf("expected pre-update visibility %s, got %s", base, item.EarliestVisibleAt)
		}
		if string(item.Payload) != `{"n":1}` || item.Context["k"] != "v" {
			t.Fatalf("payload or context not preserved: %+v", item)
		}
		if again := mustClaim(t, store, q, req); again != nil {
			t.Fatalf("expected leased item to be invisible, got %+v", again)
		}
		expired := queue.ClaimRequest{Now: req.LeaseUntil(), LeaseFor: time.Minute}
		if redelivered := mustClaim(t, store, q, expired); redelivered == nil || redelivered.ID != "a" {
			t.Fatalf("expected redelivery at lease expiry, got %+v", redelivered)
		}
	})

	run("ClaimOrdersByVisibility", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "late", EarliestVisibleAt: base.Add(2 * time.Second)})
		mustInsert(t, store, q, &queue.Item{ID: "early", EarliestVisibleAt: base})
		mustInsert(t, store, q, &queue.Item{ID: "future", EarliestVisibleAt: base.Add(time.Hour)})
		req := queue.ClaimRequest{Now: base.Add(time.Minute), LeaseFor: time.Hour * 2}

		for _, want := range []string{"early", "late"} {
			if item := mustClaim(t, store, q, req); item == nil || item.ID != want {
				t.Fatalf("expected %s, got %+v", want, item)
			}
		}
		if item := mustClaim(t, store, q, req); item != nil {
			t.Fatalf("expected future item to be invisible, got %+v", item)
		}
	})

	run("VersionFilter", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "v1", Version: "v1", EarliestVisibleAt: base})
		mustInsert(t, store, q, &queue.Item{ID: "untagged", EarliestVisibleAt: base.Add(time.Second)})
		mustInsert(t, store, q, &queue.Item{ID: "v2", Version: "v2", EarliestVisibleAt: base.Add(2 * time.Second)})
		req := queue.ClaimRequest{Now: base.Add(time.Minute), LeaseFor: time.Hour, Version: "v2", FilterVersion: true}

		claimed := map[string]bool{}
		for {
			item := mustClaim(t, store, q, req)
			if item == nil {
				break
			}
			claimed[item.ID] = true
		}
		if claimed["v1"] || !claimed["untagged"] || !claimed["v2"] || len(claimed) != 2 {
			t.Fatalf("unexpected claims under version filter: %v", claimed)
		}
	})

	run("ExtendLease", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "a", EarliestVisibleAt: base})
		target := base.Add(10 * time.Minute)
		ok, err := store.ExtendLease(context.Background(), q, "a", target)
		if err != nil || !ok {
			t.Fatalf("extend: %v, %v", ok, err)
		}
		if item := mustClaim(t, store, q, queue.ClaimRequest{Now: target.Add(-time.Millisecond), LeaseFor: time.Minute}); item != nil {
			t.Fatalf("expected extended item to be invisible, got %+v", item)
		}
		ok, err = store.ExtendLease(context.Background(), q, "missing", target)
		if err != nil || ok {
			t.Fatalf("expected miss for unknown id, got %v, %v", ok, err)
		}
	})

	run("RequeueSetsRetriesAndVisibility", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "a", EarliestVisibleAt: base})
		if item := mustClaim(t, store, q, queue.ClaimRequest{Now: base, LeaseFor: time.Hour}); item == nil {
			t.Fatal("expected claim")
		}
		target := base.Add(5 * time.Second)
		ok, err := store.Requeue(context.Background(), q, "a", 3, target)
		if err != nil || !ok {
			t.Fatalf("requeue: %v, %v", ok, err)
		}
		item := mustClaim(t, store, q, queue.ClaimRequest{Now: target, LeaseFor: time.Minute})
		if item == nil {
			t.Fatal("expected requeued item to be visible at its new time")
		}
		if item.Retries != 3 || !item.EarliestVisibleAt.Equal(target) {
			t.Fatalf("expected retries=3 visible=%s, got %d %s", target, item.Retries, item.EarliestVisibleAt)
		}
		ok, err = store.Requeue(context.Background(), q, "missing", 1, target)
		if err != nil || ok {
			t.Fatalf("expected miss for unknown id, got %v, %v", ok, err)
		}
	})

	run("DeleteIsIdempotent", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "a", EarliestVisibleAt: base})
		first, err := store.Delete(context.Background(), q, "a")
		if err != nil || !first {
			t.Fatalf("first delete: %v, %v", first, err)
		}
		second, err := store.Delete(context.Background(), q, "a")
		if err != nil || second {
			t.Fatalf("second delete: %v, %v", second, err)
		}
		ok, err := store.ExtendLease(context.Background(), q, "a", base)
		if err != nil || ok {
			t.Fatalf("expected extend miss after delete, got %v, %v", ok, err)
		}
	})

	run("InsertDuplicate", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "a", EarliestVisibleAt: base})
		err := store.Insert(context.Background(), q, &queue.Item{ID: "a", Queue: q, EarliestVisibleAt: base})
		if !errors.Is(err, queue.ErrDuplicateItem) {
			t.Fatalf("expected ErrDuplicateItem, got %v", err)
		}
	})

	run("Count", func(t *testing.T, store queue.Store, q string) {
		mustInsert(t, store, q, &queue.Item{ID: "visible", EarliestVisibleAt: base})
		mustInsert(t, store, q, &queue.Item{ID: "running", EarliestVisibleAt: base.Add(time.Hour)})
		now := base.Add(time.Minute)
		want := map[queue.CountFilter]int64{queue.CountAll: 2, queue.CountRunning: 1, queue.CountNotRunning: 1}
		for filter, expected := range want {
			got, err := store.Count(context.Background(), q, filter, now)
			if err != nil {
				t.Fatalf("count %s: %v", filter, err)
			}
			if got != expected {
				t.Fatalf("count %s: expected %d, got %d", filter, expected, got)
			}
		}
	})

	run("ConcurrentClaimsAreExclusive", func(t *testing.T, store queue.Store, q string) {
		const items, claimers = 5, 12
		for idx := 0; idx < items; idx++ {
			mustInsert(t, store, q, &queue.Item{ID: fmt.Sprintf("item-%d", idx), EarliestVisibleAt: base})
		}
		req := queue.ClaimRequest{Now: base.Add(time.Second), LeaseFor: time.Hour}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed = map[string]int{}
		)
		for idx := 0; idx < claimers; idx++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				item, err := store.ClaimNext(context.Background(), q, req)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if item != nil {
					mu.Lock()
					claimed[item.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != items {
			t.Fatalf("expected %d distinct claims, got %v", items, claimed)
		}
		for id, count := range claimed {
			if count != 1 {
				t.Fatalf("item %s claimed %d times", id, count)
			}
		}
	})
}

func mustInsert(t *testing.T, store queue.Store, q string, item *queue.Item) {
	t.Helper()
	item.Queue = q
	if item.CreatedAt.IsZero() {
		item.CreatedAt = base
	}
	if err := store.Insert(context.Background(), q, item); err != nil {
		t.Fatalf("insert %s: %v", item.ID, err)
	}
}

func mustClaim(t *testing.T, store queue.Store, q string, req queue.ClaimRequest) *queue.Item {
	t.Helper()
	item, err := store.ClaimNext(context.Background(), q, req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return item
}
