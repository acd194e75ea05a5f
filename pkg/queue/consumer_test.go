package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/memory"
)

func TestNewConsumer_Validation(t *testing.T) {
	store := memory.NewStore()
	tests := []struct {
		name string
		cfg  queue.ConsumerConfig
	}{
		{name: "missing queue", cfg: queue.ConsumerConfig{}},
		{name: "unknown filter", cfg: queue.ConsumerConfig{Queue: testQueue, VersionFilter: "loose"}},
		{name: "strict without version", cfg: queue.ConsumerConfig{Queue: testQueue, VersionFilter: queue.VersionFilterStrict}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := queue.NewConsumer(store, nopLogger(), tt.cfg); !errors.Is(err, queue.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if _, err := queue.NewConsumer(nil, nopLogger(), queue.ConsumerConfig{Queue: testQueue}); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation for nil store, got %v", err)
	}
}

func TestConsumer_GetReturnsPublishedItem(t *testing.T) {
	store := memory.NewStore()
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "A")
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	started := time.Now()
	item, err := consumer.Get(context.Background(), time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || item.ID != "A" {
		t.Fatalf("expected item A, got %+v", item)
	}
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("expected item within one poll cycle, took %s", elapsed)
	}
}

func TestConsumer_DelayedItemBecomesVisible(t *testing.T) {
	store := memory.NewStore()
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "B", queue.WithDelay(500*time.Millisecond))
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	item, err := consumer.Get(context.Background(), 100*time.Millisecond, 10*time.Millisecond)
	if err != nil || item != nil {
		t.Fatalf("expected none before delay, got %+v, %v", item, err)
	}

	time.Sleep(400 * time.Millisecond)
	item, err = consumer.Get(context.Background(), time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || item.ID != "B" {
		t.Fatalf("expected item B, got %+v", item)
	}
}

func TestConsumer_ConcurrentConsumersShareOneItem(t *testing.T) {
	store := memory.NewStore()
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "C")
	consumers := []*queue.LeaseConsumer{
		newConsumer(t, store, queue.ConsumerConfig{}),
		newConsumer(t, store, queue.ConsumerConfig{}),
	}

	var wg sync.WaitGroup
	results := make([]*queue.Item, len(consumers))
	for idx, consumer := range consumers {
		wg.Add(1)
		go func(idx int, consumer *queue.LeaseConsumer) {
			defer wg.Done()
			item, err := consumer.Get(context.Background(), 200*time.Millisecond, 10*time.Millisecond)
			if err != nil {
				t.Errorf("get: %v", err)
			}
			results[idx] = item
		}(idx, consumer)
	}
	wg.Wait()

	claimed := 0
	for _, item := range results {
		if item != nil {
			if item.ID != "C" {
				t.Fatalf("unexpected item %s", item.ID)
			}
			claimed++
		}
	}
	if claimed != 1 {
		t.Fatalf("expected exactly one consumer to receive C, got %d", claimed)
	}
}

func TestConsumer_ExpiredLeaseIsRedelivered(t *testing.T) {
	store := memory.NewStore()
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "D")
	first := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: 200 * time.Millisecond})
	second := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: 200 * time.Millisecond})

	item, err := first.Get(context.Background(), time.Second, 10*time.Millisecond)
	if err != nil || item == nil {
		t.Fatalf("expected first claim, got %+v, %v", item, err)
	}

	time.Sleep(250 * time.Millisecond)
	item, err = second.Get(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || item.ID != "D" {
		t.Fatalf("expected D to be redelivered, got %+v", item)
	}
}

func TestConsumer_HeartbeatAfterAckMisses(t *testing.T) {
	store := memory.NewStore()
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "E")
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	item, err := consumer.Get(context.Background(), time.Second, 10*time.Millisecond)
	if err != nil || item == nil {
		t.Fatalf("expected claim, got %+v, %v", item, err)
	}
	deleted, err := consumer.Ack(context.Background(), item)
	if err != nil || !deleted {
		t.Fatalf("expected confirmed ack, got %v, %v", deleted, err)
	}
	ok, err := consumer.UpdateHeartbeat(context.Background(), item)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if ok {
		t.Fatal("expected heartbeat miss after ack")
	}
}

func TestConsumer_AckIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "a", "", clock.Now())
	consumer := newConsumer(t, store, queue.ConsumerConfig{Clock: clock.Now})

	item, err := consumer.Get(context.Background(), 0, 0)
	if err != nil || item == nil {
		t.Fatalf("expected claim, got %+v, %v", item, err)
	}
	first, err := consumer.Ack(context.Background(), item)
	if err != nil || !first {
		t.Fatalf("first ack: %v, %v", first, err)
	}
	second, err := consumer.Ack(context.Background(), item)
	if err != nil {
		t.Fatalf("second ack returned error: %v", err)
	}
	if second {
		t.Fatal("expected second ack to report nothing deleted")
	}
}

func TestConsumer_LeaseExpiryRecovery(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "a", "", clock.Now())
	lease := 10 * time.Second
	holder := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: lease, Clock: clock.Now})
	other := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: lease, Clock: clock.Now})

	if item, _ := holder.Get(context.Background(), 0, 0); item == nil {
		t.Fatal("expected initial claim")
	}

	clock.Advance(lease - time.Millisecond)
	if item, _ := other.Get(context.Background(), 0, 0); item != nil {
		t.Fatalf("claimed before lease expiry: %+v", item)
	}

	clock.Advance(time.Millisecond)
	item, err := other.Get(context.Background(), 0, 0)
	if err != nil || item == nil || item.ID != "a" {
		t.Fatalf("expected redelivery at lease expiry, got %+v, %v", item, err)
	}
	if again, _ := holder.Get(context.Background(), 0, 0); again != nil {
		t.Fatalf("expected exactly one redelivery, got %+v", again)
	}
}

func TestConsumer_HeartbeatKeepsItemHeld(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "a", "", clock.Now())
	lease := 10 * time.Second
	holder := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: lease, Clock: clock.Now})
	other := newConsumer(t, store, queue.ConsumerConfig{LeaseDuration: lease, Clock: clock.Now})

	item, _ := holder.Get(context.Background(), 0, 0)
	if item == nil {
		t.Fatal("expected initial claim")
	}

	previous := time.Time{}
	for round := 0; round < 5; round++ {
		clock.Advance(8 * time.Second)
		ok, err := holder.UpdateHeartbeat(context.Background(), item)
		if err != nil || !ok {
			t.Fatalf("round %d: heartbeat %v, %v", round, ok, err)
		}
		if !item.EarliestVisibleAt.After(previous) {
			t.Fatalf("round %d: lease did not move forward", round)
		}
		if want := clock.Now().Add(lease); !item.EarliestVisibleAt.Equal(want) {
			t.Fatalf("round %d: expected visible at %s, got %s", round, want, item.EarliestVisibleAt)
		}
		previous = item.EarliestVisibleAt
		if stolen, _ := other.Get(context.Background(), 0, 0); stolen != nil {
			t.Fatalf("round %d: item claimed by another consumer while held", round)
		}
	}
}

func TestConsumer_VersionIsolation(t *testing.T) {
	tests := []struct {
		name          string
		itemVersion   string
		consumerVer   string
		filter        queue.VersionFilter
		expectClaimed bool
	}{
		{name: "same version", itemVersion: "v2", consumerVer: "v2", filter: queue.VersionFilterStrict, expectClaimed: true},
		{name: "newer consumer skips old item", itemVersion: "v1", consumerVer: "v2", filter: queue.VersionFilterStrict},
		{name: "older consumer skips new item", itemVersion: "v2", consumerVer: "v1", filter: queue.VersionFilterStrict},
		{name: "untagged item is version agnostic", itemVersion: "", consumerVer: "v2", filter: queue.VersionFilterStrict, expectClaimed: true},
		{name: "no filtering claims any version", itemVersion: "v1", consumerVer: "v2", filter: queue.VersionFilterNone, expectClaimed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			clock := newManualClock()
			insertAt(t, store, "a", tt.itemVersion, clock.Now())
			consumer := newConsumer(t, store, queue.ConsumerConfig{
				Version:       tt.consumerVer,
				VersionFilter: tt.filter,
				Clock:         clock.Now,
			})

			item, err := consumer.Get(context.Background(), 0, 0)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if (item != nil) != tt.expectClaimed {
				t.Fatalf("expected claimed=%v, got %+v", tt.expectClaimed, item)
			}
		})
	}
}

func TestConsumer_VersionFilterLeavesItemForPeer(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "old", "v1", clock.Now())
	insertAt(t, store, "new", "v2", clock.Now().Add(time.Second))
	clock.Advance(2 * time.Second)

	v2 := newConsumer(t, store, queue.ConsumerConfig{Version: "v2", VersionFilter: queue.VersionFilterStrict, Clock: clock.Now})
	v1 := newConsumer(t, store, queue.ConsumerConfig{Version: "v1", VersionFilter: queue.VersionFilterStrict, Clock: clock.Now})

	item, _ := v2.Get(context.Background(), 0, 0)
	if item == nil || item.ID != "new" {
		t.Fatalf("expected v2 consumer to skip the older v1 item, got %+v", item)
	}
	item, _ = v1.Get(context.Background(), 0, 0)
	if item == nil || item.ID != "old" {
		t.Fatalf("expected v1 consumer to claim its item, got %+v", item)
	}
}

func TestConsumer_RequeueIsDeterministic(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "a", "", clock.Now())
	consumer := newConsumer(t, store, queue.ConsumerConfig{Clock: clock.Now})
	target := clock.Now().Add(-time.Hour)

	for _, held := range []bool{true, false} {
		if held {
			if item, _ := consumer.Get(context.Background(), 0, 0); item == nil {
				t.Fatal("expected claim")
			}
		}
		ok, err := consumer.Requeue(context.Background(), "a", 3, target)
		if err != nil || !ok {
			t.Fatalf("held=%v: requeue %v, %v", held, ok, err)
		}
		stored, found := store.Get(testQueue, "a")
		if !found {
			t.Fatal("item disappeared")
		}
		if stored.Retries != 3 || !stored.EarliestVisibleAt.Equal(target) {
			t.Fatalf("held=%v: expected retries=3 visible=%s, got %d %s", held, target, stored.Retries, stored.EarliestVisibleAt)
		}
	}

	ok, err := consumer.Requeue(context.Background(), "missing", 1, time.Time{})
	if err != nil || ok {
		t.Fatalf("expected miss for unknown id, got %v, %v", ok, err)
	}
}

func TestConsumer_ClaimsOldestVisibleFirst(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	base := clock.Now()
	insertAt(t, store, "third", "", base.Add(-1*time.Second))
	insertAt(t, store, "first", "", base.Add(-3*time.Second))
	insertAt(t, store, "second", "", base.Add(-2*time.Second))
	insertAt(t, store, "future", "", base.Add(time.Minute))
	consumer := newConsumer(t, store, queue.ConsumerConfig{Clock: clock.Now})

	for _, want := range []string{"first", "second", "third"} {
		item, err := consumer.Get(context.Background(), 0, 0)
		if err != nil || item == nil || item.ID != want {
			t.Fatalf("expected %s, got %+v, %v", want, item, err)
		}
	}
	if item, _ := consumer.Get(context.Background(), 0, 0); item != nil {
		t.Fatalf("expected future item to stay invisible, got %+v", item)
	}
}

func TestConsumer_CancellationReleasesGate(t *testing.T) {
	store := memory.NewStore()
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	started := time.Now()
	item, err := consumer.Get(ctx, 5*time.Second, 10*time.Millisecond)
	if err != nil || item != nil {
		t.Fatalf("expected none on cancellation, got %+v, %v", item, err)
	}
	if time.Since(started) > time.Second {
		t.Fatal("cancellation did not abort the claim loop")
	}

	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "after-cancel")
	item, err = consumer.Get(context.Background(), 0, 0)
	if err != nil || item == nil {
		t.Fatalf("expected gate to be released, got %+v, %v", item, err)
	}
}

type blockingStore struct {
	*memory.Store
	claims  atomic.Int32
	release chan struct{}
}

func (s *blockingStore) ClaimNext(ctx context.Context, name string, req queue.ClaimRequest) (*queue.Item, error) {
	s.claims.Add(1)
	<-s.release
	return s.Store.ClaimNext(ctx, name, req)
}

func TestConsumer_AdmissionGateSerializesLocalClaims(t *testing.T) {
	store := &blockingStore{Store: memory.NewStore(), release: make(chan struct{})}
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = consumer.Get(context.Background(), 0, 0)
	}()
	for store.claims.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	item, err := consumer.Get(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	if err != nil || item != nil {
		t.Fatalf("expected none while gate is held, got %+v, %v", item, err)
	}
	if got := store.claims.Load(); got != 1 {
		t.Fatalf("expected a single store claim while gate is held, got %d", got)
	}
	close(store.release)
	<-done
}

type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (s *flakyStore) ClaimNext(ctx context.Context, name string, req queue.ClaimRequest) (*queue.Item, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return s.Store.ClaimNext(ctx, name, req)
}

func TestConsumer_StoreFailureDegradesToNone(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	store.failures.Store(2)
	publish(t, newPublisher(t, store, queue.PublisherConfig{}), "a")
	consumer := newConsumer(t, store, queue.ConsumerConfig{})

	item, err := consumer.Get(context.Background(), 0, 0)
	if err != nil || item != nil {
		t.Fatalf("expected failed round to yield none, got %+v, %v", item, err)
	}
	item, err = consumer.Get(context.Background(), time.Second, 5*time.Millisecond)
	if err != nil || item == nil {
		t.Fatalf("expected polling to recover, got %+v, %v", item, err)
	}
}

func TestConsumer_WaitIsBoundedWithFrozenClock(t *testing.T) {
	clock := newManualClock()
	consumer := newConsumer(t, memory.NewStore(), queue.ConsumerConfig{Clock: clock.Now})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	started := time.Now()
	item, err := consumer.Get(ctx, 100*time.Millisecond, 10*time.Millisecond)
	elapsed := time.Since(started)

	if err != nil || item != nil {
		t.Fatalf("expected nothing from an empty queue, got %+v, %v", item, err)
	}
	if elapsed >= time.Second {
		t.Fatalf("expected Get to return after its wait, took %s", elapsed)
	}
	if ctx.Err() != nil {
		t.Fatal("expected Get to return before the context deadline")
	}
}

func TestConsumer_ProgrammingErrors(t *testing.T) {
	consumer := newConsumer(t, memory.NewStore(), queue.ConsumerConfig{})
	//nolint:staticcheck // nil context is the case under test
	if _, err := consumer.Get(nil, 0, 0); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation for nil context, got %v", err)
	}
	if _, err := consumer.Get(context.Background(), -time.Second, 0); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative wait, got %v", err)
	}
	if _, err := consumer.Ack(context.Background(), nil); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation for nil item, got %v", err)
	}
	if _, err := consumer.Requeue(context.Background(), "a", -1, time.Time{}); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation for negative retries, got %v", err)
	}
}

func TestConsumer_Count(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	insertAt(t, store, "a", "", clock.Now())
	insertAt(t, store, "b", "", clock.Now())
	insertAt(t, store, "c", "", clock.Now().Add(time.Hour))
	consumer := newConsumer(t, store, queue.ConsumerConfig{Clock: clock.Now})
	if item, _ := consumer.Get(context.Background(), 0, 0); item == nil {
		t.Fatal("expected claim")
	}

	want := map[queue.CountFilter]int64{
		queue.CountAll:        3,
		queue.CountRunning:    2,
		queue.CountNotRunning: 1,
	}
	for filter, expected := range want {
		got, err := consumer.Count(context.Background(), filter)
		if err != nil {
			t.Fatalf("count %s: %v", filter, err)
		}
		if got != expected {
			t.Fatalf("count %s: expected %d, got %d", filter, expected, got)
		}
	}
}

func TestNoopConsumer(t *testing.T) {
	consumer := queue.NewNoopConsumer(" reports ")
	if consumer.Name() != "reports" {
		t.Fatalf("unexpected name %q", consumer.Name())
	}
	started := time.Now()
	item, err := consumer.Get(context.Background(), 20*time.Millisecond, time.Millisecond)
	if err != nil || item != nil {
		t.Fatalf("expected inert get, got %+v, %v", item, err)
	}
	if time.Since(started) < 20*time.Millisecond {
		t.Fatal("expected noop get to wait out the window")
	}
	if ok, err := consumer.Ack(context.Background(), &queue.Item{ID: "a"}); ok || err != nil {
		t.Fatalf("expected inert ack, got %v, %v", ok, err)
	}
}

func TestProperty_ClaimMutualExclusion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent claimers never share an item", prop.ForAll(
		func(claimers, items int) bool {
			store := memory.NewStore()
			clock := newManualClock()
			for idx := 0; idx < items; idx++ {
				err := store.Insert(context.Background(), testQueue, &queue.Item{
					ID:                fmt.Sprintf("item-%d", idx),
					Queue:             testQueue,
					EarliestVisibleAt: clock.Now(),
				})
				if err != nil {
					return false
				}
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				claimed = map[string]int{}
				failed  atomic.Bool
			)
			start := make(chan struct{})
			for idx := 0; idx < claimers; idx++ {
				consumer, err := queue.NewConsumer(store, nopLogger(), queue.ConsumerConfig{Queue: testQueue, Clock: clock.Now})
				if err != nil {
					return false
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					item, err := consumer.Get(context.Background(), 0, 0)
					if err != nil {
						failed.Store(true)
						return
					}
					if item != nil {
						mu.Lock()
						claimed[item.ID]++
						mu.Unlock()
					}
				}()
			}
			close(start)
			wg.Wait()

			if failed.Load() {
				return false
			}
			total := 0
			for _, count := range claimed {
				if count != 1 {
					return false
				}
				total += count
			}
			expected := claimers
			if items < expected {
				expected = items
			}
			return total == expected
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
