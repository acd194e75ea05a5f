package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/workqueue/pkg/queue"
	"github.com/nimburion/workqueue/pkg/queue/memory"
)

func TestPublisher_StampsVersionOnlyUnderStrictFiltering(t *testing.T) {
	tests := []struct {
		name    string
		filter  queue.VersionFilter
		version string
		want    string
	}{
		{name: "strict", filter: queue.VersionFilterStrict, version: "1.4.0", want: "1.4.0"},
		{name: "none", filter: queue.VersionFilterNone, version: "1.4.0", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			publisher := newPublisher(t, store, queue.PublisherConfig{Version: tt.version, VersionFilter: tt.filter})
			item := &queue.Item{Payload: []byte(`{}`), Version: "caller-set"}
			if err := publisher.Send(context.Background(), item); err != nil {
				t.Fatalf("send: %v", err)
			}
			stored, ok := store.Get(testQueue, item.ID)
			if !ok {
				t.Fatalf("item %q not stored", item.ID)
			}
			if stored.Version != tt.want {
				t.Fatalf("expected version %q, got %q", tt.want, stored.Version)
			}
		})
	}
}

func TestPublisher_AssignsIDAndDefaults(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	publisher := newPublisher(t, store, queue.PublisherConfig{Clock: clock.Now})

	item := &queue.Item{Payload: []byte(`{"total":10}`)}
	if err := publisher.Send(context.Background(), item); err != nil {
		t.Fatalf("send: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected generated id to be written back")
	}
	stored, _ := store.Get(testQueue, item.ID)
	if stored.Queue != testQueue {
		t.Fatalf("expected queue %q, got %q", testQueue, stored.Queue)
	}
	if !stored.EarliestVisibleAt.Equal(clock.Now()) || !stored.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("expected visible and created at %s, got %s / %s", clock.Now(), stored.EarliestVisibleAt, stored.CreatedAt)
	}
	if stored.ContentType != queue.DefaultContentType {
		t.Fatalf("expected default content type, got %q", stored.ContentType)
	}
	if stored.Retries != 0 {
		t.Fatalf("expected zero retries, got %d", stored.Retries)
	}
}

func TestPublisher_VisibilityTime(t *testing.T) {
	clock := newManualClock()
	tests := []struct {
		name      string
		visibleAt time.Time
		want      time.Time
	}{
		{name: "future is kept for delayed delivery", visibleAt: clock.Now().Add(time.Minute), want: clock.Now().Add(time.Minute)},
		{name: "past is moved to now", visibleAt: clock.Now().Add(-time.Minute), want: clock.Now()},
		{name: "zero is now", want: clock.Now()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			publisher := newPublisher(t, store, queue.PublisherConfig{Clock: clock.Now})
			item := &queue.Item{ID: "a", EarliestVisibleAt: tt.visibleAt}
			if err := publisher.Send(context.Background(), item); err != nil {
				t.Fatalf("send: %v", err)
			}
			stored, _ := store.Get(testQueue, "a")
			if !stored.EarliestVisibleAt.Equal(tt.want) {
				t.Fatalf("expected visible at %s, got %s", tt.want, stored.EarliestVisibleAt)
			}
		})
	}
}

func TestPublisher_DuplicateIsAlreadyEnqueued(t *testing.T) {
	store := memory.NewStore()
	publisher := newPublisher(t, store, queue.PublisherConfig{})

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := queue.SendPayload(context.Background(), publisher, "payload", queue.WithID("order-42")); err != nil {
			t.Fatalf("attempt %d: expected idempotent enqueue, got %v", attempt, err)
		}
	}
	count, err := store.Count(context.Background(), testQueue, queue.CountAll, time.Now())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single stored item, got %d", count)
	}
}

func TestPublisher_PropagatesTraceContext(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	store := memory.NewStore()
	publisher := newPublisher(t, store, queue.PublisherConfig{Propagator: propagation.TraceContext{}})

	parentCtx, parent := provider.Tracer("test").Start(context.Background(), "request")
	item := &queue.Item{ID: "traced", Context: map[string]string{"tenant": "acme"}}
	if err := publisher.Send(parentCtx, item); err != nil {
		t.Fatalf("send: %v", err)
	}
	parent.End()

	stored, _ := store.Get(testQueue, "traced")
	if stored.Context["tenant"] != "acme" {
		t.Fatalf("expected caller context to be kept, got %v", stored.Context)
	}
	if stored.Context["traceparent"] == "" {
		t.Fatalf("expected traceparent in item context, got %v", stored.Context)
	}

	restored := propagation.TraceContext{}.Extract(context.Background(), propagation.MapCarrier(stored.Context))
	if got := trace.SpanContextFromContext(restored).TraceID(); got != parent.SpanContext().TraceID() {
		t.Fatalf("expected trace id %s, got %s", parent.SpanContext().TraceID(), got)
	}
}

func TestPublisher_RejectsForeignQueue(t *testing.T) {
	publisher := newPublisher(t, memory.NewStore(), queue.PublisherConfig{})
	err := publisher.Send(context.Background(), &queue.Item{ID: "a", Queue: "other"})
	if !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

type failingInsertStore struct {
	*memory.Store
	err error
}

func (s *failingInsertStore) Insert(context.Context, string, *queue.Item) error {
	return s.err
}

func TestPublisher_SurfacesStoreErrors(t *testing.T) {
	storeErr := errors.Join(queue.ErrStoreUnavailable, errors.New("no reachable servers"))
	publisher := newPublisher(t, &failingInsertStore{Store: memory.NewStore(), err: storeErr}, queue.PublisherConfig{})
	err := publisher.Send(context.Background(), &queue.Item{ID: "a"})
	if !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSendPayload_DelayUsesPublisherClock(t *testing.T) {
	store := memory.NewStore()
	clock := newManualClock()
	publisher := newPublisher(t, store, queue.PublisherConfig{Clock: clock.Now})

	tests := []struct {
		name string
		opts []queue.SendOption
		want time.Time
	}{
		{name: "delay", opts: []queue.SendOption{queue.WithDelay(10 * time.Minute)}, want: clock.Now().Add(10 * time.Minute)},
		{name: "non-positive delay", opts: []queue.SendOption{queue.WithDelay(-time.Minute)}, want: clock.Now()},
		{name: "visible at overrides delay", opts: []queue.SendOption{
			queue.WithDelay(10 * time.Minute),
			queue.WithVisibleAt(clock.Now().Add(time.Minute)),
		}, want: clock.Now().Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := queue.SendPayload(context.Background(), publisher, map[string]string{"case": tt.name}, tt.opts...)
			if err != nil {
				t.Fatalf("send payload: %v", err)
			}
			stored, _ := store.Get(testQueue, id)
			if !stored.EarliestVisibleAt.Equal(tt.want) {
				t.Fatalf("expected visible at %s, got %s", tt.want, stored.EarliestVisibleAt)
			}
		})
	}
}

func TestSendPayload_Options(t *testing.T) {
	store := memory.NewStore()
	publisher := newPublisher(t, store, queue.PublisherConfig{})

	id, err := queue.SendPayload(context.Background(), publisher, map[string]int{"amount": 12},
		queue.WithID("pay-1"),
		queue.WithDelay(time.Hour),
		queue.WithContext(map[string]string{"correlation_id": "c-1"}),
	)
	if err != nil {
		t.Fatalf("send payload: %v", err)
	}
	if id != "pay-1" {
		t.Fatalf("expected id pay-1, got %q", id)
	}
	stored, _ := store.Get(testQueue, id)
	if !stored.EarliestVisibleAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expected delayed visibility, got %s", stored.EarliestVisibleAt)
	}
	if stored.Context["correlation_id"] != "c-1" {
		t.Fatalf("expected correlation id, got %v", stored.Context)
	}
	var decoded map[string]int
	if err := stored.DecodePayload(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["amount"] != 12 {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestNoopPublisher_DropsItems(t *testing.T) {
	publisher := queue.NewNoopPublisher("reports", nil)
	if err := publisher.Send(context.Background(), &queue.Item{ID: "a"}); err != nil {
		t.Fatalf("expected inert send, got %v", err)
	}
	if publisher.Name() != "reports" {
		t.Fatalf("unexpected name %q", publisher.Name())
	}
}
