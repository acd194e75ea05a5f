package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/observability/tracing"
)

// Publisher enqueues work items on one queue.
type Publisher interface {
	// Send inserts item. An item whose id already exists counts as already enqueued and is not
	// an error.
	Send(ctx context.Context, item *Item) error
	Name() string
}

// PublisherConfig configures a StorePublisher.
type PublisherConfig struct {
	Queue   string
	Version string
	// VersionFilter decides whether sent items carry Version. Under VersionFilterNone items are
	// left untagged.
	VersionFilter VersionFilter
	Backend       string
	// Propagator serializes ambient trace state into Item.Context. Nil uses the global one.
	Propagator propagation.TextMapPropagator
	Clock      Clock
}

func (c *PublisherConfig) normalize() {
	c.Queue = strings.TrimSpace(c.Queue)
	c.Version = strings.TrimSpace(c.Version)
	if c.VersionFilter == "" {
		c.VersionFilter = VersionFilterNone
	}
}

// StorePublisher is the store-backed Publisher.
type StorePublisher struct {
	store  Store
	log    logger.Logger
	config PublisherConfig
}

var _ Publisher = (*StorePublisher)(nil)

// NewPublisher creates a publisher bound to one queue of store.
func NewPublisher(store Store, log logger.Logger, cfg PublisherConfig) (*StorePublisher, error) {
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
	return &StorePublisher{
		store:  store,
		log:    log.With("queue", cfg.Queue),
		config: cfg,
	}, nil
}

// Name returns the logical queue name.
func (p *StorePublisher) Name() string {
	return p.config.Queue
}

// Send implements Publisher.
//
// Send stamps the version, the trace context of ctx and the creation time. EarliestVisibleAt is
// set to now unless the caller set a future time or a WithDelay delay for delayed delivery. Both
// are measured against the publisher clock. When item.ID is empty a
// UUID is assigned and written back to item.
func (p *StorePublisher) Send(ctx context.Context, item *Item) error {
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}
	if item == nil {
		return queueError(ErrValidation, "item is required")
	}
	if item.Queue != "" && strings.TrimSpace(item.Queue) != p.config.Queue {
		return queueError(ErrValidation, "item queue "+item.Queue+" does not match publisher queue "+p.config.Queue)
	}
	if item.Retries < 0 {
		return queueError(ErrValidation, "item retries must be >= 0")
	}

	out := CloneItem(item)
	out.Queue = p.config.Queue
	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Version = ""
	if p.config.VersionFilter == VersionFilterStrict {
		out.Version = p.config.Version
	}
	if out.ContentType == "" && len(out.Payload) > 0 {
		out.ContentType = DefaultContentType
	}

	now := p.config.Clock.now()
	out.CreatedAt = now
	if out.delay > 0 {
		out.EarliestVisibleAt = now.Add(out.delay)
		out.delay = 0
	}
	if !out.EarliestVisibleAt.After(now) {
		out.EarliestVisibleAt = now
	}
	out.EarliestVisibleAt = out.EarliestVisibleAt.UTC()

	spanCtx, span := tracing.StartQueueSpan(ctx, tracing.SpanOperationPublish,
		tracing.WithQueue(p.config.Queue),
		tracing.WithItemID(out.ID),
		tracing.WithBackend(p.config.Backend),
	)
	defer span.End()
	out.Context = mergeContext(out.Context, tracing.Inject(spanCtx, p.config.Propagator))

	if err := p.store.Insert(spanCtx, p.config.Queue, out); err != nil {
		if errors.Is(err, ErrDuplicateItem) {
			recordPublished(p.config.Queue, "duplicate")
			p.log.WithContext(ctx).Debug("queue item already enqueued", "item_id", out.ID)
			item.ID = out.ID
			tracing.RecordSuccess(span)
			return nil
		}
		recordPublished(p.config.Queue, "error")
		tracing.RecordError(span, err)
		return err
	}

	item.ID = out.ID
	recordPublished(p.config.Queue, "success")
	tracing.RecordSuccess(span)
	p.log.WithContext(ctx).Debug("queue item published", "item_id", out.ID, "visible_at", out.EarliestVisibleAt)
	return nil
}

// SendOption customizes an item built by SendPayload.
type SendOption func(*Item)

// WithID sets a caller-chosen item id, which makes the publish idempotent.
func WithID(id string) SendOption {
	return func(item *Item) {
		item.ID = id
	}
}

// WithDelay makes the item visible only after delay, measured from the publish time.
func WithDelay(delay time.Duration) SendOption {
	return func(item *Item) {
		item.delay = delay
	}
}

// WithVisibleAt makes the item visible only from at.
func WithVisibleAt(at time.Time) SendOption {
	return func(item *Item) {
		item.delay = 0
		item.EarliestVisibleAt = at
	}
}

// WithContext adds caller propagation values to the item context.
func WithContext(values map[string]string) SendOption {
	return func(item *Item) {
		item.Context = mergeContext(item.Context, values)
	}
}

// SendPayload marshals payload as JSON, sends it through publisher and returns the item id.
func SendPayload(ctx context.Context, publisher Publisher, payload any, opts ...SendOption) (string, error) {
	if publisher == nil {
		return "", queueError(ErrValidation, "publisher is required")
	}
	data, err := MarshalPayloadJSON(payload)
	if err != nil {
		return "", err
	}
	item := &Item{Payload: data, ContentType: DefaultContentType}
	for _, opt := range opts {
		if opt != nil {
			opt(item)
		}
	}
	if err := publisher.Send(ctx, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// ContextFromItem restores the trace context captured at publish time on top of ctx.
func ContextFromItem(ctx context.Context, item *Item) context.Context {
	if item == nil {
		return ctx
	}
	return tracing.Extract(ctx, nil, item.Context)
}

func mergeContext(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// NoopPublisher is the publisher of an administratively disabled queue. Send drops the item.
type NoopPublisher struct {
	name string
	log  logger.Logger
}

var _ Publisher = NoopPublisher{}

// NewNoopPublisher creates a disabled publisher for name. log may be nil.
func NewNoopPublisher(name string, log logger.Logger) NoopPublisher {
	if log == nil {
		log = logger.Nop()
	}
	return NoopPublisher{name: strings.TrimSpace(name), log: log}
}

func (n NoopPublisher) Send(ctx context.Context, item *Item) error {
	if ctx == nil {
		return queueError(ErrValidation, "context is required")
	}
	recordPublished(n.name, "disabled")
	if item != nil && n.log != nil {
		n.log.Debug("queue disabled, item dropped", "queue", n.name, "item_id", item.ID)
	}
	return nil
}

func (n NoopPublisher) Name() string { return n.name }
