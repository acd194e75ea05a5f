package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/workqueue/pkg/queue"
)

// DynamicConsumer follows the enablement of its type across calls, for long-running loops such
// as a queue.Listener. Get claims only while the type is enabled and otherwise waits like a
// NoopConsumer. Heartbeat, ack, requeue and count always reach the store, so items claimed before
// a type was disabled are still finalized.
type DynamicConsumer struct {
	factory *Factory
	name    string
	binding Binding
}

var _ queue.Consumer = (*DynamicConsumer)(nil)

// Dynamic returns the DynamicConsumer of name.
func (f *Factory) Dynamic(name string) (*DynamicConsumer, error) {
	name = typeName(name)
	binding, ok := f.config.Bindings[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, name)
	}
	return &DynamicConsumer{factory: f, name: name, binding: binding}, nil
}

// Get implements queue.Consumer.
func (d *DynamicConsumer) Get(ctx context.Context, wait, poll time.Duration) (*queue.Item, error) {
	if !d.factory.config.Enablement.Enabled(d.name) {
		return queue.NewNoopConsumer(d.name).Get(ctx, wait, poll)
	}
	live, err := d.live()
	if err != nil {
		return nil, err
	}
	return live.Get(ctx, wait, poll)
}

// UpdateHeartbeat implements queue.Consumer.
func (d *DynamicConsumer) UpdateHeartbeat(ctx context.Context, item *queue.Item) (bool, error) {
	live, err := d.live()
	if err != nil {
		return false, err
	}
	return live.UpdateHeartbeat(ctx, item)
}

// Ack implements queue.Consumer.
func (d *DynamicConsumer) Ack(ctx context.Context, item *queue.Item) (bool, error) {
	live, err := d.live()
	if err != nil {
		return false, err
	}
	return live.Ack(ctx, item)
}

// Requeue implements queue.Consumer.
func (d *DynamicConsumer) Requeue(ctx context.Context, id string, retries int, visibleAt time.Time) (bool, error) {
	live, err := d.live()
	if err != nil {
		return false, err
	}
	return live.Requeue(ctx, id, retries, visibleAt)
}

// Count implements queue.Consumer.
func (d *DynamicConsumer) Count(ctx context.Context, filter queue.CountFilter) (int64, error) {
	live, err := d.live()
	if err != nil {
		return 0, err
	}
	return live.Count(ctx, filter)
}

// Name implements queue.Consumer.
func (d *DynamicConsumer) Name() string {
	return d.name
}

// LeaseDuration returns the lease of the live consumer, which sets the heartbeat cadence of
// listeners.
func (d *DynamicConsumer) LeaseDuration() time.Duration {
	if d.binding.LeaseDuration > 0 {
		return d.binding.LeaseDuration
	}
	if d.factory.config.LeaseDuration > 0 {
		return d.factory.config.LeaseDuration
	}
	return queue.DefaultLeaseDuration
}

func (d *DynamicConsumer) live() (*queue.LeaseConsumer, error) {
	if d.factory.store == nil {
		return nil, fmt.Errorf("%w: %s has no store", queue.ErrValidation, d.name)
	}
	return d.factory.liveConsumer(d.name, d.binding)
}
