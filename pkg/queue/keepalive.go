package queue

import (
	"context"
	"time"

	"github.com/nimburion/workqueue/pkg/observability/logger"
)

const minHeartbeatInterval = 100 * time.Millisecond

// KeepAlive heartbeats item every interval until ctx ends. The returned channel is closed when a
// heartbeat reports the lease as lost; it is never closed otherwise.
//
// Heartbeats run on a copy of item, so the caller may keep reading item while KeepAlive runs.
// Store errors are logged and retried on the next tick.
func KeepAlive(ctx context.Context, consumer Consumer, item *Item, interval time.Duration, log logger.Logger) <-chan struct{} {
	lost := make(chan struct{})
	if ctx == nil || consumer == nil || item == nil {
		return lost
	}
	if log == nil {
		log = logger.Nop()
	}
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	held := CloneItem(item)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := consumer.UpdateHeartbeat(ctx, held)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("queue heartbeat failed", "queue", consumer.Name(), "item_id", held.ID, "error", err)
					continue
				}
				if !ok {
					close(lost)
					return
				}
			}
		}
	}()

	return lost
}

// heartbeatInterval returns half of the consumer lease, the cadence used when none is configured.
func heartbeatInterval(consumer Consumer) time.Duration {
	lease := DefaultLeaseDuration
	if leased, ok := consumer.(interface{ LeaseDuration() time.Duration }); ok && leased.LeaseDuration() > 0 {
		lease = leased.LeaseDuration()
	}
	interval := lease / 2
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return interval
}

// consumerNow reads the clock of consumer, falling back to wall time.
func consumerNow(consumer Consumer) time.Time {
	if clocked, ok := consumer.(interface{ Now() time.Time }); ok {
		return clocked.Now().UTC()
	}
	return time.Now().UTC()
}
