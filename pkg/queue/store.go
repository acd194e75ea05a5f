package queue

import (
	"context"
	"time"
)

// ClaimRequest describes one claim attempt.
type ClaimRequest struct {
	// Now is the caller clock reading the visibility comparison is made against.
	Now time.Time
	// LeaseFor is added to Now to produce the new EarliestVisibleAt of the claimed item.
	LeaseFor time.Duration
	// Version is the consumer process version.
	Version string
	// FilterVersion restricts the claim to items tagged with Version or untagged.
	FilterVersion bool
}

// LeaseUntil returns the visibility time written on a successful claim.
func (r ClaimRequest) LeaseUntil() time.Time {
	return r.Now.Add(r.LeaseFor)
}

// Store is the boundary towards the backing document store.
//
// Every method is a single atomic operation on one document. Implementations never lock a whole
// queue: a crashed consumer only delays its own item until the lease expires.
type Store interface {
	// ClaimNext selects the oldest visible item matching req, sets its EarliestVisibleAt to
	// req.LeaseUntil() and returns the item as it was before the update. It returns nil, nil when
	// nothing is visible.
	ClaimNext(ctx context.Context, queue string, req ClaimRequest) (*Item, error)
	// ExtendLease sets EarliestVisibleAt on the item with id. It returns false when no item matched.
	ExtendLease(ctx context.Context, queue, id string, visibleAt time.Time) (bool, error)
	// Requeue sets Retries and EarliestVisibleAt regardless of lease state. It returns false when
	// no item matched.
	Requeue(ctx context.Context, queue, id string, retries int, visibleAt time.Time) (bool, error)
	// Delete removes the item and reports whether it existed.
	Delete(ctx context.Context, queue, id string) (bool, error)
	// Insert creates the item. A colliding id yields ErrDuplicateItem.
	Insert(ctx context.Context, queue string, item *Item) error
	// Count returns the number of items selected by filter at now.
	Count(ctx context.Context, queue string, filter CountFilter, now time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Clock returns the current time. Tests replace it to control visibility.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
