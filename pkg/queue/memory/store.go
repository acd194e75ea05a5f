// Package memory implements queue.Store in process memory. It backs tests and single-process
// development setups; items do not survive a restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/workqueue/pkg/queue"
)

// Store keeps items per queue name behind one mutex, which makes every operation atomic.
type Store struct {
	mu     sync.Mutex
	queues map[string]map[string]*queue.Item
	closed bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{queues: map[string]map[string]*queue.Item{}}
}

func (s *Store) ClaimNext(ctx context.Context, name string, req queue.ClaimRequest) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var next *queue.Item
	for _, item := range s.queues[name] {
		if !item.VisibleTo(req) {
			continue
		}
		if next == nil || item.EarliestVisibleAt.Before(next.EarliestVisibleAt) {
			next = item
		}
	}
	if next == nil {
		return nil, nil
	}

	before := queue.CloneItem(next)
	next.EarliestVisibleAt = req.LeaseUntil().UTC()
	return before, nil
}

func (s *Store) ExtendLease(ctx context.Context, name, id string, visibleAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	item, ok := s.queues[name][id]
	if !ok {
		return false, nil
	}
	item.EarliestVisibleAt = visibleAt.UTC()
	return true, nil
}

func (s *Store) Requeue(ctx context.Context, name, id string, retries int, visibleAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	item, ok := s.queues[name][id]
	if !ok {
		return false, nil
	}
	item.Retries = retries
	item.EarliestVisibleAt = visibleAt.UTC()
	return true, nil
}

func (s *Store) Delete(ctx context.Context, name, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if _, ok := s.queues[name][id]; !ok {
		return false, nil
	}
	delete(s.queues[name], id)
	return true, nil
}

func (s *Store) Insert(ctx context.Context, name string, item *queue.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	items, ok := s.queues[name]
	if !ok {
		items = map[string]*queue.Item{}
		s.queues[name] = items
	}
	if _, exists := items[item.ID]; exists {
		return queue.ErrDuplicateItem
	}
	stored := queue.CloneItem(item)
	stored.EarliestVisibleAt = stored.EarliestVisibleAt.UTC()
	items[item.ID] = stored
	return nil
}

func (s *Store) Count(ctx context.Context, name string, filter queue.CountFilter, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var count int64
	for _, item := range s.queues[name] {
		if filter.Matches(item, now) {
			count++
		}
	}
	return count, nil
}

// Get returns a copy of the stored item, for inspection in tests and tooling.
func (s *Store) Get(name, id string) (*queue.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queues[name][id]
	return queue.CloneItem(item), ok
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed {
		return queue.ErrClosed
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return ctx.Err()
}
