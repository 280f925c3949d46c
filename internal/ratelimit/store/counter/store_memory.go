// Package counter provides fixed-window counter stores.
package counter

import (
	"context"
	"fmt"
	"sync"
	"time"

	psync "turnstile/pkg/platform/sync"
)

// InMemoryStore implements ports.CounterStore for tests and single-instance
// deployments. Counters live in process memory and expire lazily.
type InMemoryStore struct {
	entries sync.Map // key -> *entry
	locks   *psync.ShardedMutex
	now     func() time.Time
}

type entry struct {
	count     int64
	expiresAt time.Time
}

// MemoryOption configures an InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore creates a new in-memory counter store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		locks: psync.NewShardedMutex(0),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment adds one to key.
func (s *InMemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrementBy(ctx, key, 1, window)
}

// IncrementBy adds n to key. The expiry is fixed when the counter is created.
func (s *InMemoryStore) IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("increment must be positive, got %d", n)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	s.locks.With(key, func() {
		now := s.now()
		v, _ := s.entries.LoadOrStore(key, &entry{})
		e := v.(*entry)
		if e.count == 0 || !now.Before(e.expiresAt) {
			e.count = 0
			e.expiresAt = now.Add(window)
		}
		e.count += n
		count = e.count
	})
	return count, nil
}

// Get returns the live count for key.
func (s *InMemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	s.locks.With(key, func() {
		v, ok := s.entries.Load(key)
		if !ok {
			return
		}
		e := v.(*entry)
		if s.now().Before(e.expiresAt) {
			count = e.count
		}
	})
	return count, nil
}

// Sweep drops expired counters and returns how many were removed.
func (s *InMemoryStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		key := k.(string)
		s.locks.With(key, func() {
			if !s.now().Before(v.(*entry).expiresAt) {
				s.entries.Delete(key)
				removed++
			}
		})
		return true
	})
	return removed, ctx.Err()
}
