// Package eventlog records limiter verdicts for the classifier and the admin
// dashboard.
package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"turnstile/internal/ratelimit/models"
)

// DefaultMaxEvents bounds the in-memory log when no size is given.
const DefaultMaxEvents = 100_000

// InMemoryStore is a bounded, timestamp-ordered event log.
type InMemoryStore struct {
	mu        sync.RWMutex
	events    []models.Event // ascending by Timestamp
	maxEvents int
}

// NewInMemoryStore creates a log holding at most maxEvents events; the oldest
// are dropped first.
func NewInMemoryStore(maxEvents int) *InMemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &InMemoryStore{maxEvents: maxEvents}
}

func (s *InMemoryStore) Record(ctx context.Context, event models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Events almost always arrive in order, so search from the tail.
	i := len(s.events)
	for i > 0 && s.events[i-1].Timestamp.After(event.Timestamp) {
		i--
	}
	s.events = append(s.events, event)
	if i < len(s.events)-1 {
		copy(s.events[i+1:], s.events[i:len(s.events)-1])
		s.events[i] = event
	}

	if over := len(s.events) - s.maxEvents; over > 0 {
		s.dropOldest(over)
	}
	return nil
}

func (s *InMemoryStore) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if !filter.Since.IsZero() {
		start = sort.Search(len(s.events), func(i int) bool {
			return !s.events[i].Timestamp.Before(filter.Since)
		})
	}

	var out []models.Event
	for i := len(s.events) - 1; i >= start; i-- {
		if !filter.Matches(s.events[i]) {
			continue
		}
		out = append(out, s.events[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ForIdentity(ctx context.Context, identity string, since time.Time, limit int) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.Timestamp.Before(since) {
			break
		}
		if e.Identity != identity {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(before)
	})
	s.dropOldest(n)
	return n, nil
}

// dropOldest reslices past the first n events instead of copying the tail;
// append reallocates to the live length once the capacity runs out, so
// eviction is amortized O(1). Callers hold the write lock.
func (s *InMemoryStore) dropOldest(n int) {
	if n <= 0 {
		return
	}
	clear(s.events[:n])
	s.events = s.events[n:]
}

// Len returns the number of retained events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
