// Package ports defines shared interfaces for the ratelimit module.
// Interfaces are placed here when consumed by multiple packages to avoid duplication.
package ports

import (
	"context"
	"time"

	"turnstile/internal/ratelimit/models"
)

// CounterStore holds fixed-window counters. Implementations must make each
// increment atomic across every process sharing the store, and must set the
// expiry exactly once, when the counter is created.
type CounterStore interface {
	// Increment adds one to key and returns the new count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrementBy adds n (n >= 1) to key and returns the new count.
	IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error)

	// Get returns the current count without modifying it (0 when absent).
	Get(ctx context.Context, key string) (int64, error)
}

// IPPolicyBackend persists IP policy entries.
type IPPolicyBackend interface {
	// Get returns the entry for ip, or nil when none exists (expired entries
	// may be returned; callers check expiry).
	Get(ctx context.Context, ip string) (*models.IPPolicyEntry, error)

	// Put creates or replaces the entry for entry.IP.
	Put(ctx context.Context, entry *models.IPPolicyEntry) error

	// Delete removes the entry for ip and reports whether one existed.
	Delete(ctx context.Context, ip string) (bool, error)

	// List returns every entry that has not expired at now.
	List(ctx context.Context, now time.Time) ([]*models.IPPolicyEntry, error)

	// DeleteExpired removes entries expired at now and returns how many.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// EventLog is the append-only record of limiter verdicts.
type EventLog interface {
	// Record appends an event.
	Record(ctx context.Context, event models.Event) error

	// Query returns events matching filter, newest first.
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)

	// ForIdentity returns at most limit events for identity at or after since,
	// newest first.
	ForIdentity(ctx context.Context, identity string, since time.Time, limit int) ([]models.Event, error)

	// Prune removes events older than before and returns how many.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// EventPublisher fans recorded events out to external consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.Event) error
}
