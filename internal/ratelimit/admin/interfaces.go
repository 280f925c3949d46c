package admin

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/observability"
)

// PolicyStore defines the IP policy operations exposed to operators.
type PolicyStore interface {
	// Block records a block for ip. A nil expiresAt blocks until unblocked.
	Block(ctx context.Context, ip, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error)

	// Allow records an allow-list entry that exempts ip from counters.
	Allow(ctx context.Context, ip, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error)

	// Unblock removes any entry for ip and reports whether one existed.
	Unblock(ctx context.Context, ip string) (bool, error)

	// List returns all live entries.
	List(ctx context.Context) ([]*models.IPPolicyEntry, error)
}

// EventReader defines the read side of the event log.
type EventReader interface {
	// Query returns events matching filter, newest first.
	Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

// AuditPublisher defines the interface for publishing audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event observability.AuditEvent) error
}
