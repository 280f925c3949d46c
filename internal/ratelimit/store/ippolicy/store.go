// Package ippolicy stores operator and classifier decisions about client IPs
// and answers the "is this IP blocked" question ahead of every limiter check.
package ippolicy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/ports"
	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/requestcontext"
)

const (
	defaultCacheSize = 10_000
	defaultCacheTTL  = 5 * time.Second
)

// Store fronts an IPPolicyBackend with a short-lived read cache. Lookups that
// find nothing are cached too, so a hot attacker IP costs one backend read per
// TTL. Mutations made through this Store invalidate the cache immediately;
// mutations made by other instances become visible within the TTL.
type Store struct {
	backend ports.IPPolicyBackend
	cache   *expirable.LRU[string, *models.IPPolicyEntry]
	logger  *slog.Logger
	now     func(ctx context.Context) time.Time

	cacheSize int
	cacheTTL  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL sets how long lookups are cached. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl >= 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithCacheSize bounds the number of cached IPs.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock fixes the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = func(context.Context) time.Time { return now() }
		}
	}
}

// New creates a Store over backend.
func New(backend ports.IPPolicyBackend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("ip policy backend is required")
	}
	s := &Store{
		backend:   backend,
		logger:    slog.Default(),
		now:       requestcontext.Now,
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheTTL > 0 {
		s.cache = expirable.NewLRU[string, *models.IPPolicyEntry](s.cacheSize, nil, s.cacheTTL)
	}
	return s, nil
}

// Lookup returns the live entry for ip, or nil.
func (s *Store) Lookup(ctx context.Context, ip string) (*models.IPPolicyEntry, error) {
	key, err := models.NormalizeIP(ip)
	if err != nil {
		// Unparseable client IPs (including the "unknown" sentinel) can never
		// carry a policy.
		return nil, nil
	}

	if s.cache != nil {
		if e, ok := s.cache.Get(key); ok {
			return s.live(ctx, e), nil
		}
	}

	e, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "ip policy store unavailable")
	}
	if s.cache != nil {
		s.cache.Add(key, e)
	}
	return s.live(ctx, e), nil
}

func (s *Store) live(ctx context.Context, e *models.IPPolicyEntry) *models.IPPolicyEntry {
	if e == nil || e.IsExpired(s.now(ctx)) {
		return nil
	}
	return e
}

// IsBlocked reports whether ip is currently blocked.
func (s *Store) IsBlocked(ctx context.Context, ip string) (bool, error) {
	e, err := s.Lookup(ctx, ip)
	if err != nil {
		return false, err
	}
	return e.IsBlocked(s.now(ctx)), nil
}

// Block records a block for ip. A nil expiresAt blocks until unblocked.
func (s *Store) Block(ctx context.Context, ip, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error) {
	return s.put(ctx, ip, models.PolicyStateBlocked, reason, setBy, expiresAt)
}

// Allow records an allow-list entry that exempts ip from counters.
func (s *Store) Allow(ctx context.Context, ip, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error) {
	return s.put(ctx, ip, models.PolicyStateAllowed, reason, setBy, expiresAt)
}

func (s *Store) put(ctx context.Context, ip string, state models.PolicyState, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error) {
	entry, err := models.NewIPPolicyEntry(ip, state, reason, setBy, s.now(ctx), expiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Put(ctx, entry); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "ip policy store unavailable")
	}
	s.invalidate(entry.IP)
	return entry, nil
}

// Unblock removes any entry for ip and reports whether one existed.
func (s *Store) Unblock(ctx context.Context, ip string) (bool, error) {
	key, err := models.NormalizeIP(ip)
	if err != nil {
		return false, err
	}
	existed, err := s.backend.Delete(ctx, key)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "ip policy store unavailable")
	}
	s.invalidate(key)
	return existed, nil
}

// List returns every live entry, newest first.
func (s *Store) List(ctx context.Context) ([]*models.IPPolicyEntry, error) {
	entries, err := s.backend.List(ctx, s.now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "ip policy store unavailable")
	}
	return entries, nil
}

// SweepExpired deletes expired entries from the backend.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.backend.DeleteExpired(ctx, s.now(ctx))
	if err != nil {
		return n, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "ip policy store unavailable")
	}
	if n > 0 && s.cache != nil {
		s.cache.Purge()
	}
	return n, nil
}

func (s *Store) invalidate(ip string) {
	if s.cache != nil {
		s.cache.Remove(ip)
	}
}
