// Package limiter implements the fixed-window admission decision shared by
// every traffic surface.
//
// Usage:
//
//	lim, _ := limiter.New(counterStore)
//	res, err := lim.CheckAndConsume(ctx, models.ScopeHTTPIP, clientIP, policy)
//	if err == nil && !res.Allowed {
//	    // Return 429 Too Many Requests
//	}
//
// The window a request falls into is floor(now / window). Counting stops at
// the store; the limiter never reads before it writes, so two concurrent
// callers can never both observe the same count.
package limiter

import (
	"context"
	"errors"
	"math"
	"time"

	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/ports"
	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/requestcontext"
)

// Limiter consumes quota from a counter store. Safe for concurrent use.
type Limiter struct {
	store ports.CounterStore
	now   func(ctx context.Context) time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock fixes the clock. By default the request time from the context is
// used, falling back to time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = func(context.Context) time.Time { return now() }
		}
	}
}

// New creates a limiter over store.
func New(store ports.CounterStore, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	l := &Limiter{
		store: store,
		now:   requestcontext.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CheckAndConsume counts one unit of work against (scope, identity).
func (l *Limiter) CheckAndConsume(ctx context.Context, scope models.Scope, identity string, policy models.Policy) (*models.Result, error) {
	return l.CheckAndConsumeN(ctx, scope, identity, policy, 1)
}

// CheckAndConsumeN counts cost units against (scope, identity). The counter is
// incremented even when the result is a denial, so a client that keeps
// retrying inside a window stays denied for the rest of it.
func (l *Limiter) CheckAndConsumeN(ctx context.Context, scope models.Scope, identity string, policy models.Policy, cost int64) (*models.Result, error) {
	if cost < 1 {
		cost = 1
	}
	if policy.Window <= 0 {
		return nil, dErrors.New(dErrors.CodePolicyNotFound, "policy for scope "+scope.String()+" has no window")
	}

	now := l.now(ctx)
	key := models.NewCounterKey(scope, identity, now, policy.Window)

	count, err := l.store.IncrementBy(ctx, key.String(), cost, policy.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "rate limit check failed")
	}

	resetAt := models.WindowEnd(key.WindowID, policy.Window)
	res := &models.Result{
		Scope:     scope,
		Identity:  identity,
		Allowed:   count <= policy.Ceiling(),
		Count:     count,
		Limit:     policy.MaxRequests,
		Remaining: max(0, policy.MaxRequests-count),
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = retryAfterSeconds(now, resetAt)
	}
	return res, nil
}

// Peek returns the current count for (scope, identity) without consuming.
func (l *Limiter) Peek(ctx context.Context, scope models.Scope, identity string, policy models.Policy) (int64, error) {
	key := models.NewCounterKey(scope, identity, l.now(ctx), policy.Window)
	count, err := l.store.Get(ctx, key.String())
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "rate limit peek failed")
	}
	return count, nil
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(now, resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, secs)
}
