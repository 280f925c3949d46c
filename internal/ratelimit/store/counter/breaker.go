package counter

import (
	"context"
	"log/slog"
	"time"

	"turnstile/internal/ratelimit/ports"
	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/platform/circuit"
)

// BreakerObserver is notified when the guarded store's circuit changes state.
type BreakerObserver interface {
	SetStoreCircuitOpen(name string, open bool)
}

// GuardedStore short-circuits calls to a failing counter store. While the
// circuit is open every call fails fast with StoreUnavailable, except for the
// periodic probe that decides whether to close it again.
type GuardedStore struct {
	next     ports.CounterStore
	breaker  *circuit.Breaker
	logger   *slog.Logger
	observer BreakerObserver
}

// GuardOption configures a GuardedStore.
type GuardOption func(*GuardedStore)

// WithGuardLogger sets the logger for circuit transitions.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *GuardedStore) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithBreakerObserver reports circuit transitions (e.g. to metrics).
func WithBreakerObserver(o BreakerObserver) GuardOption {
	return func(g *GuardedStore) {
		g.observer = o
	}
}

// NewGuardedStore wraps next with breaker.
func NewGuardedStore(next ports.CounterStore, breaker *circuit.Breaker, opts ...GuardOption) *GuardedStore {
	g := &GuardedStore{
		next:    next,
		breaker: breaker,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GuardedStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return g.IncrementBy(ctx, key, 1, window)
}

func (g *GuardedStore) IncrementBy(ctx context.Context, key string, n int64, window time.Duration) (int64, error) {
	if !g.breaker.Allow() {
		return 0, errCircuitOpen
	}
	count, err := g.next.IncrementBy(ctx, key, n, window)
	g.record(ctx, err)
	return count, err
}

func (g *GuardedStore) Get(ctx context.Context, key string) (int64, error) {
	if !g.breaker.Allow() {
		return 0, errCircuitOpen
	}
	count, err := g.next.Get(ctx, key)
	g.record(ctx, err)
	return count, err
}

var errCircuitOpen = dErrors.New(dErrors.CodeStoreUnavailable, "counter store circuit open")

func (g *GuardedStore) record(ctx context.Context, err error) {
	var change circuit.StateChange
	switch {
	case err == nil:
		change = g.breaker.RecordSuccess()
	case dErrors.HasCode(err, dErrors.CodeStoreUnavailable):
		change = g.breaker.RecordFailure()
	default:
		return
	}

	if change.Opened {
		g.logger.WarnContext(ctx, "counter store circuit opened", "breaker", g.breaker.Name(), "error", err)
		if g.observer != nil {
			g.observer.SetStoreCircuitOpen(g.breaker.Name(), true)
		}
	}
	if change.Closed {
		g.logger.InfoContext(ctx, "counter store circuit closed", "breaker", g.breaker.Name())
		if g.observer != nil {
			g.observer.SetStoreCircuitOpen(g.breaker.Name(), false)
		}
	}
}
