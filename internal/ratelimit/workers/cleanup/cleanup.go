package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"turnstile/internal/ratelimit/metrics"
)

// DefaultRetention is how long events stay in the log before pruning.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupResult contains the results of a cleanup run.
type CleanupResult struct {
	EventsPruned    int           // Events older than the retention cutoff
	PoliciesExpired int           // Expired IP policy entries removed
	CountersSwept   int           // Expired in-process counters removed
	Duration        time.Duration // Time taken for cleanup run
}

// EventPruner removes events recorded before a cutoff.
type EventPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// PolicySweeper removes expired IP policy entries.
type PolicySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CounterSweeper removes expired counters. Only stores without native key
// expiry need one.
type CounterSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(s *Service) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithCounterSweeper(c CounterSweeper) Option {
	return func(s *Service) {
		s.counters = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service periodically prunes the event log and sweeps expired policy entries.
type Service struct {
	events    EventPruner
	policies  PolicySweeper
	counters  CounterSweeper
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(events EventPruner, policies PolicySweeper, opts ...Option) (*Service, error) {
	if events == nil || policies == nil {
		return nil, fmt.Errorf("event pruner and policy sweeper are required")
	}
	service := &Service{
		events:    events,
		policies:  policies,
		logger:    slog.Default(),
		interval:  5 * time.Minute,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

// Start runs cleanup every interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			s.record(ctx, res, err)
		case <-ctx.Done():
			s.logger.Info("ratelimit cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single cleanup run. Every step is attempted; errors are
// joined and the partial result is still returned.
func (s *Service) RunOnce(ctx context.Context) (*CleanupResult, error) {
	start := s.now()
	res := &CleanupResult{}
	var errs []error

	pruned, err := s.events.Prune(ctx, start.Add(-s.retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("prune events: %w", err))
	} else {
		res.EventsPruned = pruned
	}

	expired, err := s.policies.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep ip policies: %w", err))
	} else {
		res.PoliciesExpired = expired
	}

	if s.counters != nil {
		swept, err := s.counters.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep counters: %w", err))
		} else {
			res.CountersSwept = swept
		}
	}

	res.Duration = s.now().Sub(start)
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, res *CleanupResult, err error) {
	s.metrics.ObserveCleanupDuration(res.Duration.Seconds())
	s.metrics.AddCleanupRemoved("events", res.EventsPruned)
	s.metrics.AddCleanupRemoved("ip_policies", res.PoliciesExpired)
	s.metrics.AddCleanupRemoved("counters", res.CountersSwept)

	if err != nil {
		s.logger.ErrorContext(ctx, "ratelimit_cleanup_failed",
			"error", err,
			"duration_ms", res.Duration.Milliseconds(),
		)
		s.metrics.IncrementCleanupRuns("error")
		return
	}

	s.logger.InfoContext(ctx, "ratelimit_cleanup_completed",
		"events_pruned", res.EventsPruned,
		"policies_expired", res.PoliciesExpired,
		"counters_swept", res.CountersSwept,
		"duration_ms", res.Duration.Milliseconds(),
	)
	s.metrics.IncrementCleanupRuns("success")
}
