package classifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"turnstile/internal/ratelimit/config"
	"turnstile/internal/ratelimit/metrics"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/ports"
	"turnstile/pkg/platform/privacy"
	"turnstile/pkg/requestcontext"
)

const defaultStateSize = 50_000

// Escalation is raised once per not-suspicious to suspicious transition.
type Escalation struct {
	Identity  string
	IP        string
	Scope     models.Scope
	Suspicion models.Suspicion
}

// Escalator acts on escalations. The classifier never blocks on its own.
type Escalator interface {
	Escalate(ctx context.Context, esc Escalation) error
}

// Assessment is the classifier's view of one identity after a new verdict.
type Assessment struct {
	Suspicion models.Suspicion
	// Transitioned is true when the identity was not suspicious before this
	// verdict and is now.
	Transitioned bool
}

// Classifier evaluates each new verdict against the identity's recent history
// in the event log and remembers the last known state per identity so only
// transitions escalate.
type Classifier struct {
	log       ports.EventLog
	cfg       config.ClassifierConfig
	escalator Escalator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func(ctx context.Context) time.Time

	mu    sync.Mutex
	state *expirable.LRU[string, bool]
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithEscalator sets the escalation target. Without one, transitions are only logged.
func WithEscalator(e Escalator) Option {
	return func(c *Classifier) {
		c.escalator = e
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) {
		c.metrics = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock fixes the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = func(context.Context) time.Time { return now() }
		}
	}
}

// New creates a Classifier reading history from log.
func New(log ports.EventLog, cfg config.ClassifierConfig, opts ...Option) (*Classifier, error) {
	if log == nil {
		return nil, errors.New("event log is required")
	}
	c := &Classifier{
		log:    log,
		cfg:    cfg,
		logger: slog.Default(),
		now:    requestcontext.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	ttl := cfg.Window
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.state = expirable.NewLRU[string, bool](defaultStateSize, nil, ttl)
	return c, nil
}

// Assess classifies event.Identity with event included as the newest verdict.
// The event itself is not recorded.
func (c *Classifier) Assess(ctx context.Context, event models.Event) (*Assessment, error) {
	now := c.now(ctx)
	limit := c.cfg.MaxEvents - 1
	if c.cfg.MaxEvents <= 0 {
		limit = 0
	}

	var history []models.Event
	if c.cfg.MaxEvents <= 0 || limit > 0 {
		var err error
		history, err = c.log.ForIdentity(ctx, event.Identity, now.Add(-c.cfg.Window), limit)
		if err != nil {
			return nil, err
		}
	}

	events := append(history, event)
	s := Classify(event.Identity, events, now, c.cfg)

	c.mu.Lock()
	was, _ := c.state.Get(event.Identity)
	c.state.Add(event.Identity, s.Suspicious)
	c.mu.Unlock()

	return &Assessment{Suspicion: s, Transitioned: s.Suspicious && !was}, nil
}

// Escalate forwards a transition to the escalator. Escalation failures are
// logged and never affect the verdict already given.
func (c *Classifier) Escalate(ctx context.Context, event models.Event, a *Assessment) {
	if a == nil || !a.Transitioned {
		return
	}
	c.metrics.IncrementSuspicious()
	c.logger.WarnContext(ctx, "identity became suspicious",
		"identity", event.Identity,
		"ip", privacy.AnonymizeIP(event.IP),
		"scope", event.Scope,
		"denied", a.Suspicion.DeniedCount,
		"total", a.Suspicion.TotalCount,
	)
	if c.escalator == nil {
		return
	}
	if err := c.escalator.Escalate(ctx, Escalation{
		Identity:  event.Identity,
		IP:        event.IP,
		Scope:     event.Scope,
		Suspicion: a.Suspicion,
	}); err != nil {
		c.logger.ErrorContext(ctx, "escalation failed",
			"identity", event.Identity,
			"error", err,
		)
	}
}
