// Package engine runs one unit of work (an HTTP request, a WebSocket connect
// or message, a GraphQL operation) through the IP policy store and its ordered
// limiter checks, and records every verdict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"golang.org/x/time/rate"

	"turnstile/internal/platform/tracer"
	"turnstile/internal/ratelimit/classifier"
	"turnstile/internal/ratelimit/limiter"
	"turnstile/internal/ratelimit/metrics"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/ports"
	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/platform/privacy"
	"turnstile/pkg/requestcontext"
)

// DefaultCheckTimeout bounds a single limiter check. It is independent of
// the request's own deadline.
const DefaultCheckTimeout = 25 * time.Millisecond

// Event metadata keys.
const (
	MetaReason    = "reason"
	MetaFailMode  = "fail_mode"
	MetaBot       = "bot"
	MetaUserAgent = "user_agent"

	ReasonIPBlocked        = "ip_blocked"
	ReasonAllowListed      = "allow_listed"
	ReasonStoreUnavailable = "store_unavailable"
)

// IPPolicyReader answers the per-IP question asked before any counter work.
type IPPolicyReader interface {
	Lookup(ctx context.Context, ip string) (*models.IPPolicyEntry, error)
}

// ScopeSource is implemented by every resolver: it lists the scopes it can emit.
type ScopeSource interface {
	Scopes() []models.Scope
}

// Unit is one inbound unit of work with its ordered checks.
type Unit struct {
	IP        string
	UserAgent string
	Checks    []models.Check
	Metadata  map[string]string
}

// Decision is the engine's verdict for one Unit.
type Decision struct {
	Allowed bool
	// Blocked is set when an IP block denied the unit before any counter work.
	Blocked bool
	// Bypassed is set when an allow-list entry exempted the unit from counters.
	Bypassed bool
	// Unavailable is set when a fail-closed check could not reach the store.
	Unavailable bool
	// Degraded is set when at least one fail-open check could not reach the store.
	Degraded bool
	// Denied is the first denying result, if any.
	Denied *models.Result
	// Results holds one entry per check that reached the store, in order.
	Results []*models.Result
}

// Tightest returns the admitted result with the least room left, for
// response headers. It is nil when no check ran.
func (d *Decision) Tightest() *models.Result {
	if d.Denied != nil {
		return d.Denied
	}
	var best *models.Result
	for _, r := range d.Results {
		if best == nil || r.Remaining < best.Remaining {
			best = r
		}
	}
	return best
}

// Engine evaluates units of work. It holds no per-request state.
type Engine struct {
	limiter      *limiter.Limiter
	policies     models.PolicySet
	ipPolicy     IPPolicyReader
	events       ports.EventLog
	classifier   *classifier.Classifier
	metrics      *metrics.Metrics
	tracer       tracer.Tracer
	logger       *slog.Logger
	checkTimeout time.Duration
	sources      []ScopeSource
	warnSamplers [warnKinds]*rate.Sometimes
	now          func(ctx context.Context) time.Time
	newID        func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier enables inline abuse classification of every recorded verdict.
func WithClassifier(c *classifier.Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer. Defaults to a no-op tracer.
func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCheckTimeout bounds each limiter check.
func WithCheckTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.checkTimeout = d
		}
	}
}

// WithResolvers registers the resolvers whose scopes must all have a policy.
func WithResolvers(sources ...ScopeSource) Option {
	return func(e *Engine) {
		e.sources = append(e.sources, sources...)
	}
}

// WithClock fixes the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = func(context.Context) time.Time { return now() }
		}
	}
}

// WithIDGenerator replaces the event ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New creates an Engine. It fails with PolicyNotFound when any scope emitted
// by a registered resolver has no policy.
func New(lim *limiter.Limiter, policies models.PolicySet, ipPolicy IPPolicyReader, events ports.EventLog, opts ...Option) (*Engine, error) {
	if lim == nil {
		return nil, errors.New("limiter is required")
	}
	if ipPolicy == nil {
		return nil, errors.New("ip policy reader is required")
	}
	if events == nil {
		return nil, errors.New("event log is required")
	}
	e := &Engine{
		limiter:      lim,
		policies:     policies,
		ipPolicy:     ipPolicy,
		events:       events,
		tracer:       tracer.NewNoop(),
		logger:       slog.Default(),
		checkTimeout: DefaultCheckTimeout,
		now:          requestcontext.Now,
		newID:        func() string { return uuid.NewString() },
	}
	for i := range e.warnSamplers {
		e.warnSamplers[i] = &rate.Sometimes{Interval: warnInterval}
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, src := range e.sources {
		if err := policies.Require(src.Scopes()...); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Policies returns the configured policy set.
func (e *Engine) Policies() models.PolicySet {
	return e.policies
}

// Evaluate runs unit through the IP policy and then each check in order,
// stopping at the first denial. Counter capacity is never consumed for a
// blocked IP or for checks after a denial.
func (e *Engine) Evaluate(ctx context.Context, unit Unit) (dec *Decision, err error) {
	if len(unit.Checks) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unit of work has no checks")
	}

	ctx, span := e.tracer.Start(ctx, tracer.SpanEvaluate,
		tracer.Int64(tracer.AttrChecks, int64(len(unit.Checks))),
		tracer.String(tracer.AttrScope, unit.Checks[0].Scope.String()),
	)
	defer func() {
		if dec != nil {
			span.SetAttributes(
				tracer.Bool(tracer.AttrAllowed, dec.Allowed),
				tracer.Bool(tracer.AttrDegraded, dec.Degraded),
			)
		}
		span.End(err)
	}()

	meta := e.baseMetadata(unit)

	entry, lookupErr := e.ipPolicy.Lookup(ctx, unit.IP)
	if lookupErr != nil {
		// The counters still apply; only the policy overlay is skipped.
		e.warnUnavailable(ctx, warnIPPolicy, "ip policy store unavailable, continuing without policy", unit.Checks[0].Scope, lookupErr)
	}
	now := e.now(ctx)

	switch {
	case entry.IsBlocked(now):
		span.SetAttributes(tracer.String(tracer.AttrIPPolicy, string(models.PolicyStateBlocked)))
		e.metrics.IncrementBlocked()
		e.record(ctx, unit, unit.Checks[0], true, withReason(meta, ReasonIPBlocked), false)
		return &Decision{Blocked: true}, nil
	case entry.IsAllowed(now):
		span.SetAttributes(tracer.String(tracer.AttrIPPolicy, string(models.PolicyStateAllowed)))
		for _, c := range unit.Checks {
			e.metrics.ObserveDecision(c.Scope.String(), metrics.OutcomeBypassed, 0)
		}
		e.record(ctx, unit, unit.Checks[0], false, withReason(meta, ReasonAllowListed), false)
		return &Decision{Allowed: true, Bypassed: true}, nil
	}

	dec = &Decision{Allowed: true, Results: make([]*models.Result, 0, len(unit.Checks))}
	for _, c := range unit.Checks {
		res, err := e.check(ctx, c)
		if err != nil {
			if !dErrors.HasCode(err, dErrors.CodeStoreUnavailable) {
				return nil, err
			}
			if c.FailMode == models.FailClosed {
				dec.Allowed = false
				dec.Unavailable = true
				e.record(ctx, unit, c, true, withFailMode(meta, c.FailMode), false)
				return dec, nil
			}
			dec.Degraded = true
			continue
		}

		dec.Results = append(dec.Results, res)
		e.record(ctx, unit, c, !res.Allowed, meta, true)
		if !res.Allowed {
			dec.Allowed = false
			dec.Denied = res
			return dec, nil
		}
	}
	return dec, nil
}

func (e *Engine) check(ctx context.Context, c models.Check) (*models.Result, error) {
	policy, err := e.policies.Lookup(c.Scope)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, tracer.SpanCheck,
		tracer.String(tracer.AttrScope, c.Scope.String()),
		tracer.Int64(tracer.AttrCost, c.Cost),
		tracer.String(tracer.AttrFailMode, c.FailMode.String()),
	)

	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	res, err := e.limiter.CheckAndConsumeN(checkCtx, c.Scope, c.Identity, policy, c.Cost)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; that is not a store fault.
			span.End(ctx.Err())
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && !dErrors.HasCode(err, dErrors.CodeStoreUnavailable) {
			err = dErrors.Wrap(err, dErrors.CodeStoreUnavailable, fmt.Sprintf("check %s timed out", c.Scope))
		}
		if dErrors.HasCode(err, dErrors.CodeStoreUnavailable) {
			outcome := metrics.OutcomeFailOpen
			if c.FailMode == models.FailClosed {
				outcome = metrics.OutcomeFailClosed
			}
			e.metrics.ObserveDecision(c.Scope.String(), outcome, elapsed)
			span.AddEvent(tracer.EventStoreUnavailable)
			e.warnUnavailable(ctx, warnCounterStore, "counter store unavailable, applying fail mode", c.Scope, err,
				"fail_mode", c.FailMode.String(),
			)
		}
		span.End(err)
		return nil, err
	}

	outcome := metrics.OutcomeAllowed
	if !res.Allowed {
		outcome = metrics.OutcomeDenied
	}
	e.metrics.ObserveDecision(c.Scope.String(), outcome, elapsed)
	span.SetAttributes(
		tracer.Bool(tracer.AttrAllowed, res.Allowed),
		tracer.Int64(tracer.AttrRemaining, res.Remaining),
	)
	span.End(nil)
	return res, nil
}

// record appends a verdict to the event log and, when classify is set, runs
// the classifier over it. Failures here never change the verdict.
func (e *Engine) record(ctx context.Context, unit Unit, c models.Check, exceeded bool, meta map[string]string, classify bool) {
	event := models.Event{
		ID:        e.newID(),
		IP:        unit.IP,
		Scope:     c.Scope,
		Identity:  c.Identity,
		Timestamp: e.now(ctx),
		Exceeded:  exceeded,
		Metadata:  meta,
	}

	var assessment *classifier.Assessment
	if classify && e.classifier != nil {
		a, err := e.classifier.Assess(ctx, event)
		if err != nil {
			e.warnUnavailable(ctx, warnClassifier, "classifier could not read history", c.Scope, err)
		} else {
			assessment = a
			event.Suspicious = a.Suspicion.Suspicious
		}
	}

	if err := e.events.Record(ctx, event); err != nil {
		e.warnUnavailable(ctx, warnEventLog, "event log record failed", c.Scope, err)
	}
	if assessment != nil {
		e.classifier.Escalate(ctx, event, assessment)
	}
}

// warnKind selects the sampler for a degraded dependency so a noisy one
// cannot hide another.
type warnKind int

const (
	warnCounterStore warnKind = iota
	warnIPPolicy
	warnClassifier
	warnEventLog
	warnKinds
)

const warnInterval = 10 * time.Second

func (e *Engine) warnUnavailable(ctx context.Context, kind warnKind, msg string, scope models.Scope, err error, attrs ...any) {
	e.warnSamplers[kind].Do(func() {
		args := append([]any{
			"scope", scope,
			"request_id", requestcontext.RequestID(ctx),
			"ip", privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
			"error", err,
		}, attrs...)
		e.logger.WarnContext(ctx, msg, args...)
	})
}

func (e *Engine) baseMetadata(unit Unit) map[string]string {
	meta := make(map[string]string, len(unit.Metadata)+2)
	for k, v := range unit.Metadata {
		meta[k] = v
	}
	if unit.UserAgent != "" {
		ua := useragent.New(unit.UserAgent)
		if ua.Bot() {
			meta[MetaBot] = "true"
		}
		name, _ := ua.Browser()
		if name != "" {
			meta[MetaUserAgent] = name
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func withReason(meta map[string]string, reason string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaReason] = reason
	return out
}

func withFailMode(meta map[string]string, mode models.FailMode) map[string]string {
	out := withReason(meta, ReasonStoreUnavailable)
	out[MetaFailMode] = mode.String()
	return out
}
