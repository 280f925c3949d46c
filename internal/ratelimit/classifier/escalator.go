package classifier

import (
	"context"
	"log/slog"
	"time"

	"turnstile/internal/ratelimit/metrics"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/observability"
	"turnstile/pkg/platform/privacy"
	"turnstile/pkg/requestcontext"
)

// AutoBlockReason is recorded on entries written by the escalator.
const (
	AutoBlockReason = "auto: suspicious activity"
	AutoBlockActor  = "classifier"
)

// PolicyWriter is the subset of the IP policy store the escalator needs.
type PolicyWriter interface {
	Lookup(ctx context.Context, ip string) (*models.IPPolicyEntry, error)
	Block(ctx context.Context, ip, reason, setBy string, expiresAt *time.Time) (*models.IPPolicyEntry, error)
}

// PolicyEscalator writes a timed block for the offending IP when auto-block
// is enabled, and only logs otherwise. IPs on the allow list are never blocked.
type PolicyEscalator struct {
	store     PolicyWriter
	autoBlock bool
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	audit     observability.AuditPublisher
}

// EscalatorOption configures a PolicyEscalator.
type EscalatorOption func(*PolicyEscalator)

// WithAutoBlock enables blocking for ttl. Zero ttl blocks until unblocked.
func WithAutoBlock(ttl time.Duration) EscalatorOption {
	return func(e *PolicyEscalator) {
		e.autoBlock = true
		e.ttl = ttl
	}
}

// WithEscalatorLogger sets the structured logger.
func WithEscalatorLogger(logger *slog.Logger) EscalatorOption {
	return func(e *PolicyEscalator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEscalatorMetrics sets the metrics sink.
func WithEscalatorMetrics(m *metrics.Metrics) EscalatorOption {
	return func(e *PolicyEscalator) {
		e.metrics = m
	}
}

// WithAuditPublisher sets where auto-block audit events are emitted.
func WithAuditPublisher(p observability.AuditPublisher) EscalatorOption {
	return func(e *PolicyEscalator) {
		e.audit = p
	}
}

// NewPolicyEscalator creates an escalator writing into store.
func NewPolicyEscalator(store PolicyWriter, opts ...EscalatorOption) *PolicyEscalator {
	e := &PolicyEscalator{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *PolicyEscalator) Escalate(ctx context.Context, esc Escalation) error {
	if !e.autoBlock {
		e.logger.InfoContext(ctx, "auto-block disabled, escalation logged only",
			"identity", esc.Identity,
			"ip", privacy.AnonymizeIP(esc.IP),
		)
		return nil
	}
	if _, err := models.NormalizeIP(esc.IP); err != nil {
		e.logger.InfoContext(ctx, "escalation without a usable ip, not blocking",
			"identity", esc.Identity,
		)
		return nil
	}

	existing, err := e.store.Lookup(ctx, esc.IP)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	if existing.IsAllowed(now) || existing.IsBlocked(now) {
		return nil
	}

	var expiresAt *time.Time
	if e.ttl > 0 {
		t := now.Add(e.ttl)
		expiresAt = &t
	}
	if _, err := e.store.Block(ctx, esc.IP, AutoBlockReason, AutoBlockActor, expiresAt); err != nil {
		return err
	}
	e.metrics.IncrementAutoBlocks()
	observability.LogAudit(ctx, e.logger, e.audit, "ip_auto_blocked",
		"ip", esc.IP,
		"identity", esc.Identity,
		"actor", AutoBlockActor,
		"reason", AutoBlockReason,
		"denied", esc.Suspicion.DeniedCount,
		"total", esc.Suspicion.TotalCount,
	)
	return nil
}
