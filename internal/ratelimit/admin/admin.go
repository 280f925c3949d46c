// Package admin implements the operator surface: IP policy mutations and
// event log reads. Every call requires the admin role on the context.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"turnstile/internal/ratelimit/analytics"
	"turnstile/internal/ratelimit/metrics"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/observability"
	dErrors "turnstile/pkg/domain-errors"
	adminmw "turnstile/pkg/platform/middleware/admin"
	"turnstile/pkg/requestcontext"
)

// DefaultEventLimit caps the events returned by one read.
const DefaultEventLimit = 1000

type Service struct {
	policies       PolicyStore
	events         EventReader
	limits         models.PolicySet
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	eventLimit     int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithEventLimit caps the number of events returned per read.
func WithEventLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.eventLimit = n
		}
	}
}

func New(
	policies PolicyStore,
	events EventReader,
	limits models.PolicySet,
	opts ...Option,
) (*Service, error) {
	if policies == nil {
		return nil, errors.New("ip policy store is required")
	}
	if events == nil {
		return nil, errors.New("event reader is required")
	}

	svc := &Service{
		policies:   policies,
		events:     events,
		limits:     limits,
		eventLimit: DefaultEventLimit,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// ApplyIPPolicy blocks, unblocks or allow-lists an IP.
func (s *Service) ApplyIPPolicy(ctx context.Context, req *models.IPPolicyRequest) (*models.IPPolicyResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	actor := adminmw.GetAdminActorID(ctx)
	action := req.ParsedAction()
	resp := &models.IPPolicyResponse{IP: req.IP, Action: action}

	switch action {
	case models.AdminActionBlock:
		entry, err := s.policies.Block(ctx, req.IP, req.Reason, actor, req.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to block ip: %w", err)
		}
		resp.Entry = entry
	case models.AdminActionAllow:
		entry, err := s.policies.Allow(ctx, req.IP, req.Reason, actor, req.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to allow ip: %w", err)
		}
		resp.Entry = entry
	case models.AdminActionUnblock:
		existed, err := s.policies.Unblock(ctx, req.IP)
		if err != nil {
			return nil, fmt.Errorf("failed to unblock ip: %w", err)
		}
		if !existed {
			return nil, dErrors.New(dErrors.CodeNotFound, "no policy for ip "+req.IP)
		}
	default:
		return nil, dErrors.New(dErrors.CodeBadRequest, "unsupported action")
	}

	s.metrics.IncrementAdminAction(action.String())
	s.logAudit(ctx, "ip_policy_"+action.String(),
		"ip", req.IP,
		"actor", actor,
		"reason", req.Reason,
		"expires_at", req.ExpiresAt,
	)
	return resp, nil
}

// ListIPPolicies returns every live IP policy entry.
func (s *Service) ListIPPolicies(ctx context.Context) (*models.IPPolicyListResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	entries, err := s.policies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ip policies: %w", err)
	}
	if entries == nil {
		entries = []*models.IPPolicyEntry{}
	}
	return &models.IPPolicyListResponse{Entries: entries}, nil
}

// Events reads the event log for filter ("all", "suspicious" or a scope
// substring) over timeRange ("1h", "24h", "7d") and aggregates the result.
func (s *Service) Events(ctx context.Context, filter, timeRange string) (*models.EventsResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	f, err := analytics.ParseFilter(filter, timeRange, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}
	f.Limit = s.eventLimit

	events, err := s.events.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	if events == nil {
		events = []models.Event{}
	}
	stats := analytics.Aggregate(events)
	return &models.EventsResponse{
		Events:       events,
		Stats:        stats,
		LimiterStats: analytics.LimiterStats(s.limits, stats),
	}, nil
}

func requireAdmin(ctx context.Context) error {
	if !adminmw.IsAdminRequest(ctx) {
		return dErrors.New(dErrors.CodeForbidden, "admin role required")
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, event string, attrs ...any) {
	observability.LogAudit(ctx, s.logger, s.auditPublisher, event, attrs...)
}
