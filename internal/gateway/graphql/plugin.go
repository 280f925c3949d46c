// Package graphql meters GraphQL execution: whole operations before they run
// and expensive fields as they resolve.
package graphql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"turnstile/internal/ratelimit/engine"
	"turnstile/internal/ratelimit/middleware"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/resolver"
	"turnstile/pkg/platform/privacy"
)

// Error codes placed in GraphQLError extensions.
const (
	CodeRateLimited     = "RATE_LIMITED"
	CodeQueryTooComplex = "QUERY_TOO_COMPLEX"
	CodeParseFailed     = "GRAPHQL_PARSE_FAILED"
	CodeForbidden       = "FORBIDDEN"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
)

// GraphQLError is a GraphQL response error.
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e *GraphQLError) Error() string {
	return e.Message
}

// Code returns the extensions code, or "" when none is set.
func (e *GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

func newError(code, message string, extra map[string]any) *GraphQLError {
	ext := map[string]any{"code": code}
	for k, v := range extra {
		ext[k] = v
	}
	return &GraphQLError{Message: message, Extensions: ext}
}

// Request is one GraphQL operation as seen by the plugin.
type Request struct {
	Query         string
	OperationName string
	// Identity is the caller the operation and field limits are keyed on.
	Identity  string
	IP        string
	UserAgent string
}

type Plugin struct {
	engine   middleware.Evaluator
	resolver *resolver.GraphQL
	logger   *slog.Logger
}

type Option func(*Plugin)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Plugin) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(e middleware.Evaluator, res *resolver.GraphQL, opts ...Option) *Plugin {
	p := &Plugin{
		engine:   e,
		resolver: res,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type execKey struct{}

// execution tracks what one operation has already been charged for. Fields
// may resolve concurrently.
type execution struct {
	mu       sync.Mutex
	ip       string
	failMode models.FailMode
	charged  map[string]struct{}
	plan     *resolver.Plan
}

func (x *execution) claim(field string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.charged[field]; ok {
		return false
	}
	x.charged[field] = struct{}{}
	return true
}

// PlanFrom returns the plan computed by BeforeExecute, if any.
func PlanFrom(ctx context.Context) *resolver.Plan {
	if x, ok := ctx.Value(execKey{}).(*execution); ok {
		return x.plan
	}
	return nil
}

// BeforeExecute parses the operation, rejects it when it is too complex and
// runs the operation check plus one check per expensive field reachable from
// its selection set. The returned context must be passed to BeforeField.
func (p *Plugin) BeforeExecute(ctx context.Context, req *Request) (context.Context, error) {
	plan, err := p.resolver.Resolve(req.Query, req.OperationName, req.Identity)
	if err != nil {
		var complexity *resolver.ComplexityError
		if errors.As(err, &complexity) {
			return ctx, newError(CodeQueryTooComplex, complexity.Error(), map[string]any{
				"complexity":    complexity.Complexity,
				"maxComplexity": complexity.Max,
			})
		}
		return ctx, newError(CodeParseFailed, err.Error(), nil)
	}

	meta := map[string]string{"operation": string(plan.Operation)}
	if plan.Name != "" {
		meta["operation_name"] = plan.Name
	}
	dec, err := p.engine.Evaluate(ctx, engine.Unit{
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Metadata:  meta,
		Checks:    plan.Checks,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "graphql operation evaluation failed",
			"error", err,
			"ip_prefix", privacy.AnonymizeIP(req.IP),
		)
		if plan.Checks[0].FailMode != models.FailOpen {
			return ctx, unavailableError()
		}
		dec = &engine.Decision{Allowed: true, Degraded: true}
	}
	if gqlErr := decisionError(dec); gqlErr != nil {
		return ctx, gqlErr
	}

	x := &execution{
		ip:       req.IP,
		failMode: plan.Checks[0].FailMode,
		charged:  make(map[string]struct{}, len(plan.Fields)),
		plan:     plan,
	}
	for _, f := range plan.Fields {
		x.charged[f] = struct{}{}
	}
	return context.WithValue(ctx, execKey{}, x), nil
}

// BeforeField runs the field limiter for an expensive field being resolved.
// Cheap fields and fields already charged for this operation pass without
// touching a counter.
func (p *Plugin) BeforeField(ctx context.Context, identity, field string) error {
	if !p.resolver.IsExpensive(field) {
		return nil
	}

	mode := models.FailOpen
	var ip string
	if x, ok := ctx.Value(execKey{}).(*execution); ok {
		if !x.claim(field) {
			return nil
		}
		mode = x.failMode
		ip = x.ip
	}

	check, _ := p.resolver.FieldCheck(field, identity, mode)
	dec, err := p.engine.Evaluate(ctx, engine.Unit{
		IP:       ip,
		Metadata: map[string]string{"field": field},
		Checks:   []models.Check{check},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "graphql field evaluation failed",
			"error", err,
			"field", field,
		)
		if mode != models.FailOpen {
			return unavailableError()
		}
		return nil
	}
	if gqlErr := decisionError(dec); gqlErr != nil {
		return gqlErr
	}
	return nil
}

func decisionError(dec *engine.Decision) *GraphQLError {
	switch {
	case dec.Blocked:
		return newError(CodeForbidden, "forbidden", nil)
	case dec.Unavailable:
		return unavailableError()
	case dec.Denied != nil:
		return newError(CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for %s, retry after %ds", dec.Denied.Scope, dec.Denied.RetryAfter),
			map[string]any{
				"scope":      dec.Denied.Scope.String(),
				"retryAfter": dec.Denied.RetryAfter,
			})
	}
	return nil
}

func unavailableError() *GraphQLError {
	return newError(CodeUnavailable, "rate limiting is temporarily unavailable", map[string]any{"retryAfter": 1})
}
