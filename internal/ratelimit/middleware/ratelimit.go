// Package middleware applies the limiter engine to plain HTTP traffic and
// owns the HTTP shape of every verdict (429, 403, 503 and X-RateLimit-*).
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"turnstile/internal/ratelimit/engine"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/resolver"
	"turnstile/pkg/platform/httputil"
	"turnstile/pkg/platform/middleware/admin"
	"turnstile/pkg/platform/privacy"
	"turnstile/pkg/requestcontext"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Evaluator is the engine surface the middleware needs.
type Evaluator interface {
	Evaluate(ctx context.Context, unit engine.Unit) (*engine.Decision, error)
}

type Middleware struct {
	engine   Evaluator
	resolver resolver.HTTP
	bypass   *admin.OperatorBypass
	logger   *slog.Logger
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithOperatorBypass skips limiting for the configured operator IP and key.
func WithOperatorBypass(b *admin.OperatorBypass) Option {
	return func(m *Middleware) {
		m.bypass = b
	}
}

func New(e Evaluator, logger *slog.Logger, opts ...Option) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Middleware{engine: e, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RateLimit runs every request through the engine before next.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.bypass.Matches(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		checks := m.resolver.Resolve(r)
		unit := engine.Unit{
			IP:        checks[0].Identity,
			UserAgent: r.UserAgent(),
			Metadata:  map[string]string{"method": r.Method, "path": r.URL.Path},
			Checks:    checks,
		}

		dec, err := m.engine.Evaluate(ctx, unit)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit evaluation failed",
				"error", err,
				"ip_prefix", privacy.AnonymizeIP(unit.IP),
				"request_id", requestcontext.RequestID(ctx),
			)
			if checks[0].FailMode == models.FailOpen {
				next.ServeHTTP(w, r)
				return
			}
			WriteUnavailable(w)
			return
		}

		if !WriteDecision(w, dec) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteDecision sets the rate limit headers and, for a rejection, writes the
// full response. It reports whether the caller should continue.
func WriteDecision(w http.ResponseWriter, dec *engine.Decision) bool {
	switch {
	case dec.Blocked:
		WriteBlocked(w)
		return false
	case dec.Unavailable:
		WriteUnavailable(w)
		return false
	}

	AddRateLimitHeaders(w, dec.Tightest())
	if dec.Denied != nil {
		WriteRateLimitExceeded(w, dec.Denied)
		return false
	}
	return true
}

// AddRateLimitHeaders adds X-RateLimit-* headers to the response.
func AddRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	if result == nil {
		return
	}
	w.Header().Set(HeaderLimit, strconv.FormatInt(result.Limit, 10))
	w.Header().Set(HeaderRemaining, strconv.FormatInt(result.Remaining, 10))
	w.Header().Set(HeaderReset, strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func WriteRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		Scope:      result.Scope,
		RetryAfter: result.RetryAfter,
	})
}

func WriteBlocked(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusForbidden, &models.ForbiddenResponse{Error: "forbidden"})
}

func WriteUnavailable(w http.ResponseWriter) {
	w.Header().Set(HeaderRetryAfter, "1")
	httputil.WriteJSON(w, http.StatusServiceUnavailable, &httputil.ErrorResponse{
		Error:   "service_unavailable",
		Message: "Rate limiting is temporarily unavailable. Please retry.",
	})
}
