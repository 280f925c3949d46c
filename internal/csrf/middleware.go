package csrf

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"turnstile/internal/ratelimit/metrics"
	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/platform/httputil"
	"turnstile/pkg/platform/middleware/metadata"
	"turnstile/pkg/platform/privacy"
	"turnstile/pkg/requestcontext"
)

const (
	DefaultCookieName = "csrf_token"
	DefaultHeaderName = "X-CSRF-Token"
)

// Failure reasons reported to metrics.
const (
	ReasonMissingCookie = "missing_cookie"
	ReasonMissingHeader = "missing_header"
	ReasonMismatch      = "mismatch"
	ReasonInvalid       = "invalid"
)

// FailureResponse is the 403 body for a rejected request.
type FailureResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MiddlewareConfig names the cookie and header.
type MiddlewareConfig struct {
	CookieName   string
	HeaderName   string
	SecureCookie bool
}

// Middleware enforces double-submit on state-changing requests.
type Middleware struct {
	service *Service
	cfg     MiddlewareConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMiddleware creates the middleware. Empty names fall back to the defaults.
func NewMiddleware(service *Service, cfg MiddlewareConfig, logger *slog.Logger, m *metrics.Metrics) *Middleware {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{service: service, cfg: cfg, logger: logger, metrics: m}
}

// Handler issues a token cookie on safe requests that lack a valid one, and
// requires cookie == header plus a valid signature on every other method.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			m.ensureToken(w, r)
			next.ServeHTTP(w, r)
			return
		}

		if reason, err := m.validate(r); err != nil {
			ctx := r.Context()
			m.metrics.IncrementCSRFFailure(reason)
			m.logger.WarnContext(ctx, "csrf validation failed",
				"reason", reason,
				"method", r.Method,
				"path", r.URL.Path,
				"ip", privacy.AnonymizeIP(metadata.ClientIP(r)),
				"request_id", requestcontext.RequestID(ctx),
			)
			httputil.WriteJSON(w, http.StatusForbidden, FailureResponse{
				Error:   "CSRF validation failed",
				Message: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) validate(r *http.Request) (string, error) {
	cookie, err := r.Cookie(m.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return ReasonMissingCookie, dErrors.New(dErrors.CodeInvalidToken, "csrf cookie missing")
	}
	header := r.Header.Get(m.cfg.HeaderName)
	if header == "" {
		return ReasonMissingHeader, dErrors.New(dErrors.CodeInvalidToken, "csrf header missing")
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return ReasonMismatch, dErrors.New(dErrors.CodeInvalidToken, "csrf cookie and header do not match")
	}
	if err := m.service.Verify(r.Context(), cookie.Value); err != nil {
		return ReasonInvalid, err
	}
	return "", nil
}

func (m *Middleware) ensureToken(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(m.cfg.CookieName); err == nil && m.service.Verify(r.Context(), c.Value) == nil {
		return
	}
	token, err := m.service.Issue(r.Context())
	if err != nil {
		m.logger.ErrorContext(r.Context(), "csrf token issue failed", "error", err)
		return
	}
	// Not HttpOnly: the client script must read it to echo it in the header.
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.service.TTL().Seconds()),
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(m.cfg.HeaderName, token)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
