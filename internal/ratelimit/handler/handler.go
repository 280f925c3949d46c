package handler

//go:generate mockgen -source=handler.go -destination=mocks/handler_mock.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"turnstile/internal/ratelimit/models"
	"turnstile/pkg/platform/httputil"
	"turnstile/pkg/requestcontext"
)

type Service interface {
	ApplyIPPolicy(ctx context.Context, req *models.IPPolicyRequest) (*models.IPPolicyResponse, error)
	ListIPPolicies(ctx context.Context) (*models.IPPolicyListResponse, error)
	Events(ctx context.Context, filter, timeRange string) (*models.EventsResponse, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/rate-limit/events", h.HandleEvents)
	r.Post("/admin/rate-limit/ip-policy", h.HandleApplyIPPolicy)
	r.Get("/admin/rate-limit/ip-policy", h.HandleListIPPolicies)
}

// HandleEvents implements GET /admin/rate-limit/events.
// Query: filter=all|suspicious|<scope substring>, timeRange=1h|24h|7d
// Output: { "events": [...], "stats": {...}, "limiterStats": [...] }
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	q := r.URL.Query()
	filter := q.Get("filter")
	timeRange := q.Get("timeRange")

	resp, err := h.service.Events(ctx, filter, timeRange)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read rate limit events",
			"error", err,
			"filter", filter,
			"time_range", timeRange,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleApplyIPPolicy implements POST /admin/rate-limit/ip-policy.
// Input: { "ip": "203.0.113.9", "action": "block", "reason": "...", "expiresAt": "..." }
func (h *Handler) HandleApplyIPPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.IPPolicyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	resp, err := h.service.ApplyIPPolicy(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to apply ip policy",
			"error", err,
			"action", req.Action,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleListIPPolicies implements GET /admin/rate-limit/ip-policy.
func (h *Handler) HandleListIPPolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	resp, err := h.service.ListIPPolicies(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list ip policies",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
