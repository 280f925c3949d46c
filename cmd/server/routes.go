package main

import (
	"log/slog"
	"net/http"
	stdhttputil "net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gqlgateway "turnstile/internal/gateway/graphql"
	"turnstile/internal/platform/config"
	adminmw "turnstile/pkg/platform/middleware/admin"
	"turnstile/pkg/platform/middleware/metadata"
	request "turnstile/pkg/platform/middleware/request"
	"turnstile/pkg/platform/middleware/requesttime"
)

func (a *app) router(cfg *config.Config, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(metadata.Handler)
	r.Use(requesttime.Middleware)
	r.Use(request.Logger(log))
	r.Use(request.LatencyMiddleware(a.reqMetrics))

	a.health.Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(adminmw.IdentifyAdmin(cfg.Admin.Token, log))
		r.Use(a.rateLimit.RateLimit)
		a.admin.RegisterAdmin(r)
	})

	upstream := upstreamHandler(cfg.Server.UpstreamURL, log)

	identity := gqlgateway.ClientIPIdentity
	if header := cfg.RateLimit.IdentityHeader; header != "" {
		identity = func(r *http.Request) string {
			if id := r.Header.Get(header); id != "" {
				return id
			}
			return gqlgateway.ClientIPIdentity(r)
		}
	}
	r.With(a.csrf.Handler).Handle("/graphql", a.graphql.Handler(identity, upstream))

	if cfg.Server.UpstreamWSURL != "" {
		r.Handle("/ws", a.websocket.RelayHandler(cfg.Server.UpstreamWSURL, nil))
	}

	r.With(a.rateLimit.RateLimit, a.csrf.Handler).Handle("/*", upstream)

	return r
}

// upstreamHandler proxies admitted traffic to the protected service, or
// answers 404 when none is configured.
func upstreamHandler(raw string, log *slog.Logger) http.Handler {
	if raw == "" {
		return http.NotFoundHandler()
	}
	target, err := url.Parse(raw)
	if err != nil {
		// Server.UpstreamURL is validated as a URL at load time.
		log.Error("invalid upstream url", "url", raw, "error", err)
		return http.NotFoundHandler()
	}
	proxy := stdhttputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WarnContext(r.Context(), "upstream request failed", "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}
