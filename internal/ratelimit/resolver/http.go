// Package resolver maps a unit of work on each traffic surface to the ordered
// list of (scope, identity) checks the engine runs.
package resolver

import (
	"net/http"

	"turnstile/internal/ratelimit/models"
	"turnstile/pkg/platform/middleware/metadata"
)

// HTTP resolves plain HTTP requests to a single per-IP check.
type HTTP struct{}

// Scopes lists every scope this resolver can emit.
func (HTTP) Scopes() []models.Scope {
	return []models.Scope{models.ScopeHTTPIP}
}

// Resolve returns the checks for r. Safe methods fail open.
func (HTTP) Resolve(r *http.Request) []models.Check {
	return []models.Check{{
		Scope:    models.ScopeHTTPIP,
		Identity: metadata.ClientIP(r),
		Cost:     1,
		FailMode: models.FailModeForMethod(r.Method),
	}}
}
