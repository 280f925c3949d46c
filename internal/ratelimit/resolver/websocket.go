package resolver

import (
	"net/http"

	"turnstile/internal/ratelimit/models"
	"turnstile/pkg/platform/middleware/metadata"
)

// DefaultMessageUnitBytes is the payload size that costs one message.
const DefaultMessageUnitBytes = 4096

// WebSocket resolves connection attempts (per IP) and inbound messages
// (per connection, weighted by size).
type WebSocket struct {
	unitBytes int
}

// NewWebSocket creates a resolver where every unitBytes of payload costs one
// unit (DefaultMessageUnitBytes when unitBytes <= 0).
func NewWebSocket(unitBytes int) WebSocket {
	if unitBytes <= 0 {
		unitBytes = DefaultMessageUnitBytes
	}
	return WebSocket{unitBytes: unitBytes}
}

// Scopes lists every scope this resolver can emit.
func (WebSocket) Scopes() []models.Scope {
	return []models.Scope{models.ScopeWSConnect, models.ScopeWSMessage}
}

// Connect returns the checks for an upgrade request. Connects fail open.
func (WebSocket) Connect(r *http.Request) []models.Check {
	return []models.Check{{
		Scope:    models.ScopeWSConnect,
		Identity: metadata.ClientIP(r),
		Cost:     1,
		FailMode: models.FailOpen,
	}}
}

// Message returns the checks for one inbound message. Messages fail closed.
func (w WebSocket) Message(connectionID string, size int) []models.Check {
	return []models.Check{{
		Scope:    models.ScopeWSMessage,
		Identity: connectionID,
		Cost:     w.Cost(size),
		FailMode: models.FailClosed,
	}}
}

// Cost returns ceil(size/unit), never less than one.
func (w WebSocket) Cost(size int) int64 {
	unit := w.unitBytes
	if unit <= 0 {
		unit = DefaultMessageUnitBytes
	}
	if size <= 0 {
		return 1
	}
	return int64((size + unit - 1) / unit)
}
