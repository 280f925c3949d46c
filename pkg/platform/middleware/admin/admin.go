// Package admin marks requests that carry operator credentials.
//
// The engine never authenticates anyone itself: this middleware stands in for
// the external auth collaborator and only annotates the context. Services make
// the allow/deny decision from IsAdminRequest.
package admin

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"turnstile/pkg/platform/middleware/metadata"
	"turnstile/pkg/requestcontext"
)

const (
	HeaderAdminToken   = "X-Admin-Token"
	HeaderAdminActorID = "X-Admin-Actor-ID"
	HeaderAPIKey       = "X-API-Key"
)

type (
	contextKeyAdmin        struct{}
	contextKeyAdminActorID struct{}
)

// WithAdmin marks ctx as carrying an elevated role for actorID.
func WithAdmin(ctx context.Context, actorID string) context.Context {
	ctx = context.WithValue(ctx, contextKeyAdmin{}, true)
	return context.WithValue(ctx, contextKeyAdminActorID{}, actorID)
}

// IsAdminRequest reports whether the request presented a valid admin token.
func IsAdminRequest(ctx context.Context) bool {
	ok, _ := ctx.Value(contextKeyAdmin{}).(bool)
	return ok
}

// GetAdminActorID retrieves the admin actor identifier from the context.
// Returns empty string if not set or if this is not an admin request.
func GetAdminActorID(ctx context.Context) string {
	if actorID, ok := ctx.Value(contextKeyAdminActorID{}).(string); ok {
		return actorID
	}
	return ""
}

// IdentifyAdmin annotates the context when X-Admin-Token matches expectedToken.
// Requests without a valid token pass through unmarked. An empty expectedToken
// disables the admin role entirely.
func IdentifyAdmin(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			if token == "" || expectedToken == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.Header.Get(HeaderAdminActorID)
			if actorID == "" {
				actorID = "admin-token"
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(ctx, actorID)))
		})
	}
}

// OperatorBypass recognises the configured operator (health checker, load
// balancer probe) by source IP plus API key. The key is stored as a bcrypt hash.
type OperatorBypass struct {
	ip      string
	keyHash []byte
}

// NewOperatorBypass returns nil when either half of the pair is not configured.
func NewOperatorBypass(ip, apiKeyHash string) *OperatorBypass {
	if ip == "" || apiKeyHash == "" {
		return nil
	}
	return &OperatorBypass{ip: ip, keyHash: []byte(apiKeyHash)}
}

// Matches reports whether r comes from the operator IP and carries the operator key.
func (b *OperatorBypass) Matches(r *http.Request) bool {
	if b == nil {
		return false
	}
	key := r.Header.Get(HeaderAPIKey)
	if key == "" {
		return false
	}
	ip := requestcontext.ClientIP(r.Context())
	if ip == "" {
		ip = metadata.ClientIP(r)
	}
	if ip != b.ip {
		return false
	}
	return bcrypt.CompareHashAndPassword(b.keyHash, []byte(key)) == nil
}
