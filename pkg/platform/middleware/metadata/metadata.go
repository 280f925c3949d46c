package metadata

import (
	"net/http"
	"net/netip"
	"strings"

	"turnstile/pkg/requestcontext"
)

// MaxForwardedHeaderLength bounds X-Forwarded-For / X-Real-IP values that are
// considered at all; longer values are ignored as header injection attempts.
const MaxForwardedHeaderLength = 500

// UnknownIP is the sentinel identity used when no forwarding header yields an address.
const UnknownIP = "unknown"

// Handler extracts client IP address and User-Agent from the request
// and adds them to the context for use by limiters and handlers.
func Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIP(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP resolves the caller address: the first X-Forwarded-For entry, then
// X-Real-IP, then UnknownIP. Entries that do not parse as an IP are skipped.
// The service is expected to sit behind a proxy that overwrites these headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && len(xff) <= MaxForwardedHeaderLength {
		first, _, _ := strings.Cut(xff, ",")
		if ip, ok := parseIP(first); ok {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && len(xri) <= MaxForwardedHeaderLength {
		if ip, ok := parseIP(xri); ok {
			return ip
		}
	}
	return UnknownIP
}

func parseIP(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
