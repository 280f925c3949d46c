// Package csrf issues and verifies stateless double-submit CSRF tokens.
//
// A token is "<ts>.<nonce>.<sig>": ts is the issue time in Unix milliseconds,
// nonce is 16 random bytes in hex and sig is the hex HMAC-SHA256 of
// "<ts>.<nonce>" under the shared secret. No server-side state is kept: any
// instance holding the secret can verify any token.
package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	dErrors "turnstile/pkg/domain-errors"
	"turnstile/pkg/requestcontext"
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour
	// MinSecretLength is the shortest accepted signing secret in bytes.
	MinSecretLength = 32

	nonceSize = 16
)

// Service signs and verifies tokens with one secret.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func(ctx context.Context) time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the token validity.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock fixes the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = func(context.Context) time.Time { return now() }
		}
	}
}

// New creates a Service. The secret must be at least MinSecretLength bytes.
func New(secret string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("csrf secret must be at least 32 bytes")
	}
	s := &Service{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    requestcontext.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the token validity.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue returns a fresh token stamped with the current time.
func (s *Service) Issue(ctx context.Context) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "could not generate csrf nonce")
	}
	payload := strconv.FormatInt(s.now(ctx).UnixMilli(), 10) + "." + hex.EncodeToString(nonce)
	return payload + "." + s.sign(payload), nil
}

// Verify returns nil for a well-formed token signed with this service's
// secret and no older than the TTL, and an InvalidToken error otherwise.
func (s *Service) Verify(ctx context.Context, token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return dErrors.New(dErrors.CodeInvalidToken, "malformed csrf token")
	}
	issuedMs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return dErrors.New(dErrors.CodeInvalidToken, "malformed csrf token")
	}
	if len(parts[1]) != hex.EncodedLen(nonceSize) {
		return dErrors.New(dErrors.CodeInvalidToken, "malformed csrf token")
	}

	// The signature is compared in its hex form so that a case change in any
	// segment invalidates the token.
	expected := s.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return dErrors.New(dErrors.CodeInvalidToken, "csrf token signature mismatch")
	}

	if s.now(ctx).Sub(time.UnixMilli(issuedMs)) > s.ttl {
		return dErrors.New(dErrors.CodeInvalidToken, "csrf token expired")
	}
	return nil
}

// sign returns the lowercase hex HMAC-SHA256 of payload.
func (s *Service) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
