package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"turnstile/internal/ratelimit/metrics"
	dErrors "turnstile/pkg/domain-errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// =============================================================================
// Token Service Test Suite
// =============================================================================
// Justification: Tokens are the only thing standing between a cross-site form
// and a state-changing endpoint. Forgery, tampering and expiry must all fail.

type ServiceSuite struct {
	suite.Suite
	now     time.Time
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var err error
	s.service, err = New(testSecret, WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *ServiceSuite) issue() string {
	token, err := s.service.Issue(s.ctx)
	s.Require().NoError(err)
	return token
}

func (s *ServiceSuite) TestRoundTrip() {
	token := s.issue()
	s.NoError(s.service.Verify(s.ctx, token))
	s.NotEqual(token, s.issue(), "tokens carry a random nonce")
}

func (s *ServiceSuite) TestFormat() {
	parts := strings.Split(s.issue(), ".")
	s.Require().Len(parts, 3)
	s.Equal(strconv.FormatInt(s.now.UnixMilli(), 10), parts[0])
	s.Regexp(`^[0-9a-f]{32}$`, parts[1])
	s.Regexp(`^[0-9a-f]{64}$`, parts[2])
}

func (s *ServiceSuite) TestVerifiesTokensFromOtherIssuers() {
	// Built by hand the way any instance sharing the secret would.
	ts := strconv.FormatInt(s.now.Add(-time.Hour).UnixMilli(), 10)
	nonce := hex.EncodeToString([]byte("0123456789abcdef"))
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + "." + nonce))
	token := ts + "." + nonce + "." + hex.EncodeToString(mac.Sum(nil))

	s.NoError(s.service.Verify(s.ctx, token))
}

func (s *ServiceSuite) TestRejections() {
	s.Run("a mutation in any segment is rejected", func() {
		token := s.issue()
		parts := strings.Split(token, ".")
		for seg := range parts {
			for i := range len(parts[seg]) {
				mutated := append([]string(nil), parts...)
				b := []byte(mutated[seg])
				if b[i] == '1' {
					b[i] = '2'
				} else {
					b[i] = '1'
				}
				mutated[seg] = string(b)
				err := s.service.Verify(s.ctx, strings.Join(mutated, "."))
				s.True(dErrors.HasCode(err, dErrors.CodeInvalidToken), "segment %d position %d", seg, i)
			}
		}
	})

	s.Run("upper-cased signature is rejected", func() {
		token := s.issue()
		i := strings.LastIndex(token, ".")
		s.True(dErrors.HasCode(s.service.Verify(s.ctx, token[:i]+strings.ToUpper(token[i:])), dErrors.CodeInvalidToken))
	})

	s.Run("valid at exactly the ttl, expired just after", func() {
		issued := s.now
		token := s.issue()
		s.now = issued.Add(DefaultTTL)
		s.NoError(s.service.Verify(s.ctx, token))
		s.now = issued.Add(DefaultTTL + time.Millisecond)
		s.True(dErrors.HasCode(s.service.Verify(s.ctx, token), dErrors.CodeInvalidToken))
	})

	s.Run("signed with another secret", func() {
		other, err := New(strings.Repeat("z", 32))
		s.Require().NoError(err)
		token, err := other.Issue(s.ctx)
		s.Require().NoError(err)
		s.True(dErrors.HasCode(s.service.Verify(s.ctx, token), dErrors.CodeInvalidToken))
	})

	s.Run("malformed", func() {
		valid := strings.Split(s.issue(), ".")
		for _, token := range []string{
			"", ".", "..", "abc", "a.b", "YWJj.YWJj",
			valid[0] + "." + valid[1],
			valid[0] + "." + valid[1] + "." + valid[2] + ".extra",
			"x" + valid[0] + "." + valid[1] + "." + valid[2],
			valid[0] + "." + valid[1] + "00." + valid[2],
		} {
			s.True(dErrors.HasCode(s.service.Verify(s.ctx, token), dErrors.CodeInvalidToken), token)
		}
	})
}

func (s *ServiceSuite) TestNew() {
	_, err := New("short")
	s.Error(err)

	svc, err := New(testSecret, WithTTL(time.Hour))
	s.Require().NoError(err)
	s.Equal(time.Hour, svc.TTL())
}

// =============================================================================
// Middleware Test Suite
// =============================================================================

type MiddlewareSuite struct {
	suite.Suite
	service *Service
	metrics *metrics.Metrics
	handler http.Handler
	calls   int
}

func TestMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(MiddlewareSuite))
}

func (s *MiddlewareSuite) SetupTest() {
	var err error
	s.service, err = New(testSecret)
	s.Require().NoError(err)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.calls = 0
	mw := NewMiddleware(s.service, MiddlewareConfig{}, nil, s.metrics)
	s.handler = mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.calls++
		w.WriteHeader(http.StatusNoContent)
	}))
}

func (s *MiddlewareSuite) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	return rec
}

func (s *MiddlewareSuite) token() string {
	token, err := s.service.Issue(context.Background())
	s.Require().NoError(err)
	return token
}

func (s *MiddlewareSuite) assertRejected(rec *httptest.ResponseRecorder, reason string) {
	s.Equal(http.StatusForbidden, rec.Code)
	var body FailureResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("CSRF validation failed", body.Error)
	s.NotEmpty(body.Message)
	s.InDelta(1, testutil.ToFloat64(s.metrics.CSRFFailures.WithLabelValues(reason)), 0)
	s.Equal(0, s.calls)
}

func (s *MiddlewareSuite) TestSafeMethods() {
	s.Run("issues a cookie when absent", func() {
		rec := s.serve(httptest.NewRequest(http.MethodGet, "/", nil))
		s.Equal(http.StatusNoContent, rec.Code)

		cookies := rec.Result().Cookies()
		s.Require().Len(cookies, 1)
		c := cookies[0]
		s.Equal(DefaultCookieName, c.Name)
		s.Equal(http.SameSiteStrictMode, c.SameSite)
		s.False(c.HttpOnly)
		s.Equal(c.Value, rec.Header().Get(DefaultHeaderName))
		s.NoError(s.service.Verify(context.Background(), c.Value))
	})

	s.Run("keeps a valid cookie", func() {
		r := httptest.NewRequest(http.MethodHead, "/", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: s.token()})
		rec := s.serve(r)
		s.Empty(rec.Result().Cookies())
	})
}

func (s *MiddlewareSuite) TestUnsafeMethods() {
	s.Run("matching cookie and header pass", func() {
		token := s.token()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
		r.Header.Set(DefaultHeaderName, token)
		rec := s.serve(r)
		s.Equal(http.StatusNoContent, rec.Code)
		s.Equal(1, s.calls)
	})

	s.Run("missing cookie", func() {
		s.SetupTest()
		r := httptest.NewRequest(http.MethodPut, "/", nil)
		r.Header.Set(DefaultHeaderName, s.token())
		s.assertRejected(s.serve(r), ReasonMissingCookie)
	})

	s.Run("missing header", func() {
		s.SetupTest()
		r := httptest.NewRequest(http.MethodDelete, "/", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: s.token()})
		s.assertRejected(s.serve(r), ReasonMissingHeader)
	})

	s.Run("double-submit mismatch", func() {
		s.SetupTest()
		r := httptest.NewRequest(http.MethodPatch, "/", nil)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: s.token()})
		r.Header.Set(DefaultHeaderName, s.token())
		s.assertRejected(s.serve(r), ReasonMismatch)
	})

	s.Run("matching but forged", func() {
		s.SetupTest()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		forged := "1774990800000.30313233343536373839616263646566." + strings.Repeat("0", 64)
		r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: forged})
		r.Header.Set(DefaultHeaderName, forged)
		s.assertRejected(s.serve(r), ReasonInvalid)
	})
}
