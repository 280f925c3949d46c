package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"turnstile/internal/ratelimit/engine"
	"turnstile/internal/ratelimit/limiter"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/resolver"
	"turnstile/internal/ratelimit/store/counter"
	"turnstile/internal/ratelimit/store/eventlog"
	"turnstile/internal/ratelimit/store/ippolicy"
)

// erroringEvaluator fails every evaluation with a non-store error.
type erroringEvaluator struct{}

func (erroringEvaluator) Evaluate(context.Context, engine.Unit) (*engine.Decision, error) {
	return nil, errors.New("engine exploded")
}

// =============================================================================
// WebSocket Gateway Test Suite
// =============================================================================
// Justification: The gateway is where connection and message limits meet a
// real socket. Tests dial a live httptest server with the gorilla client and
// verify rejections happen before the upgrade for connects and without
// closing the socket for messages.

type GatewaySuite struct {
	suite.Suite
	now     time.Time
	ipStore *ippolicy.Store
	events  *eventlog.InMemoryStore
	engine  *engine.Engine
	server  *httptest.Server
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) clock() time.Time { return s.now }

func (s *GatewaySuite) SetupTest() {
	s.now = time.UnixMilli(1_700_000_040_000)

	counters := counter.NewInMemoryStore(counter.WithClock(s.clock))
	lim, err := limiter.New(counters, limiter.WithClock(s.clock))
	s.Require().NoError(err)

	policies, err := models.NewPolicySet(
		models.Policy{Scope: models.ScopeWSConnect, Window: time.Minute, MaxRequests: 2},
		models.Policy{Scope: models.ScopeWSMessage, Window: time.Minute, MaxRequests: 3},
	)
	s.Require().NoError(err)

	s.ipStore, err = ippolicy.New(ippolicy.NewInMemoryBackend(),
		ippolicy.WithCacheTTL(0),
		ippolicy.WithClock(s.clock),
	)
	s.Require().NoError(err)
	s.events = eventlog.NewInMemoryStore(0)

	res := resolver.NewWebSocket(1024)
	eng, err := engine.New(lim, policies, s.ipStore, s.events,
		engine.WithClock(s.clock),
		engine.WithResolvers(res),
	)
	s.Require().NoError(err)

	s.engine = eng
	s.server = httptest.NewServer(s.echoHandler(New(eng, res, WithLogger(discard()))))
}

func (s *GatewaySuite) TearDownTest() {
	s.server.Close()
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHandler echoes admitted messages and answers rejected ones with a
// rejection frame.
func (s *GatewaySuite) echoHandler(g *Gateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			var rej *MessageRejectedError
			if errors.As(err, &rej) {
				if conn.WriteRejection(rej) != nil {
					return
				}
				continue
			}
			if err != nil {
				return
			}
			if conn.WriteMessage(mt, payload) != nil {
				return
			}
		}
	})
}

func (s *GatewaySuite) dial(server *httptest.Server, ip string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return websocket.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": {ip}})
}

func (s *GatewaySuite) TestConnectLimit() {
	for i := 0; i < 2; i++ {
		conn, resp, err := s.dial(s.server, "203.0.113.5")
		s.Require().NoError(err)
		s.Equal(http.StatusSwitchingProtocols, resp.StatusCode)
		s.NotEmpty(resp.Header.Get("X-RateLimit-Limit"))
		conn.Close()
	}

	_, resp, err := s.dial(s.server, "203.0.113.5")
	s.Require().ErrorIs(err, websocket.ErrBadHandshake)
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.NotEmpty(resp.Header.Get("Retry-After"))

	s.Run("other ips are unaffected", func() {
		conn, _, err := s.dial(s.server, "203.0.113.6")
		s.Require().NoError(err)
		conn.Close()
	})
}

func (s *GatewaySuite) TestBlockedIPRejectedBeforeUpgrade() {
	_, err := s.ipStore.Block(context.Background(), "198.51.100.1", "abuse", "ops", nil)
	s.Require().NoError(err)

	_, resp, err := s.dial(s.server, "198.51.100.1")
	s.Require().ErrorIs(err, websocket.ErrBadHandshake)
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

func (s *GatewaySuite) TestMessageLimitKeepsConnectionOpen() {
	conn, _, err := s.dial(s.server, "203.0.113.7")
	s.Require().NoError(err)
	defer conn.Close()

	// 2000 bytes costs two units at 1024 bytes per unit.
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("a", 2000))))
	_, echoed, err := conn.ReadMessage()
	s.Require().NoError(err)
	s.Len(echoed, 2000)

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, echoed, err = conn.ReadMessage()
	s.Require().NoError(err)
	s.Equal("hi", string(echoed))

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("over")))
	var rejection map[string]any
	s.Require().NoError(conn.ReadJSON(&rejection))
	s.Equal(ReasonRateLimited, rejection["error"])
	s.Equal(string(models.ScopeWSMessage), rejection["scope"])

	s.Run("socket still open after rejection", func() {
		s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("again")))
		s.Require().NoError(conn.ReadJSON(&rejection))
		s.Equal(ReasonRateLimited, rejection["error"])
	})
}

func (s *GatewaySuite) TestOversizedMessageClosesConnection() {
	gw := New(s.engine, resolver.NewWebSocket(1024), WithLogger(discard()), WithMaxMessageBytes(64))
	server := httptest.NewServer(s.echoHandler(gw))
	defer server.Close()

	conn, _, err := s.dial(server, "203.0.113.10")
	s.Require().NoError(err)
	defer conn.Close()

	s.Run("message at the limit is admitted", func() {
		s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("a", 64))))
		_, echoed, err := conn.ReadMessage()
		s.Require().NoError(err)
		s.Len(echoed, 64)
	})

	s.Run("larger message fails the read", func() {
		s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("a", 65))))
		_, _, err := conn.ReadMessage()
		s.True(websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	})
}

func (s *GatewaySuite) TestEngineErrorFailsOpenForConnect() {
	server := httptest.NewServer(s.echoHandler(New(erroringEvaluator{}, resolver.NewWebSocket(0), WithLogger(discard()))))
	defer server.Close()

	conn, _, err := s.dial(server, "203.0.113.8")
	s.Require().NoError(err, "connect fails open")
	defer conn.Close()

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	var rejection map[string]any
	s.Require().NoError(conn.ReadJSON(&rejection))
	s.Equal(ReasonUnavailable, rejection["error"], "messages fail closed")
}

func TestMessageRejectedError(t *testing.T) {
	err := &MessageRejectedError{Reason: ReasonRateLimited, Scope: models.ScopeWSMessage, RetryAfter: 7}
	if !strings.Contains(err.Error(), "retry after 7s") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	blocked := &MessageRejectedError{Reason: ReasonBlocked}
	if blocked.Error() != "message rejected: blocked" {
		t.Fatalf("unexpected message %q", blocked.Error())
	}
}

func (s *GatewaySuite) TestRelayForwardsAdmittedMessages() {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if conn.WriteMessage(mt, append([]byte("upstream:"), payload...)) != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	counters := counter.NewInMemoryStore(counter.WithClock(s.clock))
	lim, err := limiter.New(counters, limiter.WithClock(s.clock))
	s.Require().NoError(err)
	policies, err := models.NewPolicySet(
		models.Policy{Scope: models.ScopeWSConnect, Window: time.Minute, MaxRequests: 5},
		models.Policy{Scope: models.ScopeWSMessage, Window: time.Minute, MaxRequests: 1},
	)
	s.Require().NoError(err)
	eng, err := engine.New(lim, policies, s.ipStore, s.events, engine.WithClock(s.clock))
	s.Require().NoError(err)

	gw := New(eng, resolver.NewWebSocket(0), WithLogger(discard()))
	relayServer := httptest.NewServer(gw.RelayHandler("ws"+strings.TrimPrefix(upstream.URL, "http"), nil))
	defer relayServer.Close()

	conn, _, err := s.dial(relayServer, "203.0.113.9")
	s.Require().NoError(err)
	defer conn.Close()

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("one")))
	_, reply, err := conn.ReadMessage()
	s.Require().NoError(err)
	s.Equal("upstream:one", string(reply))

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte("two")))
	var rejection map[string]any
	s.Require().NoError(conn.ReadJSON(&rejection))
	s.Equal(ReasonRateLimited, rejection["error"])
}
