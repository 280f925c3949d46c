// Package websocket puts the limiter engine in front of WebSocket traffic:
// connection attempts are checked before the upgrade and every inbound
// message is checked as it is read.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"turnstile/internal/ratelimit/engine"
	"turnstile/internal/ratelimit/middleware"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/resolver"
	"turnstile/pkg/platform/privacy"
)

// ErrConnectRejected is returned by Upgrade when the connect check denied the
// attempt. The HTTP response has already been written.
var ErrConnectRejected = errors.New("websocket connect rejected")

// DefaultMaxMessageBytes is the inbound message cap when none is configured.
const DefaultMaxMessageBytes = 1 << 20

// Rejection reasons carried by MessageRejectedError.
const (
	ReasonRateLimited = "rate_limited"
	ReasonBlocked     = "blocked"
	ReasonUnavailable = "unavailable"
)

// MessageRejectedError reports a message the limiter refused. The connection
// stays open; the caller decides whether to notify the peer or keep reading.
type MessageRejectedError struct {
	Reason     string
	Scope      models.Scope
	RetryAfter int
}

func (e *MessageRejectedError) Error() string {
	if e.Reason == ReasonRateLimited {
		return fmt.Sprintf("message rejected: %s exceeded, retry after %ds", e.Scope, e.RetryAfter)
	}
	return "message rejected: " + e.Reason
}

type Gateway struct {
	engine    middleware.Evaluator
	resolver  resolver.WebSocket
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	newID     func() string
	readLimit int64
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithCheckOrigin replaces the same-origin check performed by the upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = fn
	}
}

func WithBufferSizes(read, write int) Option {
	return func(g *Gateway) {
		g.upgrader.ReadBufferSize = read
		g.upgrader.WriteBufferSize = write
	}
}

// WithMaxMessageBytes caps the size of an inbound message. A larger frame
// fails the read and closes the connection with CloseMessageTooBig.
func WithMaxMessageBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.readLimit = n
		}
	}
}

// WithConnectionIDs replaces the connection ID generator.
func WithConnectionIDs(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

func New(e middleware.Evaluator, res resolver.WebSocket, opts ...Option) *Gateway {
	g := &Gateway{
		engine:    e,
		resolver:  res,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		readLimit: DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Upgrade checks the connect limiter and, when admitted, upgrades the
// connection. A rejected attempt gets a plain HTTP error response and
// ErrConnectRejected.
func (g *Gateway) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ctx := r.Context()
	checks := g.resolver.Connect(r)
	ip := checks[0].Identity

	dec, err := g.engine.Evaluate(ctx, engine.Unit{
		IP:        ip,
		UserAgent: r.UserAgent(),
		Metadata:  map[string]string{"path": r.URL.Path},
		Checks:    checks,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "websocket connect evaluation failed",
			"error", err,
			"ip_prefix", privacy.AnonymizeIP(ip),
		)
		if checks[0].FailMode != models.FailOpen {
			middleware.WriteUnavailable(w)
			return nil, ErrConnectRejected
		}
		dec = &engine.Decision{Allowed: true, Degraded: true}
	}
	if !middleware.WriteDecision(w, dec) {
		return nil, ErrConnectRejected
	}

	ws, err := g.upgrader.Upgrade(w, r, rateLimitHeaders(w.Header()))
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	ws.SetReadLimit(g.readLimit)

	return &Conn{
		ws:      ws,
		id:      g.newID(),
		ip:      ip,
		ctx:     context.WithoutCancel(ctx),
		gateway: g,
	}, nil
}

// rateLimitHeaders carries the X-RateLimit-* values set by WriteDecision
// onto the 101 response, which the upgrader writes itself.
func rateLimitHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range []string{middleware.HeaderLimit, middleware.HeaderRemaining, middleware.HeaderReset} {
		if v := h.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

// Conn is an admitted WebSocket connection whose inbound messages are metered.
// One goroutine may read while others write.
type Conn struct {
	ws      *websocket.Conn
	id      string
	ip      string
	ctx     context.Context
	gateway *Gateway
	writeMu sync.Mutex
}

// ID is the per-connection identity used for the message limiter.
func (c *Conn) ID() string {
	return c.id
}

// IP is the client address the connection was admitted for.
func (c *Conn) IP() string {
	return c.ip
}

// ReadMessage reads the next message and runs it through the message limiter.
// A denied message is returned alongside a *MessageRejectedError and must be
// dropped by the caller; the connection remains usable. Transport errors are
// returned unchanged.
func (c *Conn) ReadMessage() (int, []byte, error) {
	messageType, payload, err := c.ws.ReadMessage()
	if err != nil {
		return messageType, nil, err
	}

	g := c.gateway
	dec, err := g.engine.Evaluate(c.ctx, engine.Unit{
		IP:       c.ip,
		Metadata: map[string]string{"connection_id": c.id},
		Checks:   g.resolver.Message(c.id, len(payload)),
	})
	if err != nil {
		g.logger.WarnContext(c.ctx, "websocket message evaluation failed",
			"error", err,
			"connection_id", c.id,
		)
		return messageType, nil, &MessageRejectedError{Reason: ReasonUnavailable, Scope: models.ScopeWSMessage}
	}

	switch {
	case dec.Blocked:
		return messageType, nil, &MessageRejectedError{Reason: ReasonBlocked, Scope: models.ScopeWSMessage}
	case dec.Unavailable:
		return messageType, nil, &MessageRejectedError{Reason: ReasonUnavailable, Scope: models.ScopeWSMessage, RetryAfter: 1}
	case dec.Denied != nil:
		return messageType, nil, &MessageRejectedError{
			Reason:     ReasonRateLimited,
			Scope:      dec.Denied.Scope,
			RetryAfter: dec.Denied.RetryAfter,
		}
	}
	return messageType, payload, nil
}

// WriteMessage writes a message to the peer.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// WriteRejection tells the peer a message was dropped.
func (c *Conn) WriteRejection(rej *MessageRejectedError) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(map[string]any{
		"error":       rej.Reason,
		"scope":       rej.Scope,
		"retry_after": rej.RetryAfter,
	})
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
