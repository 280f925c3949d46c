// Package tracer provides a lightweight tracing abstraction for the limiter engine.
//
// The engine emits one span per unit of work and one child span per limiter
// check without importing OpenTelemetry directly.
//
// Implementations:
//   - NoopTracer: for tests
//   - OTelTracer: OpenTelemetry adapter for production
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording err when non-nil.
	// End must be called exactly once, typically via defer.
	End(err error)

	SetAttributes(attrs ...Attribute)

	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a new span with the given name and attributes.
	// The returned context carries the span for child operations.
	//
	// Example:
	//   ctx, span := tr.Start(ctx, tracer.SpanCheck,
	//       tracer.String(tracer.AttrScope, "http-ip"),
	//   )
	//   defer span.End(nil)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

func Float64(key string, value float64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names used by the engine.
const (
	SpanEvaluate = "ratelimit.evaluate"
	SpanCheck    = "ratelimit.check"
)

// Attribute keys used by the engine.
const (
	AttrScope     = "ratelimit.scope"
	AttrCost      = "ratelimit.cost"
	AttrAllowed   = "ratelimit.allowed"
	AttrRemaining = "ratelimit.remaining"
	AttrFailMode  = "ratelimit.fail_mode"
	AttrDegraded  = "ratelimit.degraded"
	AttrChecks    = "ratelimit.checks"
	AttrIPPolicy  = "ratelimit.ip_policy"
)

// Event names used by the engine.
const (
	EventStoreUnavailable = "store.unavailable"
)
