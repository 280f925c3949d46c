// Package observability provides audit logging helpers for the ratelimit module.
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"turnstile/internal/platform/kafka/producer"
	"turnstile/pkg/requestcontext"
)

// AuditEvent is the record emitted for every admin or automated policy change.
type AuditEvent struct {
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditPublisher emits audit events for security-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// LogAudit is a shared helper for logging audit events across ratelimit services.
// It logs to both the structured logger and the audit publisher if available.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event string, attrList ...any) {
	requestID := requestcontext.RequestID(ctx)

	if requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	args := append(attrList, "event", event, "log_type", "audit")

	if logger != nil {
		logger.InfoContext(ctx, event, args...)
	}

	if publisher == nil {
		return
	}

	subject := extractString(attrList, "ip")
	if subject == "" {
		subject = extractString(attrList, "identity")
	}

	if err := publisher.Emit(ctx, AuditEvent{
		Action:    event,
		Subject:   subject,
		Actor:     extractString(attrList, "actor"),
		Reason:    extractString(attrList, "reason"),
		RequestID: requestID,
		Timestamp: requestcontext.Now(ctx),
	}); err != nil && logger != nil {
		logger.WarnContext(ctx, "failed to emit audit event", "event", event, "error", err)
	}
}

// extractString finds key in a slog-style key/value list.
func extractString(attrList []any, key string) string {
	for i := 0; i+1 < len(attrList); i += 2 {
		k, ok := attrList[i].(string)
		if !ok || k != key {
			continue
		}
		switch v := attrList[i+1].(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

// MessagePublisher is the subset of the Kafka producer used for audit fan-out.
type MessagePublisher interface {
	Publish(msg *producer.Message) error
}

// KafkaAuditPublisher writes audit events as JSON records keyed by subject.
type KafkaAuditPublisher struct {
	producer MessagePublisher
	topic    string
}

// NewKafkaAuditPublisher creates an audit publisher for topic.
func NewKafkaAuditPublisher(p MessagePublisher, topic string) *KafkaAuditPublisher {
	return &KafkaAuditPublisher{producer: p, topic: topic}
}

func (p *KafkaAuditPublisher) Emit(_ context.Context, event AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return p.producer.Publish(&producer.Message{
		Topic:   p.topic,
		Key:     []byte(event.Subject),
		Value:   value,
		Headers: map[string]string{"action": event.Action},
	})
}
