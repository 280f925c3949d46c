package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnstile/internal/platform/kafka/producer"
	"turnstile/pkg/requestcontext"
)

type recordingPublisher struct {
	events []AuditEvent
	err    error
}

func (p *recordingPublisher) Emit(_ context.Context, event AuditEvent) error {
	p.events = append(p.events, event)
	return p.err
}

type recordingProducer struct {
	messages []*producer.Message
}

func (p *recordingProducer) Publish(msg *producer.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func TestLogAudit(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	ctx = requestcontext.WithTime(ctx, now)

	t.Run("logs with audit attributes and emits", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		pub := &recordingPublisher{}

		LogAudit(ctx, logger, pub, "ip_blocked", "ip", "203.0.113.0", "actor", "ops", "reason", "abuse")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "audit", line["log_type"])
		assert.Equal(t, "ip_blocked", line["event"])
		assert.Equal(t, "req-1", line["request_id"])

		require.Len(t, pub.events, 1)
		assert.Equal(t, AuditEvent{
			Action:    "ip_blocked",
			Subject:   "203.0.113.0",
			Actor:     "ops",
			Reason:    "abuse",
			RequestID: "req-1",
			Timestamp: now,
		}, pub.events[0])
	})

	t.Run("identity is the subject when no ip", func(t *testing.T) {
		pub := &recordingPublisher{}
		LogAudit(ctx, nil, pub, "suspicious", "identity", "user-9")
		require.Len(t, pub.events, 1)
		assert.Equal(t, "user-9", pub.events[0].Subject)
	})

	t.Run("publisher failure is logged not returned", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		LogAudit(ctx, logger, &recordingPublisher{err: errors.New("down")}, "ip_unblocked", "ip", "1.2.3.0")
		assert.Contains(t, buf.String(), "failed to emit audit event")
	})
}

func TestKafkaAuditPublisher(t *testing.T) {
	p := &recordingProducer{}
	pub := NewKafkaAuditPublisher(p, "turnstile.audit")

	require.NoError(t, pub.Emit(context.Background(), AuditEvent{Action: "ip_blocked", Subject: "1.2.3.4"}))
	require.Len(t, p.messages, 1)
	msg := p.messages[0]
	assert.Equal(t, "turnstile.audit", msg.Topic)
	assert.Equal(t, []byte("1.2.3.4"), msg.Key)
	assert.Equal(t, "ip_blocked", msg.Headers["action"])

	var decoded AuditEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ip_blocked", decoded.Action)
}
