package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"turnstile/internal/platform/kafka/producer"
	"turnstile/internal/ratelimit/models"
	"turnstile/internal/ratelimit/ports"
)

// MessagePublisher is the subset of the Kafka producer used here.
type MessagePublisher interface {
	Publish(msg *producer.Message) error
}

// KafkaPublisher encodes events as JSON records keyed by identity, so all of
// one identity's events land on the same partition.
type KafkaPublisher struct {
	producer MessagePublisher
	topic    string
}

// NewKafkaPublisher creates a publisher for topic.
func NewKafkaPublisher(p MessagePublisher, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (p *KafkaPublisher) PublishEvent(_ context.Context, event models.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.producer.Publish(&producer.Message{
		Topic: p.topic,
		Key:   []byte(event.Identity),
		Value: value,
		Headers: map[string]string{
			"scope":    event.Scope.String(),
			"exceeded": fmt.Sprint(event.Exceeded),
		},
	})
}

// FanoutLog records into a primary log and then forwards each event to a
// publisher. Publishing is best-effort: failures are logged, never returned.
type FanoutLog struct {
	ports.EventLog
	publisher ports.EventPublisher
	logger    *slog.Logger
}

// NewFanoutLog wraps log so every recorded event is also published.
func NewFanoutLog(log ports.EventLog, publisher ports.EventPublisher, logger *slog.Logger) *FanoutLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanoutLog{EventLog: log, publisher: publisher, logger: logger}
}

func (f *FanoutLog) Record(ctx context.Context, event models.Event) error {
	if err := f.EventLog.Record(ctx, event); err != nil {
		return err
	}
	if err := f.publisher.PublishEvent(ctx, event); err != nil {
		f.logger.WarnContext(ctx, "event fan-out failed",
			"event_id", event.ID,
			"scope", event.Scope,
			"error", err,
		)
	}
	return nil
}
