package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Lifecycle event names published to the real-time bus.
const (
	EventEnqueued    = "enqueued"
	EventAttemptSent = "attempt_sent"
	EventRecovered   = "recovered"
	EventEscalated   = "escalated"
	EventOptedOut    = "opted_out"
	EventExpired     = "expired"
	EventFailed      = "failed"
)

// Emitter publishes lifecycle transitions to Kafka. Emission is
// fire-and-forget: a publish failure is logged and never rolls back the
// state change that triggered it.
type Emitter struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewEmitter builds a producer for the lifecycle topic.
func NewEmitter(brokers []string, topic string) *Emitter {
	return &Emitter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		timeout: 5 * time.Second,
	}
}

type envelope struct {
	Event         string    `json:"event"`
	TenantID      string    `json:"tenant_id"`
	CorrelationID string    `json:"correlation_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	Payload       any       `json:"payload,omitempty"`
}

// Emit publishes one event keyed by tenant so per-tenant ordering holds
// within a partition.
func (e *Emitter) Emit(ctx context.Context, event string, payload any, tenantID, correlationID string) {
	data, err := json.Marshal(envelope{
		Event:         event,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		EmittedAt:     time.Now().UTC(),
		Payload:       payload,
	})
	if err != nil {
		log.Printf("[events] marshal %s: %v", event, err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(tenantID),
		Value: data,
	}); err != nil {
		log.Printf("[events] publish %s tenant=%s: %v", event, tenantID, err)
	}
}

// Close flushes and closes the underlying writer.
func (e *Emitter) Close() error {
	return e.writer.Close()
}
