// Package bus provides event bus implementations for formrules.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// Message metadata keys.
const (
	MetaReplyTo = "reply_to"
	MetaTraceID = "trace_id"
)

// droppedMessages counts messages a slow subscriber never received.
var droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "formrules",
	Subsystem: "bus",
	Name:      "dropped_total",
	Help:      "Messages dropped because a subscriber buffer was full",
}, []string{"topic"})

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode unmarshals a message payload into a T.
func Decode[T any](msg *domain.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", msg.Topic, err)
	}
	return &v, nil
}

// Reply answers a message sent with Request. Messages without a reply
// address are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	to := msg.Metadata[MetaReplyTo]
	if to == "" {
		return nil
	}
	return b.Publish(ctx, msg.TenantID, to, payload)
}

// newMessage wraps payload in an envelope carrying the caller's trace id.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.TraceID().IsValid() {
		msg.Metadata[MetaTraceID] = sc.TraceID().String()
	}
	return msg
}
