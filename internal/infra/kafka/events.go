package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/config"
)

const schemaVersion = "1.0"

// Event types, also used as topic names under the configured prefix.
const (
	EventSessionRevoked       = "esign.session.revoked"
	EventRefreshReuseDetected = "esign.session.refresh_reuse_detected"
	EventSessionsSwept        = "esign.session.swept"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}
	if userID != "" {
		message.Key = sarama.StringEncoder(userID)
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSessionRevoked publishes esign.session.revoked events.
func (p *EventPublisher) PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error {
	payload := struct {
		SessionID       string         `json:"session_id,omitempty"`
		UserID          string         `json:"user_id"`
		RevokedAt       time.Time      `json:"revoked_at"`
		Reason          string         `json:"reason"`
		SessionsRevoked int            `json:"sessions_revoked"`
		IPAddress       *string        `json:"ip_address,omitempty"`
		Metadata        map[string]any `json:"metadata,omitempty"`
	}{
		SessionID:       event.SessionID,
		UserID:          event.UserID,
		RevokedAt:       event.RevokedAt.UTC(),
		Reason:          event.Reason,
		SessionsRevoked: event.SessionsRevoked,
		IPAddress:       event.IPAddress,
		Metadata:        event.Metadata,
	}

	return p.publish(ctx, event.EventID, EventSessionRevoked, event.UserID, event.RevokedAt, payload)
}

// PublishRefreshReuseDetected publishes esign.session.refresh_reuse_detected events.
func (p *EventPublisher) PublishRefreshReuseDetected(ctx context.Context, event domain.RefreshReuseDetectedEvent) error {
	payload := struct {
		SessionID      string    `json:"session_id"`
		UserID         string    `json:"user_id"`
		DetectedAt     time.Time `json:"detected_at"`
		SessionRevoked bool      `json:"session_revoked"`
		IPAddress      *string   `json:"ip_address,omitempty"`
	}{
		SessionID:      event.SessionID,
		UserID:         event.UserID,
		DetectedAt:     event.DetectedAt.UTC(),
		SessionRevoked: event.SessionRevoked,
		IPAddress:      event.IPAddress,
	}

	return p.publish(ctx, event.EventID, EventRefreshReuseDetected, event.UserID, event.DetectedAt, payload)
}

// PublishSessionsSwept publishes esign.session.swept events.
func (p *EventPublisher) PublishSessionsSwept(ctx context.Context, event domain.SessionsSweptEvent) error {
	payload := struct {
		SweptAt    time.Time `json:"swept_at"`
		Cutoff     time.Time `json:"cutoff"`
		Removed    int       `json:"removed"`
		DurationMS int64     `json:"duration_ms"`
	}{
		SweptAt:    event.SweptAt.UTC(),
		Cutoff:     event.Cutoff.UTC(),
		Removed:    event.Removed,
		DurationMS: event.Duration.Milliseconds(),
	}

	return p.publish(ctx, event.EventID, EventSessionsSwept, "", event.SweptAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)
