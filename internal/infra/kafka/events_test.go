package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestPublisher(t *testing.T) (*EventPublisher, *fakeAsyncProducer) {
	t.Helper()
	asyncProducer := newFakeAsyncProducer()

	producer := &Producer{
		producer: asyncProducer,
		logger:   zaptest.NewLogger(t),
		cfg: config.KafkaSettings{
			TopicPrefix: "esign",
		},
		done: make(chan struct{}),
	}

	publisher := NewEventPublisher(producer, config.AppSettings{
		Name: "esign-sessions",
		Env:  "test",
	}, zaptest.NewLogger(t))

	return publisher, asyncProducer
}

func receiveEnvelope(t *testing.T, producer *fakeAsyncProducer) (*sarama.ProducerMessage, map[string]any) {
	t.Helper()
	select {
	case msg := <-producer.input:
		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}
		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		return msg, envelope
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
	return nil, nil
}

func TestPublishSessionRevoked(t *testing.T) {
	publisher, producer := newTestPublisher(t)

	revokedAt := time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC)
	event := domain.SessionRevokedEvent{
		EventID:         "event-123",
		SessionID:       "session-456",
		UserID:          "user-789",
		RevokedAt:       revokedAt,
		Reason:          domain.RevokeReasonLogout,
		SessionsRevoked: 1,
		Metadata:        map[string]any{"source": "unit-test"},
	}

	if err := publisher.PublishSessionRevoked(context.Background(), event); err != nil {
		t.Fatalf("PublishSessionRevoked returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, producer)
	if msg.Topic != EventSessionRevoked {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	key, err := msg.Key.Encode()
	if err != nil || string(key) != event.UserID {
		t.Fatalf("expected message keyed by user id, got %q %v", key, err)
	}

	if got := envelope["event_id"]; got != event.EventID {
		t.Fatalf("unexpected event_id: %v", got)
	}
	if got := envelope["event_type"]; got != EventSessionRevoked {
		t.Fatalf("unexpected event_type: %v", got)
	}
	if got := envelope["timestamp"]; got != revokedAt.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp: %v", got)
	}

	payload, ok := envelope["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload not a map: %T", envelope["payload"])
	}
	if payload["session_id"] != event.SessionID || payload["reason"] != event.Reason {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if count, ok := payload["sessions_revoked"].(float64); !ok || int(count) != 1 {
		t.Fatalf("unexpected sessions_revoked: %v", payload["sessions_revoked"])
	}

	metadata, ok := envelope["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
	}
	if metadata["service"] != "esign-sessions" || metadata["environment"] != "test" {
		t.Fatalf("unexpected envelope metadata: %v", metadata)
	}
}

func TestPublishRefreshReuseDetected(t *testing.T) {
	publisher, producer := newTestPublisher(t)

	event := domain.RefreshReuseDetectedEvent{
		SessionID:      "session-1",
		UserID:         "user-1",
		DetectedAt:     time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC),
		SessionRevoked: true,
	}
	if err := publisher.PublishRefreshReuseDetected(context.Background(), event); err != nil {
		t.Fatalf("PublishRefreshReuseDetected returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, producer)
	if msg.Topic != EventRefreshReuseDetected {
		t.Fatalf("unexpected topic: %s", msg.Topic)
	}
	if id, _ := envelope["event_id"].(string); id == "" {
		t.Fatalf("expected generated event id")
	}
	payload := envelope["payload"].(map[string]any)
	if payload["session_revoked"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestPublishSessionsSweptUnkeyed(t *testing.T) {
	publisher, producer := newTestPublisher(t)

	event := domain.SessionsSweptEvent{
		EventID:  "sweep-1",
		SweptAt:  time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC),
		Removed:  4,
		Duration: 1500 * time.Millisecond,
	}
	if err := publisher.PublishSessionsSwept(context.Background(), event); err != nil {
		t.Fatalf("PublishSessionsSwept returned error: %v", err)
	}

	msg, envelope := receiveEnvelope(t, producer)
	if msg.Key != nil {
		t.Fatalf("sweep events carry no user key")
	}
	payload := envelope["payload"].(map[string]any)
	if payload["removed"] != float64(4) || payload["duration_ms"] != float64(1500) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestPublishHonoursContextCancellation(t *testing.T) {
	publisher, producer := newTestPublisher(t)
	producer.input <- &sarama.ProducerMessage{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.PublishSessionRevoked(ctx, domain.SessionRevokedEvent{UserID: "user-1"})
	if err == nil {
		t.Fatalf("expected error when the producer input is blocked and context is cancelled")
	}
}

func TestTopicName(t *testing.T) {
	producer := &Producer{cfg: config.KafkaSettings{TopicPrefix: "esign"}}
	if got := producer.TopicName("session.revoked"); got != "esign.session.revoked" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := producer.TopicName(EventSessionsSwept); got != EventSessionsSwept {
		t.Fatalf("prefix must not be doubled: %s", got)
	}
}
