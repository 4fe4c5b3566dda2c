package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "wallet.dlq", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "wallet.deposit.settled", "7", map[string]string{"order_id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "wallet.dlq" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(PublishDLQPayload)
	if !ok {
		t.Fatalf("expected PublishDLQPayload, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "wallet.deposit.settled" {
		t.Fatalf("expected original topic to match, got %s", payload.OriginalTopic)
	}
	if payload.Error == "" {
		t.Fatalf("expected error in dlq payload")
	}
}

func TestDLQPublisherPassesThroughSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "wallet.dlq", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "wallet.transfer.executed", "2", map[string]string{"amount": "10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("dlq must stay untouched on success")
	}
	if len(primary.calls) != 1 {
		t.Fatalf("expected one primary publish, got %d", len(primary.calls))
	}
}

func TestDeterministicEventID(t *testing.T) {
	a := DeterministicEventID("wallet.deposit.settled", "order-1")
	b := DeterministicEventID("wallet.deposit.settled", "order-1")
	c := DeterministicEventID("wallet.deposit.settled", "order-2")

	if a != b {
		t.Fatalf("same parts must produce the same id: %s != %s", a, b)
	}
	if a == c {
		t.Fatalf("different parts must produce different ids")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	envelope, err := NewEnvelope("wallet.deposit.settled", 1, "")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := envelope.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatalf("expected error for missing event type")
	}
}
