package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type stubWriter struct {
	messages []kafka.Message
	err      error
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func TestKafkaPublisher_KeysByEntityID(t *testing.T) {
	writer := &stubWriter{}
	pub := NewKafkaPublisher(writer, "orchestrator")
	pub.newID = func() string { return "evt-1" }

	event := Event{
		EventType:     TypeInventoryReserved,
		EntityID:      "order-1",
		CorrelationID: "saga-1",
		Timestamp:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Payload:       map[string]string{"reservation_id": "res-1"},
	}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "order-1" {
		t.Fatalf("expected key order-1, got %q", msg.Key)
	}

	var got Event
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != "evt-1" {
		t.Fatalf("expected generated event id, got %q", got.EventID)
	}
	if got.SourceService != "orchestrator" {
		t.Fatalf("expected source stamped, got %q", got.SourceService)
	}
	if got.Payload["reservation_id"] != "res-1" {
		t.Fatalf("unexpected payload: %v", got.Payload)
	}
}

func TestKafkaPublisher_RejectsMissingEntityID(t *testing.T) {
	pub := NewKafkaPublisher(&stubWriter{}, "orchestrator")

	err := pub.Publish(context.Background(), Event{EventType: TypeOrderCreated})
	if err == nil {
		t.Fatalf("expected error for missing entity id")
	}
}

func TestFanoutPublisher_AllPublishersGetTheEvent(t *testing.T) {
	first := NewLocalPublisher()
	second := NewLocalPublisher()
	broadcaster := &stubBroadcaster{}
	fanout := NewFanoutPublisher(broadcaster, first, second)

	event := Event{EventType: TypeOrderCompleted, EntityID: "order-1"}
	if err := fanout.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(first.Events()) != 1 || len(second.Events()) != 1 {
		t.Fatalf("expected both publishers to receive the event")
	}
	if len(broadcaster.messages) != 1 {
		t.Fatalf("expected broadcast, got %d messages", len(broadcaster.messages))
	}
}

type stubBroadcaster struct {
	messages [][]byte
}

func (b *stubBroadcaster) Broadcast(msg []byte) {
	b.messages = append(b.messages, msg)
}
