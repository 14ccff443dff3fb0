package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the minimal writer surface used by KafkaPublisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes events to a Kafka topic, keyed by entity id so
// each entity's events land on one partition in order.
type KafkaPublisher struct {
	writer KafkaWriter
	source string
	newID  func() string
}

// NewKafkaPublisher constructs a publisher stamping events with the given
// source service name.
func NewKafkaPublisher(writer KafkaWriter, source string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		source: source,
		newID:  uuid.NewString,
	}
}

// Publish fills in event identity fields if absent and writes the event.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.EntityID == "" {
		return fmt.Errorf("event %s has no entity id", event.EventType)
	}
	if event.EventID == "" {
		event.EventID = p.newID()
	}
	if event.SourceService == "" {
		event.SourceService = p.source
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.EventType, err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.EntityID),
		Value: value,
	})
}
