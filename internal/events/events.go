package events

import (
	"context"
	"sync"
	"time"
)

// Event types produced on the order/inventory event surface.
const (
	TypeOrderCreated               = "OrderCreated"
	TypeOrderCompleted             = "OrderCompleted"
	TypeOrderCancelled             = "OrderCancelled"
	TypeInventoryReserved          = "InventoryReserved"
	TypeInventoryReservationFailed = "InventoryReservationFailed"
	TypeSagaCompensated            = "SagaCompensated"
	TypeSagaFailed                 = "SagaFailed"
	TypeSagaTimedOut               = "SagaTimedOut"
)

// Event is one record on the durable event log. EntityID is the partition
// key, so consumers see per-entity ordering and nothing more.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	EntityID      string            `json:"entity_id"`
	CorrelationID string            `json:"correlation_id"`
	SourceService string            `json:"source_service"`
	Timestamp     time.Time         `json:"timestamp"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// Publisher abstracts publishing domain events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LocalPublisher collects events in memory, for tests and for running
// without a broker.
type LocalPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewLocalPublisher constructs an empty LocalPublisher.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

// Publish appends the event to the in-memory log.
func (p *LocalPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *LocalPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
