package events

import (
	"context"
	"encoding/json"
	"errors"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards events to every publisher in order and then
// broadcasts them to realtime subscribers. All publishers get a chance to
// write even when an earlier one fails.
type FanoutPublisher struct {
	publishers  []Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher fanning out to the given
// publishers and, optionally, a broadcaster.
func NewFanoutPublisher(broadcaster Broadcaster, publishers ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{
		publishers:  publishers,
		broadcaster: broadcaster,
	}
}

// Publish forwards the event, collecting errors, then broadcasts it.
func (p *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if p.broadcaster != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		p.broadcaster.Broadcast(data)
	}
	return nil
}
