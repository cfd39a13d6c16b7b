// Package queue provides the durable at-least-once message channel between
// the scheduler and the worker pool.
package queue

import (
	"context"

	"github.com/galeops/gale/pkg/events"
)

// Event is any message that knows its own type.
type Event interface {
	GetType() events.EventType
}

// Handler processes one decoded event. Returning an error nacks the message
// so the transport redelivers it after the visibility timeout.
type Handler func(ctx context.Context, event any) error

// Bus is the queue contract. Handlers are registered per event type before
// Subscribe starts consuming; only topics with registered handlers are
// subscribed, so workers never consume completions and the scheduler never
// consumes dispatches.
type Bus interface {
	Publish(ctx context.Context, key string, event Event) error
	Handle(eventType events.EventType, handler Handler) error
	Subscribe(ctx context.Context) error
	Close() error
	GenerateID() string
}
