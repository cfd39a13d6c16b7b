package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/galeops/gale/pkg/events"
)

// WatermillBus adapts any watermill publisher/subscriber pair (gochannel,
// Kafka) to the Bus contract. Payloads are JSON; the event type travels in
// message metadata so consumers can decode without sniffing the body.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	handlers   map[events.EventType]Handler
}

func NewWatermillBus(pub message.Publisher, sub message.Subscriber) *WatermillBus {
	return &WatermillBus{
		publisher:  pub,
		subscriber: sub,
		handlers:   make(map[events.EventType]Handler),
	}
}

func (b *WatermillBus) GenerateID() string {
	return watermill.NewULID()
}

func (b *WatermillBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	topic, err := events.TopicFor(event.GetType())
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+b.GenerateID(), payload)
	msg.Metadata.Set(events.EventKeyMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return b.publisher.Publish(topic, msg)
}

func (b *WatermillBus) Handle(eventType events.EventType, handler Handler) error {
	if _, exists := b.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for %s", eventType)
	}

	b.handlers[eventType] = handler

	return nil
}

// Subscribe starts one consume loop per topic that has a registered handler.
// It returns immediately; the loops run until ctx is cancelled.
func (b *WatermillBus) Subscribe(ctx context.Context) error {
	topics := make(map[string]struct{})

	for eventType := range b.handlers {
		topic, err := events.TopicFor(eventType)
		if err != nil {
			return err
		}

		topics[topic] = struct{}{}
	}

	for topic := range topics {
		messages, err := b.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		go b.consume(ctx, messages)
	}

	return nil
}

func (b *WatermillBus) consume(ctx context.Context, messages <-chan *message.Message) {
	for msg := range messages {
		eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

		handler, exists := b.handlers[eventType]
		if !exists {
			msg.Ack()

			continue
		}

		var event any

		switch eventType {
		case events.StepDispatchEvent:
			event = &events.StepDispatch{}
		case events.StepCompletionEvent:
			event = &events.StepCompletion{}
		default:
			msg.Ack()

			continue
		}

		err := json.Unmarshal(msg.Payload, event)
		if err != nil {
			// A payload that cannot be decoded will never decode on
			// redelivery either.
			msg.Ack()

			continue
		}

		err = handler(ctx, event)
		if err != nil {
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (b *WatermillBus) Close() error {
	err := b.publisher.Close()
	if err != nil {
		return err
	}

	return b.subscriber.Close()
}
