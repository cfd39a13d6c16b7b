package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/queue/gochannel"
)

func newTestBus(t *testing.T) *queue.WatermillBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := queue.NewWatermillBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillBus_DispatchRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	received := make(chan *events.StepDispatch, 1)

	require.NoError(t, bus.Handle(events.StepDispatchEvent, func(ctx context.Context, event any) error {
		dispatch, ok := event.(*events.StepDispatch)
		require.True(t, ok)
		received <- dispatch

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	dispatch := events.StepDispatch{
		BaseEvent:      events.NewBaseEvent(events.StepDispatchEvent),
		StepInstanceID: "step-1",
		RunID:          "run-1",
		StepName:       "fetch",
		Callable:       "fetch_cities",
		Attempt:        1,
	}
	require.NoError(t, bus.Publish(ctx, dispatch.RunID, dispatch))

	select {
	case got := <-received:
		assert.Equal(t, "step-1", got.StepInstanceID)
		assert.Equal(t, "fetch_cities", got.Callable)
		assert.Equal(t, 1, got.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch was not delivered")
	}
}

func TestWatermillBus_TopicsAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	completions := make(chan *events.StepCompletion, 1)

	// Only the completion handler is registered; dispatches published on the
	// other topic must never reach it.
	require.NoError(t, bus.Handle(events.StepCompletionEvent, func(ctx context.Context, event any) error {
		completion, ok := event.(*events.StepCompletion)
		require.True(t, ok)
		completions <- completion

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	dispatch := events.StepDispatch{BaseEvent: events.NewBaseEvent(events.StepDispatchEvent), StepInstanceID: "step-1"}
	require.NoError(t, bus.Publish(ctx, "run-1", dispatch))

	completion := events.StepCompletion{
		BaseEvent:      events.NewBaseEvent(events.StepCompletionEvent),
		StepInstanceID: "step-1",
		Attempt:        1,
		Outcome:        events.OutcomeSucceeded,
	}
	require.NoError(t, bus.Publish(ctx, "run-1", completion))

	select {
	case got := <-completions:
		assert.Equal(t, events.OutcomeSucceeded, got.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("completion was not delivered")
	}

	select {
	case <-completions:
		t.Fatal("unexpected second delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatermillBus_HandlerErrorNacksForRedelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)
	attempts := make(chan struct{}, 4)
	failures := 0

	require.NoError(t, bus.Handle(events.StepCompletionEvent, func(ctx context.Context, event any) error {
		attempts <- struct{}{}

		if failures < 1 {
			failures++

			return assert.AnError
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	completion := events.StepCompletion{BaseEvent: events.NewBaseEvent(events.StepCompletionEvent), StepInstanceID: "step-1"}
	require.NoError(t, bus.Publish(ctx, "run-1", completion))

	for range 2 {
		select {
		case <-attempts:
		case <-time.After(2 * time.Second):
			t.Fatal("message was not redelivered after nack")
		}
	}
}

type heartbeatEvent struct{}

func (heartbeatEvent) GetType() events.EventType { return "step.heartbeat" }

func TestWatermillBus_RejectsEventWithoutTopic(t *testing.T) {
	bus := newTestBus(t)

	err := bus.Publish(context.Background(), "run-1", heartbeatEvent{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "step.heartbeat")
}

func TestWatermillBus_DuplicateHandlerRejected(t *testing.T) {
	bus := newTestBus(t)
	handler := func(ctx context.Context, event any) error { return nil }

	require.NoError(t, bus.Handle(events.StepDispatchEvent, handler))
	assert.Error(t, bus.Handle(events.StepDispatchEvent, handler))
}
