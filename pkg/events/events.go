// Package events defines the messages carried by the dispatch queue: step
// dispatches from the scheduler to the worker pool and completion reports
// back. Delivery is at-least-once, so every consumer treats duplicates as
// no-ops.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	DispatchTopic   = "gale.dispatches"
	CompletionTopic = "gale.completions"
)

const (
	EventKeyMetadataKey  = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	StepDispatchEvent   EventType = "step.dispatch"
	StepCompletionEvent EventType = "step.completion"
)

// TopicFor maps an event type to the topic it travels on. Unknown types are
// an error so a new message kind cannot silently ride an existing topic.
func TopicFor(eventType EventType) (string, error) {
	switch eventType {
	case StepDispatchEvent:
		return DispatchTopic, nil
	case StepCompletionEvent:
		return CompletionTopic, nil
	default:
		return "", fmt.Errorf("no topic for event type %q", eventType)
	}
}

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// StepDispatch asks any worker to execute one attempt of a step.
type StepDispatch struct {
	BaseEvent

	StepInstanceID string         `json:"step_instance_id"`
	RunID          string         `json:"run_id"`
	StepName       string         `json:"step_name"`
	Callable       string         `json:"callable"`
	Args           map[string]any `json:"args,omitempty"`
	Attempt        int            `json:"attempt"`

	// Deadline is when the scheduler gives up waiting for a completion and
	// raises a synthetic dispatch-timeout failure.
	Deadline time.Time `json:"deadline"`

	// ExecutionTimeout bounds the callable invocation on the worker.
	ExecutionTimeout time.Duration `json:"execution_timeout"`
}

func (e StepDispatch) GetType() EventType {
	return StepDispatchEvent
}

// Outcome is the result class of one execution attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// StepCompletion reports the outcome of one attempt. Permanent failures
// (unregistered callable) skip the retry policy entirely.
type StepCompletion struct {
	BaseEvent

	StepInstanceID string         `json:"step_instance_id"`
	RunID          string         `json:"run_id"`
	Attempt        int            `json:"attempt"`
	Outcome        Outcome        `json:"outcome"`
	Error          string         `json:"error,omitempty"`
	Permanent      bool           `json:"permanent,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	WorkerID       string         `json:"worker_id,omitempty"`
}

func (e StepCompletion) GetType() EventType {
	return StepCompletionEvent
}
