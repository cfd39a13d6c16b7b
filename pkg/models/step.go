package models

import (
	"time"

	"github.com/google/uuid"
)

// StepState is the lifecycle state of one step instance.
type StepState string

const (
	// StepStateBlocked means at least one upstream step has not succeeded yet.
	StepStateBlocked StepState = "blocked"
	// StepStateQueued means the step is eligible for dispatch once EligibleAt passes.
	StepStateQueued StepState = "queued"
	// StepStateDispatched means a dispatch message was published for the current attempt.
	StepStateDispatched StepState = "dispatched"
	// StepStateRunning means a worker picked the step up and is executing it.
	StepStateRunning StepState = "running"

	StepStateSucceeded      StepState = "succeeded"
	StepStateFailed         StepState = "failed"
	StepStateUpstreamFailed StepState = "upstream_failed"
	StepStateCancelled      StepState = "cancelled"
)

// Terminal reports whether the step state can never change again.
func (s StepState) Terminal() bool {
	switch s {
	case StepStateSucceeded, StepStateFailed, StepStateUpstreamFailed, StepStateCancelled:
		return true
	default:
		return false
	}
}

// StepInstance is one execution record tied to a run and a step definition.
// Workers record attempt results, but the scheduler is the sole authority for
// finalizing state, which is what makes duplicate queue deliveries harmless.
type StepInstance struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	StepName string    `json:"step_name"`
	State    StepState `json:"state"`

	// Attempt counts dispatches. It is 0 until the first dispatch.
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`

	// EligibleAt gates re-dispatch after a retry backoff.
	EligibleAt   time.Time  `json:"eligible_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Rev is the store revision used for compare-and-swap updates.
	Rev int64 `json:"rev"`
}

// NewStepInstance creates the instance record for a step of a fresh run.
// Steps without dependencies start queued and immediately eligible; the rest
// start blocked until their upstream steps succeed.
func NewStepInstance(runID string, def *StepDefinition, now time.Time) *StepInstance {
	state := StepStateQueued
	if len(def.DependsOn) > 0 {
		state = StepStateBlocked
	}

	return &StepInstance{
		ID:         uuid.New().String(),
		RunID:      runID,
		StepName:   def.Name,
		State:      state,
		EligibleAt: now,
	}
}
