package models

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run state can never change again.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCancelled
}

// RunCause records what created a run.
type RunCause string

const (
	RunCauseScheduled RunCause = "scheduled"
	RunCauseManual    RunCause = "manual"
)

// Run is one instantiation of a workflow definition at a point in time. It is
// created by the scheduler when a trigger fires, mutated only by the
// scheduler, and retained indefinitely for audit and queries.
type Run struct {
	ID              string     `json:"id"`
	WorkflowName    string     `json:"workflow_name"`
	WorkflowVersion int        `json:"workflow_version"`
	State           RunState   `json:"state"`
	Cause           RunCause   `json:"cause"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`

	// Rev is the store revision used for compare-and-swap updates.
	Rev int64 `json:"rev"`
}

// NewRun creates a pending run for a definition. Run IDs are UUIDv7 so they
// sort by creation time.
func NewRun(def *WorkflowDefinition, cause RunCause, now time.Time) *Run {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		id = uuid.New()
	}

	return &Run{
		ID:              id.String(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		State:           RunStatePending,
		Cause:           cause,
		StartedAt:       now,
	}
}
