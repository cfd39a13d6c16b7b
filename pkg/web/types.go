// Package web provides the HTTP trigger and query API for runs and workflow
// definitions.
package web

import (
	"time"

	"github.com/galeops/gale/pkg/models"
)

// TriggerRunRequest represents the request body for starting a run on demand.
type TriggerRunRequest struct {
	WorkflowName string `json:"workflow_name" validate:"required"`
}

// RunResponse represents one run in API responses.
type RunResponse struct {
	ID              string     `json:"id"`
	WorkflowName    string     `json:"workflow_name"`
	WorkflowVersion int        `json:"workflow_version"`
	State           string     `json:"state"`
	Cause           string     `json:"cause"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// StepResponse represents one step instance of a run.
type StepResponse struct {
	ID           string     `json:"id"`
	StepName     string     `json:"step_name"`
	State        string     `json:"state"`
	Attempt      int        `json:"attempt"`
	LastError    string     `json:"last_error,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`
	EligibleAt   time.Time  `json:"eligible_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunDetailResponse represents a run with its step instances.
type RunDetailResponse struct {
	RunResponse

	Steps []StepResponse `json:"steps"`
}

// TransformRunResponse converts a run record into its API shape.
func TransformRunResponse(run *models.Run) RunResponse {
	return RunResponse{
		ID:              run.ID,
		WorkflowName:    run.WorkflowName,
		WorkflowVersion: run.WorkflowVersion,
		State:           string(run.State),
		Cause:           string(run.Cause),
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
	}
}

// TransformRunDetailResponse converts a run and its steps into the detail
// shape returned by the single-run endpoint.
func TransformRunDetailResponse(run *models.Run, steps []*models.StepInstance) RunDetailResponse {
	detail := RunDetailResponse{
		RunResponse: TransformRunResponse(run),
		Steps:       make([]StepResponse, 0, len(steps)),
	}

	for _, step := range steps {
		detail.Steps = append(detail.Steps, StepResponse{
			ID:           step.ID,
			StepName:     step.StepName,
			State:        string(step.State),
			Attempt:      step.Attempt,
			LastError:    step.LastError,
			WorkerID:     step.WorkerID,
			EligibleAt:   step.EligibleAt,
			DispatchedAt: step.DispatchedAt,
			CompletedAt:  step.CompletedAt,
		})
	}

	return detail
}
