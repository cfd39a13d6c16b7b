// Package store defines the durable state abstraction for workflow
// definitions, runs and step instances. It is the orchestrator's only source
// of durability: the scheduler holds no authoritative state in memory.
package store

import (
	"context"
	"time"

	"github.com/galeops/gale/pkg/models"
)

// ListRunsOptions selects a reverse-chronological page of runs.
type ListRunsOptions struct {
	WorkflowName string
	Limit        int
	Before       time.Time
}

// Store is the persistence contract shared by all backends.
//
// UpdateRun, UpdateStep and SaveSchedule are compare-and-swap writes: they
// compare the record's Rev against the stored revision and fail with
// ErrVersionConflict when another writer got there first. A losing writer is
// expected to re-read and re-evaluate. This is what lets the trigger sweep
// and the queue feedback drain mutate the same records concurrently without
// lost updates.
type Store interface {
	// RegisterDefinition stores a new version of a definition. The store
	// assigns Version (previous latest + 1) and CreatedAt on the passed
	// record. Runs created earlier keep referencing their pinned version.
	RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	// Definition returns the latest version of a named definition.
	Definition(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	// DefinitionVersion returns one specific registered version.
	DefinitionVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error)
	// Definitions returns the latest version of every registered workflow.
	Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// SaveSchedule inserts or CAS-updates the trigger schedule of a workflow.
	SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error
	Schedule(ctx context.Context, workflowName string) (*models.TriggerSchedule, error)
	// DueSchedules returns active schedules with NextDueAt <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*models.TriggerSchedule, error)

	// CreateRun inserts a run. It fails with ErrRunAlreadyActive when the
	// workflow already has a non-terminal run, enforcing the single-instance
	// policy at the durability boundary rather than in racy caller checks.
	CreateRun(ctx context.Context, run *models.Run) error
	Run(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*models.Run, error)
	// ActiveRun returns the non-terminal run of a workflow, or nil.
	ActiveRun(ctx context.Context, workflowName string) (*models.Run, error)
	// LiveRuns returns every non-terminal run across workflows. The
	// scheduler sweep uses it to find steps with lapsed dispatch deadlines.
	LiveRuns(ctx context.Context) ([]*models.Run, error)

	CreateStep(ctx context.Context, step *models.StepInstance) error
	Step(ctx context.Context, id string) (*models.StepInstance, error)
	UpdateStep(ctx context.Context, step *models.StepInstance) error
	StepsOfRun(ctx context.Context, runID string) ([]*models.StepInstance, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
