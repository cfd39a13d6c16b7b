package scheduler

import (
	"context"
	"fmt"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// RegisterDefinition validates a definition, stores it as a new version, and
// creates or updates the workflow's trigger schedule. Definitions with a
// cyclic dependency graph are rejected outright and never produce a run.
func (s *Scheduler) RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	err := def.Validate()
	if err != nil {
		return err
	}

	err = s.store.RegisterDefinition(ctx, def)
	if err != nil {
		return fmt.Errorf("failed to register definition %q: %w", def.Name, err)
	}

	err = s.syncSchedule(ctx, def)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Registered workflow definition",
		"workflow_name", def.Name,
		"version", def.Version,
		"steps", len(def.Steps),
		"manual_only", def.Trigger.Manual(),
	)

	return nil
}

// syncSchedule aligns the stored trigger schedule with the latest definition
// version: cadence changes take effect, manual-only definitions deactivate
// the schedule.
func (s *Scheduler) syncSchedule(ctx context.Context, def *models.WorkflowDefinition) error {
	now := s.clock()

	existing, err := s.store.Schedule(ctx, def.Name)
	if err != nil && !store.IsScheduleNotFound(err) {
		return fmt.Errorf("failed to load schedule for %q: %w", def.Name, err)
	}

	if def.Trigger.Manual() {
		if existing == nil || !existing.Active {
			return nil
		}

		existing.Active = false
		existing.UpdatedAt = now

		return s.store.SaveSchedule(ctx, existing)
	}

	if existing == nil {
		schedule, err := models.NewTriggerSchedule(def.Name, def.Trigger.Schedule, now)
		if err != nil {
			return err
		}

		return s.store.SaveSchedule(ctx, schedule)
	}

	existing.CronExpression = def.Trigger.Schedule
	existing.Active = true

	err = existing.Advance(now)
	if err != nil {
		return err
	}

	return s.store.SaveSchedule(ctx, existing)
}

// CreateRun starts a run on demand. It fails with store.ErrWorkflowNotFound
// for unregistered names and store.ErrRunAlreadyActive when the
// single-instance policy blocks it; in that case no run record is created.
func (s *Scheduler) CreateRun(ctx context.Context, workflowName string, cause models.RunCause) (*models.Run, error) {
	def, err := s.store.Definition(ctx, workflowName)
	if err != nil {
		return nil, err
	}

	return s.startRun(ctx, def, cause)
}

// startRun materializes a run plus one step instance per step definition.
// Steps without dependencies start queued; the first reconcile pass
// dispatches them.
func (s *Scheduler) startRun(ctx context.Context, def *models.WorkflowDefinition, cause models.RunCause) (*models.Run, error) {
	now := s.clock()
	run := models.NewRun(def, cause, now)

	err := s.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}

	for _, stepDef := range def.Steps {
		step := models.NewStepInstance(run.ID, stepDef, now)

		err := s.store.CreateStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("failed to create step instance %q: %w", stepDef.Name, err)
		}
	}

	s.logger.InfoContext(ctx, "Created run",
		"run_id", run.ID,
		"workflow_name", def.Name,
		"workflow_version", def.Version,
		"cause", cause,
	)

	err = s.reconcileRun(ctx, run.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to reconcile fresh run", "run_id", run.ID, "error", err)
	}

	return run, nil
}

// CancelRun moves every non-terminal step instance to cancelled and
// finalizes the run. In-flight workers are not interrupted; their eventual
// completion reports no-op against the already-terminal instances.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	for range casRetryLimit {
		run, err := s.store.Run(ctx, runID)
		if err != nil {
			return err
		}

		if run.State.Terminal() {
			return nil
		}

		err = s.cancelOnce(ctx, run)
		if err == nil || !store.IsVersionConflict(err) {
			return err
		}
	}

	return fmt.Errorf("run %q: %w", runID, store.ErrVersionConflict)
}

func (s *Scheduler) cancelOnce(ctx context.Context, run *models.Run) error {
	now := s.clock()

	steps, err := s.store.StepsOfRun(ctx, run.ID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.State.Terminal() {
			continue
		}

		step.State = models.StepStateCancelled
		step.LastError = "run cancelled"
		step.CompletedAt = &now

		err := s.store.UpdateStep(ctx, step)
		if err != nil {
			return err
		}
	}

	run.State = models.RunStateCancelled
	run.EndedAt = &now

	err = s.store.UpdateRun(ctx, run)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Cancelled run", "run_id", run.ID, "workflow_name", run.WorkflowName)

	return nil
}
