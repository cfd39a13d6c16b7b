package scheduler

import (
	"context"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// handleCompletion is the queue feedback drain. The queue delivers
// at-least-once, so everything here must absorb duplicates: a completion for
// an already-terminal instance, or for a stale attempt, compares against the
// current record and no-ops.
func (s *Scheduler) handleCompletion(ctx context.Context, event any) error {
	completion, ok := event.(*events.StepCompletion)
	if !ok {
		s.logger.ErrorContext(ctx, "Invalid event type on completion topic")

		return nil
	}

	logger := s.logger.With(
		"step_instance_id", completion.StepInstanceID,
		"run_id", completion.RunID,
		"attempt", completion.Attempt,
		"outcome", completion.Outcome,
	)

	for range casRetryLimit {
		applied, err := s.applyCompletion(ctx, completion)
		if err == nil {
			if applied {
				return s.reconcileRun(ctx, completion.RunID)
			}

			logger.DebugContext(ctx, "Ignoring stale or duplicate completion")

			return nil
		}

		if !store.IsVersionConflict(err) {
			logger.ErrorContext(ctx, "Failed to apply completion", "error", err)

			return err
		}
	}

	// Give up after repeated conflicts and let redelivery retry.
	return store.ErrVersionConflict
}

// applyCompletion records one attempt outcome. It reports false when the
// completion no longer matches the instance (duplicate delivery, stale
// attempt, cancelled run).
func (s *Scheduler) applyCompletion(ctx context.Context, completion *events.StepCompletion) (bool, error) {
	step, err := s.store.Step(ctx, completion.StepInstanceID)
	if err != nil {
		if store.IsVersionConflict(err) {
			return false, err
		}

		// Unknown instance: nothing to converge, ack the message.
		s.logger.WarnContext(ctx, "Completion for unknown step instance",
			"step_instance_id", completion.StepInstanceID,
		)

		return false, nil
	}

	if step.State.Terminal() || step.Attempt != completion.Attempt {
		return false, nil
	}

	if step.State != models.StepStateDispatched && step.State != models.StepStateRunning {
		return false, nil
	}

	now := s.clock()

	if completion.Outcome == events.OutcomeSucceeded {
		step.State = models.StepStateSucceeded
		step.LastError = ""
		step.WorkerID = completion.WorkerID
		step.CompletedAt = &now

		err := s.store.UpdateStep(ctx, step)
		if err != nil {
			return false, err
		}

		s.logger.InfoContext(ctx, "Step succeeded",
			"run_id", step.RunID,
			"step_name", step.StepName,
			"attempt", step.Attempt,
			"worker_id", completion.WorkerID,
		)

		return true, nil
	}

	run, err := s.store.Run(ctx, step.RunID)
	if err != nil {
		return false, err
	}

	def, err := s.store.DefinitionVersion(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return false, err
	}

	stepDef := def.Step(step.StepName)
	if stepDef == nil {
		return false, nil
	}

	step.WorkerID = completion.WorkerID

	err = s.failAttempt(ctx, def, stepDef, step, completion.Error, completion.Permanent, now)
	if err != nil {
		return false, err
	}

	return true, nil
}
