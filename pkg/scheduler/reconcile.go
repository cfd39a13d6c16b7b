package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// reconcileRun drives one run toward its next stable state: upstream
// failures propagate, ready steps get queued and dispatched, lapsed dispatch
// deadlines become synthetic failures, and a fully-terminal step set
// finalizes the run. Lost compare-and-swap writes restart the evaluation
// from a fresh read.
func (s *Scheduler) reconcileRun(ctx context.Context, runID string) error {
	var err error

	for range casRetryLimit {
		err = s.reconcileOnce(ctx, runID)
		if err == nil || !store.IsVersionConflict(err) {
			return err
		}
	}

	// Still conflicting: another evaluation pass owns this run right now,
	// and it will converge the state instead.
	return nil
}

func (s *Scheduler) reconcileOnce(ctx context.Context, runID string) error {
	now := s.clock()

	run, err := s.store.Run(ctx, runID)
	if err != nil {
		return err
	}

	if run.State.Terminal() {
		return nil
	}

	def, err := s.store.DefinitionVersion(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return err
	}

	steps, err := s.store.StepsOfRun(ctx, run.ID)
	if err != nil {
		return err
	}

	byName := make(map[string]*models.StepInstance, len(steps))
	for _, step := range steps {
		byName[step.StepName] = step
	}

	err = s.propagateReadiness(ctx, def, byName, now)
	if err != nil {
		return err
	}

	for _, step := range steps {
		stepDef := def.Step(step.StepName)
		if stepDef == nil {
			return fmt.Errorf("run %q references unknown step %q", run.ID, step.StepName)
		}

		switch step.State {
		case models.StepStateQueued:
			if !step.EligibleAt.After(now) {
				err := s.dispatchStep(ctx, def, run, stepDef, step, now)
				if err != nil {
					return err
				}
			}
		case models.StepStateDispatched, models.StepStateRunning:
			if step.DispatchedAt == nil {
				continue
			}

			deadline := step.DispatchedAt.Add(stepDef.EffectiveDispatchTimeout())
			if !deadline.After(now) {
				err := s.failAttempt(ctx, def, stepDef, step, ErrDispatchTimeout.Error(), false, now)
				if err != nil {
					return err
				}
			}
		}
	}

	return s.settleRunState(ctx, run, steps, now)
}

// propagateReadiness walks blocked steps until a fixpoint: a step with a
// terminally-failed upstream becomes upstream_failed without ever being
// dispatched, and a step whose upstreams all succeeded becomes queued.
// The loop is needed because upstream_failed itself unblocks further
// downstream steps in the same pass.
func (s *Scheduler) propagateReadiness(ctx context.Context, def *models.WorkflowDefinition, byName map[string]*models.StepInstance, now time.Time) error {
	changed := true

	for changed {
		changed = false

		for _, step := range byName {
			if step.State != models.StepStateBlocked {
				continue
			}

			stepDef := def.Step(step.StepName)
			if stepDef == nil {
				return fmt.Errorf("unknown step %q in run %q", step.StepName, step.RunID)
			}

			failedUpstream := false
			allSucceeded := true

			for _, dep := range stepDef.DependsOn {
				upstream, ok := byName[dep]
				if !ok {
					return fmt.Errorf("step %q missing upstream instance %q", step.StepName, dep)
				}

				if upstream.State == models.StepStateSucceeded {
					continue
				}

				allSucceeded = false

				if upstream.State.Terminal() {
					failedUpstream = true
				}
			}

			switch {
			case failedUpstream:
				step.State = models.StepStateUpstreamFailed
				step.LastError = "upstream step failed"
				step.CompletedAt = &now
			case allSucceeded:
				step.State = models.StepStateQueued
				step.EligibleAt = now
			default:
				continue
			}

			err := s.store.UpdateStep(ctx, step)
			if err != nil {
				return err
			}

			changed = true
		}
	}

	return nil
}

// dispatchStep claims the next attempt with a CAS write, then publishes the
// dispatch message. Claiming before publishing keeps the invariant that a
// step is enqueued at most once per attempt: a concurrent pass loses the CAS
// and never publishes. A publish failure leaves the step in dispatched and
// the dispatch-deadline path retries it.
func (s *Scheduler) dispatchStep(ctx context.Context, def *models.WorkflowDefinition, run *models.Run, stepDef *models.StepDefinition, step *models.StepInstance, now time.Time) error {
	step.State = models.StepStateDispatched
	step.Attempt++
	step.DispatchedAt = &now
	step.WorkerID = ""

	err := s.store.UpdateStep(ctx, step)
	if err != nil {
		return err
	}

	dispatch := events.StepDispatch{
		BaseEvent:        events.NewBaseEvent(events.StepDispatchEvent),
		StepInstanceID:   step.ID,
		RunID:            run.ID,
		StepName:         step.StepName,
		Callable:         stepDef.Callable,
		Args:             stepDef.Args,
		Attempt:          step.Attempt,
		Deadline:         now.Add(stepDef.EffectiveDispatchTimeout()),
		ExecutionTimeout: stepDef.EffectiveExecutionTimeout(),
	}

	err = s.bus.Publish(ctx, run.ID, dispatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish dispatch",
			"run_id", run.ID,
			"step_name", step.StepName,
			"attempt", step.Attempt,
			"error", err,
		)

		return nil
	}

	s.logger.InfoContext(ctx, "Dispatched step",
		"run_id", run.ID,
		"step_name", step.StepName,
		"callable", stepDef.Callable,
		"attempt", step.Attempt,
	)

	return nil
}

// failAttempt applies the retry policy to a failed attempt: back to queued
// with exponential backoff while attempts remain, terminal failed otherwise.
// Permanent failures skip the policy.
func (s *Scheduler) failAttempt(ctx context.Context, def *models.WorkflowDefinition, stepDef *models.StepDefinition, step *models.StepInstance, errorMessage string, permanent bool, now time.Time) error {
	policy := def.RetryFor(stepDef)
	step.LastError = errorMessage

	if !permanent && !policy.Exhausted(step.Attempt) {
		step.State = models.StepStateQueued
		step.EligibleAt = now.Add(policy.Delay(step.Attempt))
		step.DispatchedAt = nil
		step.WorkerID = ""

		s.logger.InfoContext(ctx, "Retrying step after backoff",
			"run_id", step.RunID,
			"step_name", step.StepName,
			"attempt", step.Attempt,
			"eligible_at", step.EligibleAt,
			"error", errorMessage,
		)

		return s.store.UpdateStep(ctx, step)
	}

	step.State = models.StepStateFailed
	step.CompletedAt = &now

	s.logger.WarnContext(ctx, "Step failed terminally",
		"run_id", step.RunID,
		"step_name", step.StepName,
		"attempt", step.Attempt,
		"error", errorMessage,
	)

	return s.store.UpdateStep(ctx, step)
}

// settleRunState moves pending runs to running once any step left the queue,
// and finalizes the run when every step instance is terminal.
func (s *Scheduler) settleRunState(ctx context.Context, run *models.Run, steps []*models.StepInstance, now time.Time) error {
	allTerminal := true
	allSucceeded := true
	anyCancelled := false
	anyStarted := false

	for _, step := range steps {
		switch step.State {
		case models.StepStateBlocked, models.StepStateQueued:
			allTerminal = false
			allSucceeded = false
		case models.StepStateDispatched, models.StepStateRunning:
			allTerminal = false
			allSucceeded = false
			anyStarted = true
		case models.StepStateSucceeded:
			anyStarted = true
		case models.StepStateCancelled:
			anyCancelled = true
			allSucceeded = false
		default:
			anyStarted = true
			allSucceeded = false
		}
	}

	if !allTerminal {
		if run.State == models.RunStatePending && anyStarted {
			run.State = models.RunStateRunning

			return s.store.UpdateRun(ctx, run)
		}

		return nil
	}

	switch {
	case allSucceeded:
		run.State = models.RunStateSucceeded
	case anyCancelled:
		run.State = models.RunStateCancelled
	default:
		run.State = models.RunStateFailed
	}

	run.EndedAt = &now

	err := s.store.UpdateRun(ctx, run)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Run finished",
		"run_id", run.ID,
		"workflow_name", run.WorkflowName,
		"state", run.State,
	)

	return nil
}
