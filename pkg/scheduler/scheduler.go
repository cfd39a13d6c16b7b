// Package scheduler is the state machine engine for runs and step instances
// and the owner of trigger evaluation. All authoritative state lives in the
// store behind compare-and-swap writes, so any scheduler replica can resume a
// sweep after a crash with no coordination beyond optimistic concurrency.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/store"
)

// ErrDispatchTimeout is the synthetic failure recorded when no completion
// arrives before a dispatched step's deadline. It models worker crash without
// relying on the worker to report anything.
var ErrDispatchTimeout = errors.New("no completion before dispatch deadline")

const (
	defaultSweepInterval = 10 * time.Second

	// casRetryLimit bounds silent re-evaluation after lost compare-and-swap
	// writes. A still-conflicting record is picked up by the next sweep.
	casRetryLimit = 3
)

// Scheduler evaluates triggers against the clock, walks step instances
// through their state machine, and reacts to completion feedback from the
// queue. The trigger sweep and the feedback drain run as independent loops
// against the same store.
type Scheduler struct {
	store         store.Store
	bus           queue.Bus
	logger        *slog.Logger
	clock         func() time.Time
	sweepInterval time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, used by tests to drive time.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithSweepInterval sets the cadence of the evaluation sweep.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Scheduler) { s.sweepInterval = interval }
}

func New(st store.Store, bus queue.Bus, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		bus:           bus,
		logger:        logger.With("module", "scheduler"),
		clock:         func() time.Time { return time.Now().UTC() },
		sweepInterval: defaultSweepInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start subscribes the feedback drain and runs the sweep loop until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	err := s.bus.Handle(events.StepCompletionEvent, s.handleCompletion)
	if err != nil {
		return err
	}

	err = s.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Scheduler started", "sweep_interval", s.sweepInterval)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopping")

			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep is one evaluation pass: fire due triggers, then reconcile every live
// run (promote ready steps, dispatch, expire dispatch deadlines, finalize).
// Errors are logged and left for the next sweep; a sweep never aborts the
// loop.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock()

	s.fireDueSchedules(ctx, now)

	runs, err := s.store.LiveRuns(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list live runs", "error", err)

		return
	}

	for _, run := range runs {
		err := s.reconcileRun(ctx, run.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to reconcile run", "run_id", run.ID, "error", err)
		}
	}
}

// fireDueSchedules creates runs for schedules whose cadence has passed.
// The schedule is advanced with a CAS write before the run is created, so
// concurrent scheduler replicas cannot both fire the same cadence: the loser
// sees a revision conflict and skips.
func (s *Scheduler) fireDueSchedules(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query due schedules", "error", err)

		return
	}

	for _, schedule := range due {
		logger := s.logger.With("workflow_name", schedule.WorkflowName, "due_at", schedule.NextDueAt)

		err := schedule.Advance(now)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to advance schedule", "error", err)

			continue
		}

		err = s.store.SaveSchedule(ctx, schedule)
		if err != nil {
			if store.IsVersionConflict(err) {
				// Another replica claimed this fire.
				continue
			}

			logger.ErrorContext(ctx, "Failed to save schedule", "error", err)

			continue
		}

		def, err := s.store.Definition(ctx, schedule.WorkflowName)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to load definition for due schedule", "error", err)

			continue
		}

		_, err = s.startRun(ctx, def, models.RunCauseScheduled)
		if err != nil {
			if store.IsRunAlreadyActive(err) {
				logger.InfoContext(ctx, "Skipping cadence, previous run still active")

				continue
			}

			logger.ErrorContext(ctx, "Failed to create scheduled run", "error", err)
		}
	}
}
