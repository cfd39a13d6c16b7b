package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/otelhelper"
	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/store"
)

const defaultConcurrency = 4

// Pool executes dispatched steps. Each pool process is independent and holds
// no shared mutable state: it can be added or removed without coordination.
// Concurrency is bounded by a local semaphore.
type Pool struct {
	id       string
	store    store.Store
	bus      queue.Bus
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	slots    chan struct{}
	inflight sync.WaitGroup
	clock    func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of parallel execution slots.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.slots = make(chan struct{}, n)
		}
	}
}

// WithClock replaces the wall clock, used by tests.
func WithClock(clock func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

// WithTracer enables a span per executed step attempt.
func WithTracer(tracer trace.Tracer) PoolOption {
	return func(p *Pool) { p.tracer = tracer }
}

func NewPool(id string, st store.Store, bus queue.Bus, registry *Registry, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		id:       id,
		store:    st,
		bus:      bus,
		registry: registry,
		logger:   logger.With("module", "worker", "worker_id", id),
		slots:    make(chan struct{}, defaultConcurrency),
		clock:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start subscribes the pool to the dispatch topic and blocks until ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) error {
	err := p.bus.Handle(events.StepDispatchEvent, p.handleDispatch)
	if err != nil {
		return err
	}

	err = p.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "Worker pool started",
		"concurrency", cap(p.slots),
		"callables", p.registry.Names(),
	)

	<-ctx.Done()
	p.logger.InfoContext(ctx, "Worker pool stopping")
	p.inflight.Wait()

	return nil
}

// handleDispatch fences and claims one step attempt, then hands execution to
// a pool slot and returns so the consume loop keeps draining; up to
// cap(slots) steps execute in parallel. The queue delivers at-least-once, so
// the step's current state is checked first: an instance that is no longer
// dispatched at this attempt (duplicate delivery, retry already claimed
// elsewhere, run cancelled) is skipped.
func (p *Pool) handleDispatch(ctx context.Context, event any) error {
	dispatch, ok := event.(*events.StepDispatch)
	if !ok {
		p.logger.ErrorContext(ctx, "Invalid event type on dispatch topic")

		return nil
	}

	logger := p.logger.With(
		"run_id", dispatch.RunID,
		"step_name", dispatch.StepName,
		"step_instance_id", dispatch.StepInstanceID,
		"attempt", dispatch.Attempt,
	)

	step, err := p.store.Step(ctx, dispatch.StepInstanceID)
	if err != nil {
		logger.WarnContext(ctx, "Dispatch for unknown step instance", "error", err)

		return nil
	}

	if step.State != models.StepStateDispatched || step.Attempt != dispatch.Attempt {
		logger.DebugContext(ctx, "Skipping stale dispatch", "state", step.State, "current_attempt", step.Attempt)

		return nil
	}

	// Advisory running marker. The scheduler stays the finalization
	// authority; losing this CAS means another delivery of the same attempt
	// claimed the step first.
	step.State = models.StepStateRunning
	step.WorkerID = p.id

	err = p.store.UpdateStep(ctx, step)
	if err != nil {
		if store.IsVersionConflict(err) {
			logger.DebugContext(ctx, "Step claimed concurrently, skipping")

			return nil
		}

		return fmt.Errorf("failed to claim step: %w", err)
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.inflight.Add(1)

	go func() {
		defer p.inflight.Done()
		defer func() { <-p.slots }()

		execCtx := ctx

		var span trace.Span

		if p.tracer != nil {
			execCtx, span = otelhelper.StartSpan(ctx, p.tracer, "step.execute",
				attribute.String(otelhelper.RunIDKey, dispatch.RunID),
				attribute.String(otelhelper.StepNameKey, dispatch.StepName),
				attribute.String(otelhelper.CallableKey, dispatch.Callable),
				attribute.Int(otelhelper.AttemptKey, dispatch.Attempt),
				attribute.String(otelhelper.WorkerIDKey, p.id),
			)
		}

		completion := p.execute(execCtx, logger, dispatch)

		if span != nil {
			if completion.Outcome == events.OutcomeFailed {
				otelhelper.SetError(span, errors.New(completion.Error))
			}

			span.End()
		}

		err := p.bus.Publish(ctx, dispatch.RunID, completion)
		if err != nil {
			// The completion is lost; the scheduler's dispatch deadline bounds
			// how long until the attempt is retried.
			logger.ErrorContext(ctx, "Failed to publish completion", "error", err)
		}
	}()

	return nil
}

// execute resolves and invokes the callable under the step's execution
// timeout and translates the result into a completion event.
func (p *Pool) execute(ctx context.Context, logger *slog.Logger, dispatch *events.StepDispatch) events.StepCompletion {
	completion := events.StepCompletion{
		BaseEvent:      events.NewBaseEvent(events.StepCompletionEvent),
		StepInstanceID: dispatch.StepInstanceID,
		RunID:          dispatch.RunID,
		Attempt:        dispatch.Attempt,
		WorkerID:       p.id,
	}

	callable, err := p.registry.Resolve(dispatch.Callable)
	if err != nil {
		logger.ErrorContext(ctx, "Unknown callable", "callable", dispatch.Callable)

		completion.Outcome = events.OutcomeFailed
		completion.Error = err.Error()
		completion.Permanent = true

		return completion
	}

	timeout := dispatch.ExecutionTimeout
	if timeout <= 0 {
		timeout = models.DefaultExecutionTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := p.clock()
	result, err := callable.Run(execCtx, dispatch.Args)
	elapsed := p.clock().Sub(started)

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("execution timed out after %s: %w", timeout, err)
		}

		logger.WarnContext(ctx, "Step execution failed", "duration", elapsed, "error", err)

		completion.Outcome = events.OutcomeFailed
		completion.Error = err.Error()

		return completion
	}

	logger.InfoContext(ctx, "Step execution succeeded", "duration", elapsed)

	completion.Outcome = events.OutcomeSucceeded
	completion.Result = result

	return completion
}
