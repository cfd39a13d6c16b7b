package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/log"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/queue/gochannel"
	"github.com/galeops/gale/pkg/store/memory"
)

type completionCaptureBus struct {
	mu          sync.Mutex
	completions []*events.StepCompletion
}

func (b *completionCaptureBus) Publish(ctx context.Context, key string, event queue.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if completion, ok := event.(events.StepCompletion); ok {
		clone := completion
		b.completions = append(b.completions, &clone)
	}

	return nil
}

func (b *completionCaptureBus) Handle(eventType events.EventType, handler queue.Handler) error {
	return nil
}
func (b *completionCaptureBus) Subscribe(ctx context.Context) error { return nil }
func (b *completionCaptureBus) Close() error                        { return nil }
func (b *completionCaptureBus) GenerateID() string                  { return "test" }

func (b *completionCaptureBus) last(t *testing.T) *events.StepCompletion {
	t.Helper()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.completions, "no completion was published")

	return b.completions[len(b.completions)-1]
}

func (b *completionCaptureBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.completions)
}

// dispatchedStep seeds the store with a run and a step instance in the state
// the scheduler leaves them in right after dispatch.
func dispatchedStep(t *testing.T, st *memory.Store) (*models.StepInstance, *events.StepDispatch) {
	t.Helper()

	ctx := context.Background()
	now := time.Now().UTC()

	def := &models.WorkflowDefinition{
		Name:  "weather-etl",
		Steps: []*models.StepDefinition{{Name: "fetch", Callable: "fetch_cities"}},
	}
	require.NoError(t, st.RegisterDefinition(ctx, def))

	run := models.NewRun(def, models.RunCauseManual, now)
	require.NoError(t, st.CreateRun(ctx, run))

	step := models.NewStepInstance(run.ID, def.Steps[0], now)
	step.State = models.StepStateDispatched
	step.Attempt = 1
	step.DispatchedAt = &now
	require.NoError(t, st.CreateStep(ctx, step))

	dispatch := &events.StepDispatch{
		BaseEvent:        events.NewBaseEvent(events.StepDispatchEvent),
		StepInstanceID:   step.ID,
		RunID:            run.ID,
		StepName:         "fetch",
		Callable:         "fetch_cities",
		Args:             map[string]any{"cities": []any{"Moscow", "Groningen"}},
		Attempt:          1,
		Deadline:         now.Add(10 * time.Minute),
		ExecutionTimeout: time.Minute,
	}

	return step, dispatch
}

func TestPool_ExecutesCallableAndReportsSuccess(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}
	registry := NewRegistry()

	var gotArgs map[string]any

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			gotArgs = args

			return map[string]any{"fetched": 2}, nil
		})))

	step, dispatch := dispatchedStep(t, st)
	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))
	pool.inflight.Wait()

	assert.Equal(t, dispatch.Args, gotArgs)

	completion := bus.last(t)
	assert.Equal(t, events.OutcomeSucceeded, completion.Outcome)
	assert.Equal(t, step.ID, completion.StepInstanceID)
	assert.Equal(t, 1, completion.Attempt)
	assert.Equal(t, "worker-1", completion.WorkerID)
	assert.Equal(t, map[string]any{"fetched": 2}, completion.Result)

	// The pool recorded its advisory running marker.
	current, err := st.Step(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStateRunning, current.State)
	assert.Equal(t, "worker-1", current.WorkerID)
}

func TestPool_ReportsExecutionFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}
	registry := NewRegistry()

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, errors.New("upstream api returned 503")
		})))

	_, dispatch := dispatchedStep(t, st)
	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))
	pool.inflight.Wait()

	completion := bus.last(t)
	assert.Equal(t, events.OutcomeFailed, completion.Outcome)
	assert.Equal(t, "upstream api returned 503", completion.Error)
	assert.False(t, completion.Permanent)
}

func TestPool_UnknownCallableIsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}

	_, dispatch := dispatchedStep(t, st)
	pool := NewPool("worker-1", st, bus, NewRegistry(), log.WithModule("test"))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))
	pool.inflight.Wait()

	completion := bus.last(t)
	assert.Equal(t, events.OutcomeFailed, completion.Outcome)
	assert.True(t, completion.Permanent)
	assert.Contains(t, completion.Error, "fetch_cities")
}

func TestPool_EnforcesExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}
	registry := NewRegistry()

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		})))

	_, dispatch := dispatchedStep(t, st)
	dispatch.ExecutionTimeout = 20 * time.Millisecond

	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))
	pool.inflight.Wait()

	completion := bus.last(t)
	assert.Equal(t, events.OutcomeFailed, completion.Outcome)
	assert.Contains(t, completion.Error, "timed out")
	assert.False(t, completion.Permanent)
}

// Two dispatches travel through a real in-memory channel; with two slots the
// second callable must start while the first is still blocked, so receiving
// both start signals before releasing either proves the steps overlapped.
func TestPool_RunsStepsInParallel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memory.NewStore()
	now := time.Now().UTC()

	def := &models.WorkflowDefinition{
		Name: "weather-etl",
		Steps: []*models.StepDefinition{
			{Name: "fetch", Callable: "fetch_cities"},
			{Name: "save", Callable: "fetch_cities"},
		},
	}
	require.NoError(t, st.RegisterDefinition(ctx, def))

	run := models.NewRun(def, models.RunCauseManual, now)
	require.NoError(t, st.CreateRun(ctx, run))

	dispatches := make([]events.StepDispatch, 0, len(def.Steps))

	for _, stepDef := range def.Steps {
		step := models.NewStepInstance(run.ID, stepDef, now)
		step.State = models.StepStateDispatched
		step.Attempt = 1
		step.DispatchedAt = &now
		require.NoError(t, st.CreateStep(ctx, step))

		dispatches = append(dispatches, events.StepDispatch{
			BaseEvent:        events.NewBaseEvent(events.StepDispatchEvent),
			StepInstanceID:   step.ID,
			RunID:            run.ID,
			StepName:         stepDef.Name,
			Callable:         stepDef.Callable,
			Attempt:          1,
			Deadline:         now.Add(10 * time.Minute),
			ExecutionTimeout: time.Minute,
		})
	}

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := queue.NewWatermillBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	registry := NewRegistry()
	started := make(chan struct{}, len(def.Steps))
	release := make(chan struct{})

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			started <- struct{}{}

			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))

	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"), WithConcurrency(2))

	require.NoError(t, bus.Handle(events.StepDispatchEvent, pool.handleDispatch))
	require.NoError(t, bus.Subscribe(ctx))

	for _, dispatch := range dispatches {
		require.NoError(t, bus.Publish(ctx, dispatch.RunID, dispatch))
	}

	for range def.Steps {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("second step did not start while the first was still running")
		}
	}

	close(release)
	pool.inflight.Wait()
}

func TestPool_SkipsStaleDispatch(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}
	registry := NewRegistry()

	executions := 0

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			executions++

			return nil, nil
		})))

	step, dispatch := dispatchedStep(t, st)
	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"))

	// The scheduler already moved the step on (e.g. dispatch-timeout retry
	// reset it to queued): the redelivered message must not execute.
	step.State = models.StepStateQueued
	step.DispatchedAt = nil
	require.NoError(t, st.UpdateStep(ctx, step))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))

	assert.Zero(t, executions)
	assert.Zero(t, bus.count())
}

func TestPool_SkipsAttemptMismatch(t *testing.T) {
	ctx := context.Background()
	st := memory.NewStore()
	bus := &completionCaptureBus{}
	registry := NewRegistry()

	executions := 0

	require.NoError(t, registry.Register("fetch_cities", CallableFunc(
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			executions++

			return nil, nil
		})))

	step, dispatch := dispatchedStep(t, st)
	pool := NewPool("worker-1", st, bus, registry, log.WithModule("test"))

	// The store is already on attempt 2; this message is from attempt 1.
	step.Attempt = 2
	require.NoError(t, st.UpdateStep(ctx, step))

	require.NoError(t, pool.handleDispatch(ctx, dispatch))

	assert.Zero(t, executions)
	assert.Zero(t, bus.count())
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	registry := NewRegistry()
	callable := CallableFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})

	require.NoError(t, registry.Register("fetch_cities", callable))
	assert.Error(t, registry.Register("fetch_cities", callable))
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Resolve("ghost")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallableNotRegistered)
}

func TestRegistry_Names(t *testing.T) {
	registry := NewRegistry()
	callable := CallableFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, nil
	})

	require.NoError(t, registry.Register("save_results", callable))
	require.NoError(t, registry.Register("fetch_cities", callable))

	assert.Equal(t, []string{"fetch_cities", "save_results"}, registry.Names())
}
