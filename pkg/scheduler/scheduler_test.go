package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galeops/gale/pkg/events"
	"github.com/galeops/gale/pkg/log"
	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/store"
	"github.com/galeops/gale/pkg/store/memory"
)

// captureBus records published dispatches instead of delivering them, and
// lets tests feed completions straight into the registered handler. It keeps
// scheduler tests fully deterministic.
type captureBus struct {
	mu         sync.Mutex
	handlers   map[events.EventType]queue.Handler
	dispatches []*events.StepDispatch
}

func newCaptureBus() *captureBus {
	return &captureBus{handlers: make(map[events.EventType]queue.Handler)}
}

func (b *captureBus) Publish(ctx context.Context, key string, event queue.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dispatch, ok := event.(events.StepDispatch); ok {
		clone := dispatch
		b.dispatches = append(b.dispatches, &clone)
	}

	return nil
}

func (b *captureBus) Handle(eventType events.EventType, handler queue.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = handler

	return nil
}

func (b *captureBus) Subscribe(ctx context.Context) error { return nil }
func (b *captureBus) Close() error                        { return nil }
func (b *captureBus) GenerateID() string                  { return "test" }

func (b *captureBus) dispatchesFor(stepName string) []*events.StepDispatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []*events.StepDispatch

	for _, dispatch := range b.dispatches {
		if dispatch.StepName == stepName {
			matched = append(matched, dispatch)
		}
	}

	return matched
}

func (b *captureBus) lastDispatchFor(t *testing.T, stepName string) *events.StepDispatch {
	t.Helper()

	matched := b.dispatchesFor(stepName)
	require.NotEmpty(t, matched, "no dispatch captured for step %s", stepName)

	return matched[len(matched)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	scheduler *Scheduler
	store     *memory.Store
	bus       *captureBus
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	st := memory.NewStore()
	bus := newCaptureBus()
	sched := New(st, bus, log.WithModule("test"), WithClock(clock.Now))

	return &fixture{scheduler: sched, store: st, bus: bus, clock: clock}
}

func (f *fixture) complete(t *testing.T, dispatch *events.StepDispatch, outcome events.Outcome, errMessage string) {
	t.Helper()

	completion := &events.StepCompletion{
		BaseEvent:      events.NewBaseEvent(events.StepCompletionEvent),
		StepInstanceID: dispatch.StepInstanceID,
		RunID:          dispatch.RunID,
		Attempt:        dispatch.Attempt,
		Outcome:        outcome,
		Error:          errMessage,
		WorkerID:       "worker-test",
	}

	require.NoError(t, f.scheduler.handleCompletion(context.Background(), completion))
}

func (f *fixture) stepByName(t *testing.T, runID, stepName string) *models.StepInstance {
	t.Helper()

	steps, err := f.store.StepsOfRun(context.Background(), runID)
	require.NoError(t, err)

	for _, step := range steps {
		if step.StepName == stepName {
			return step
		}
	}

	t.Fatalf("step %s not found in run %s", stepName, runID)

	return nil
}

func linearDefinition(retry models.RetryPolicy) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:         "weather-etl",
		DefaultRetry: retry,
		Steps: []*models.StepDefinition{
			{Name: "fetch", Callable: "fetch_cities"},
			{Name: "save", Callable: "save_results", DependsOn: []string{"fetch"}},
		},
	}
}

func TestScheduler_RegisterDefinition_RejectsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name: "cyclic",
		Steps: []*models.StepDefinition{
			{Name: "a", Callable: "x", DependsOn: []string{"b"}},
			{Name: "b", Callable: "x", DependsOn: []string{"a"}},
		},
	}

	err := f.scheduler.RegisterDefinition(ctx, def)

	require.Error(t, err)
	assert.True(t, models.IsDefinitionError(err))

	// The rejected definition never became registerable state.
	_, err = f.store.Definition(ctx, "cyclic")
	assert.True(t, store.IsWorkflowNotFound(err))
}

func TestScheduler_CreateRun_UnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.CreateRun(context.Background(), "ghost", models.RunCauseManual)

	require.Error(t, err)
	assert.True(t, store.IsWorkflowNotFound(err))
}

func TestScheduler_LinearRunSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(models.RetryPolicy{})))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	// fetch is dispatched immediately, save stays blocked behind it.
	fetchDispatch := f.bus.lastDispatchFor(t, "fetch")
	assert.Equal(t, 1, fetchDispatch.Attempt)
	assert.Equal(t, "fetch_cities", fetchDispatch.Callable)
	assert.Empty(t, f.bus.dispatchesFor("save"))
	assert.Equal(t, models.StepStateBlocked, f.stepByName(t, run.ID, "save").State)

	current, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, current.State)

	// save is dispatched only after fetch's completion is recorded.
	f.complete(t, fetchDispatch, events.OutcomeSucceeded, "")
	assert.Equal(t, models.StepStateSucceeded, f.stepByName(t, run.ID, "fetch").State)

	saveDispatch := f.bus.lastDispatchFor(t, "save")
	f.complete(t, saveDispatch, events.OutcomeSucceeded, "")

	final, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, final.State)
	require.NotNil(t, final.EndedAt)
}

func TestScheduler_RetryExhaustionFailsRunAndSkipsDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	retry := models.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(retry)))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		dispatch := f.bus.lastDispatchFor(t, "fetch")
		require.Equal(t, attempt, dispatch.Attempt)

		f.complete(t, dispatch, events.OutcomeFailed, "connection refused")

		if attempt < 3 {
			// The retry waits out the exponential backoff before the sweep
			// re-dispatches.
			fetch := f.stepByName(t, run.ID, "fetch")
			assert.Equal(t, models.StepStateQueued, fetch.State)

			f.clock.Advance(retry.Delay(attempt) + time.Second)
			f.scheduler.Sweep(ctx)
		}
	}

	fetch := f.stepByName(t, run.ID, "fetch")
	assert.Equal(t, models.StepStateFailed, fetch.State)
	assert.Equal(t, "connection refused", fetch.LastError)
	assert.Equal(t, 3, fetch.Attempt)

	save := f.stepByName(t, run.ID, "save")
	assert.Equal(t, models.StepStateUpstreamFailed, save.State)
	assert.Empty(t, f.bus.dispatchesFor("save"), "downstream step must never be enqueued")

	final, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, final.State)
}

func TestScheduler_DispatchTimeoutRetriesAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name:         "timeout-flow",
		DefaultRetry: models.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute},
		Steps: []*models.StepDefinition{
			{Name: "crunch", Callable: "crunch", DispatchTimeout: 2 * time.Minute},
		},
	}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, def))

	run, err := f.scheduler.CreateRun(ctx, "timeout-flow", models.RunCauseManual)
	require.NoError(t, err)

	first := f.bus.lastDispatchFor(t, "crunch")
	require.Equal(t, 1, first.Attempt)

	// Worker crashes: no completion ever arrives. The deadline lapse becomes
	// a synthetic failure and the attempt is retried.
	f.clock.Advance(3 * time.Minute)
	f.scheduler.Sweep(ctx)

	crunch := f.stepByName(t, run.ID, "crunch")
	assert.Equal(t, models.StepStateQueued, crunch.State)
	assert.Equal(t, ErrDispatchTimeout.Error(), crunch.LastError)

	f.clock.Advance(2 * time.Minute)
	f.scheduler.Sweep(ctx)

	second := f.bus.lastDispatchFor(t, "crunch")
	require.Equal(t, 2, second.Attempt)

	f.complete(t, second, events.OutcomeSucceeded, "")

	final, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, final.State)
}

func TestScheduler_SecondRunBlockedWhileActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(models.RetryPolicy{})))

	_, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	_, err = f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)

	require.Error(t, err)
	assert.True(t, store.IsRunAlreadyActive(err))

	runs, err := f.store.ListRuns(ctx, store.ListRunsOptions{WorkflowName: "weather-etl"})
	require.NoError(t, err)
	assert.Len(t, runs, 1, "the blocked trigger must not create a run record")
}

func TestScheduler_DuplicateCompletionIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(models.RetryPolicy{})))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	dispatch := f.bus.lastDispatchFor(t, "fetch")
	f.complete(t, dispatch, events.OutcomeSucceeded, "")

	before := f.stepByName(t, run.ID, "fetch")
	saveDispatchesBefore := len(f.bus.dispatchesFor("save"))

	// Redelivery of the same completion must not change any state.
	f.complete(t, dispatch, events.OutcomeSucceeded, "")

	after := f.stepByName(t, run.ID, "fetch")
	assert.Equal(t, before.Rev, after.Rev)
	assert.Equal(t, saveDispatchesBefore, len(f.bus.dispatchesFor("save")))
}

func TestScheduler_StaleAttemptCompletionIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	retry := models.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(retry)))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	first := f.bus.lastDispatchFor(t, "fetch")
	f.complete(t, first, events.OutcomeFailed, "flaky")

	f.clock.Advance(2 * time.Minute)
	f.scheduler.Sweep(ctx)

	second := f.bus.lastDispatchFor(t, "fetch")
	require.Equal(t, 2, second.Attempt)

	// A very late success report for the first attempt arrives after the
	// retry was already dispatched. It must not be applied.
	f.complete(t, first, events.OutcomeSucceeded, "")

	fetch := f.stepByName(t, run.ID, "fetch")
	assert.Equal(t, models.StepStateDispatched, fetch.State)
	assert.Equal(t, 2, fetch.Attempt)
}

func TestScheduler_PermanentFailureSkipsRetryPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	retry := models.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Minute}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(retry)))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	dispatch := f.bus.lastDispatchFor(t, "fetch")
	completion := &events.StepCompletion{
		BaseEvent:      events.NewBaseEvent(events.StepCompletionEvent),
		StepInstanceID: dispatch.StepInstanceID,
		RunID:          dispatch.RunID,
		Attempt:        dispatch.Attempt,
		Outcome:        events.OutcomeFailed,
		Error:          "callable \"fetch_cities\" is not registered",
		Permanent:      true,
	}
	require.NoError(t, f.scheduler.handleCompletion(ctx, completion))

	fetch := f.stepByName(t, run.ID, "fetch")
	assert.Equal(t, models.StepStateFailed, fetch.State)
	assert.Equal(t, 1, fetch.Attempt)
}

func TestScheduler_ScheduledTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := linearDefinition(models.RetryPolicy{})
	def.Trigger = models.TriggerSpec{Schedule: "0 12 * * *"}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, def))

	// Nothing fires before noon.
	f.scheduler.Sweep(ctx)
	runs, err := f.store.ListRuns(ctx, store.ListRunsOptions{WorkflowName: "weather-etl"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	f.clock.Advance(4 * time.Hour) // 13:00
	f.scheduler.Sweep(ctx)

	runs, err = f.store.ListRuns(ctx, store.ListRunsOptions{WorkflowName: "weather-etl"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunCauseScheduled, runs[0].Cause)

	// The next cadence fires while the run is still active: skipped.
	f.clock.Advance(24 * time.Hour)
	f.scheduler.Sweep(ctx)

	runs, err = f.store.ListRuns(ctx, store.ListRunsOptions{WorkflowName: "weather-etl"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// Finish the run; the following cadence creates a fresh one.
	f.complete(t, f.bus.lastDispatchFor(t, "fetch"), events.OutcomeSucceeded, "")
	f.complete(t, f.bus.lastDispatchFor(t, "save"), events.OutcomeSucceeded, "")

	f.clock.Advance(24 * time.Hour)
	f.scheduler.Sweep(ctx)

	runs, err = f.store.ListRuns(ctx, store.ListRunsOptions{WorkflowName: "weather-etl"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestScheduler_CancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.scheduler.RegisterDefinition(ctx, linearDefinition(models.RetryPolicy{})))

	run, err := f.scheduler.CreateRun(ctx, "weather-etl", models.RunCauseManual)
	require.NoError(t, err)

	dispatch := f.bus.lastDispatchFor(t, "fetch")

	require.NoError(t, f.scheduler.CancelRun(ctx, run.ID))

	cancelled, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCancelled, cancelled.State)
	require.NotNil(t, cancelled.EndedAt)

	assert.Equal(t, models.StepStateCancelled, f.stepByName(t, run.ID, "fetch").State)
	assert.Equal(t, models.StepStateCancelled, f.stepByName(t, run.ID, "save").State)

	// An in-flight worker finishing after the cancel reports into the void.
	f.complete(t, dispatch, events.OutcomeSucceeded, "")
	assert.Equal(t, models.StepStateCancelled, f.stepByName(t, run.ID, "fetch").State)

	// Cancelling again is idempotent.
	require.NoError(t, f.scheduler.CancelRun(ctx, run.ID))
}

func TestScheduler_FanOutJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name: "fanout",
		Steps: []*models.StepDefinition{
			{Name: "root", Callable: "x"},
			{Name: "left", Callable: "x", DependsOn: []string{"root"}},
			{Name: "right", Callable: "x", DependsOn: []string{"root"}},
			{Name: "join", Callable: "x", DependsOn: []string{"left", "right"}},
		},
	}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, def))

	run, err := f.scheduler.CreateRun(ctx, "fanout", models.RunCauseManual)
	require.NoError(t, err)

	f.complete(t, f.bus.lastDispatchFor(t, "root"), events.OutcomeSucceeded, "")

	// Both branches fan out; the join waits for the slower one.
	require.NotEmpty(t, f.bus.dispatchesFor("left"))
	require.NotEmpty(t, f.bus.dispatchesFor("right"))

	f.complete(t, f.bus.lastDispatchFor(t, "left"), events.OutcomeSucceeded, "")
	assert.Empty(t, f.bus.dispatchesFor("join"))

	f.complete(t, f.bus.lastDispatchFor(t, "right"), events.OutcomeSucceeded, "")
	require.NotEmpty(t, f.bus.dispatchesFor("join"))

	f.complete(t, f.bus.lastDispatchFor(t, "join"), events.OutcomeSucceeded, "")

	final, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, final.State)
}

func TestScheduler_FailedBranchDoesNotStopIndependentBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := &models.WorkflowDefinition{
		Name: "branches",
		Steps: []*models.StepDefinition{
			{Name: "flaky", Callable: "x"},
			{Name: "after-flaky", Callable: "x", DependsOn: []string{"flaky"}},
			{Name: "steady", Callable: "x"},
		},
	}
	require.NoError(t, f.scheduler.RegisterDefinition(ctx, def))

	run, err := f.scheduler.CreateRun(ctx, "branches", models.RunCauseManual)
	require.NoError(t, err)

	f.complete(t, f.bus.lastDispatchFor(t, "flaky"), events.OutcomeFailed, "boom")

	// The independent branch still finishes; only then does the run settle
	// as failed.
	live, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, live.State)

	f.complete(t, f.bus.lastDispatchFor(t, "steady"), events.OutcomeSucceeded, "")

	final, err := f.store.Run(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, final.State)
	assert.Equal(t, models.StepStateUpstreamFailed, f.stepByName(t, run.ID, "after-flaky").State)
	assert.Equal(t, models.StepStateSucceeded, f.stepByName(t, run.ID, "steady").State)
}
