// Package memory provides an in-memory store for development and tests.
// It implements the same compare-and-swap semantics as the durable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

const defaultListLimit = 20

// Store keeps all records in process memory behind a single mutex.
type Store struct {
	mu          sync.RWMutex
	definitions map[string][]*models.WorkflowDefinition
	schedules   map[string]*models.TriggerSchedule
	runs        map[string]*models.Run
	steps       map[string]*models.StepInstance
	stepsByRun  map[string][]string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		definitions: make(map[string][]*models.WorkflowDefinition),
		schedules:   make(map[string]*models.TriggerSchedule),
		runs:        make(map[string]*models.Run),
		steps:       make(map[string]*models.StepInstance),
		stepsByRun:  make(map[string][]string),
	}
}

func (s *Store) RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.Name]
	def.Version = len(versions) + 1
	def.CreatedAt = time.Now().UTC()

	s.definitions[def.Name] = append(versions, cloneDefinition(def))

	return nil
}

func (s *Store) Definition(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[name]
	if len(versions) == 0 {
		return nil, fmt.Errorf("definition %q: %w", name, store.ErrWorkflowNotFound)
	}

	return cloneDefinition(versions[len(versions)-1]), nil
}

func (s *Store) DefinitionVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[name]
	if version < 1 || version > len(versions) {
		return nil, fmt.Errorf("definition %q version %d: %w", name, version, store.ErrWorkflowNotFound)
	}

	return cloneDefinition(versions[version-1]), nil
}

func (s *Store) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*models.WorkflowDefinition, 0, len(s.definitions))
	for _, versions := range s.definitions {
		defs = append(defs, cloneDefinition(versions[len(versions)-1]))
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs, nil
}

func (s *Store) SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.schedules[schedule.WorkflowName]
	if exists && stored.Rev != schedule.Rev {
		return fmt.Errorf("schedule %q: %w", schedule.WorkflowName, store.ErrVersionConflict)
	}

	schedule.Rev++
	s.schedules[schedule.WorkflowName] = cloneSchedule(schedule)

	return nil
}

func (s *Store) Schedule(ctx context.Context, workflowName string) (*models.TriggerSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[workflowName]
	if !ok {
		return nil, fmt.Errorf("schedule %q: %w", workflowName, store.ErrScheduleNotFound)
	}

	return cloneSchedule(schedule), nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.TriggerSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*models.TriggerSchedule, 0)

	for _, schedule := range s.schedules {
		if schedule.IsDue(now) {
			due = append(due, cloneSchedule(schedule))
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].WorkflowName < due[j].WorkflowName })

	return due, nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.runs {
		if existing.WorkflowName == run.WorkflowName && !existing.State.Terminal() {
			return fmt.Errorf("workflow %q: %w", run.WorkflowName, store.ErrRunAlreadyActive)
		}
	}

	run.Rev = 1
	s.runs[run.ID] = cloneRun(run)

	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, store.ErrRunNotFound)
	}

	return cloneRun(run), nil
}

func (s *Store) UpdateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %q: %w", run.ID, store.ErrRunNotFound)
	}

	if stored.Rev != run.Rev {
		return fmt.Errorf("run %q: %w", run.ID, store.ErrVersionConflict)
	}

	run.Rev++
	s.runs[run.ID] = cloneRun(run)

	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts store.ListRunsOptions) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	matched := make([]*models.Run, 0)

	for _, run := range s.runs {
		if opts.WorkflowName != "" && run.WorkflowName != opts.WorkflowName {
			continue
		}

		if !opts.Before.IsZero() && !run.StartedAt.Before(opts.Before) {
			continue
		}

		matched = append(matched, cloneRun(run))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (s *Store) ActiveRun(ctx context.Context, workflowName string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.WorkflowName == workflowName && !run.State.Terminal() {
			return cloneRun(run), nil
		}
	}

	return nil, nil
}

func (s *Store) LiveRuns(ctx context.Context) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := make([]*models.Run, 0)

	for _, run := range s.runs {
		if !run.State.Terminal() {
			live = append(live, cloneRun(run))
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	return live, nil
}

func (s *Store) CreateStep(ctx context.Context, step *models.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step.Rev = 1
	s.steps[step.ID] = cloneStep(step)
	s.stepsByRun[step.RunID] = append(s.stepsByRun[step.RunID], step.ID)

	return nil
}

func (s *Store) Step(ctx context.Context, id string) (*models.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %q: %w", id, store.ErrStepNotFound)
	}

	return cloneStep(step), nil
}

func (s *Store) UpdateStep(ctx context.Context, step *models.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.steps[step.ID]
	if !ok {
		return fmt.Errorf("step %q: %w", step.ID, store.ErrStepNotFound)
	}

	if stored.Rev != step.Rev {
		return fmt.Errorf("step %q: %w", step.ID, store.ErrVersionConflict)
	}

	step.Rev++
	s.steps[step.ID] = cloneStep(step)

	return nil
}

func (s *Store) StepsOfRun(ctx context.Context, runID string) ([]*models.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.stepsByRun[runID]
	steps := make([]*models.StepInstance, 0, len(ids))

	for _, id := range ids {
		steps = append(steps, cloneStep(s.steps[id]))
	}

	return steps, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

// Records handed out must not alias internal state: a caller mutating a
// returned struct before a CAS write would otherwise corrupt the "stored"
// side of the comparison.

func cloneDefinition(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	clone := *def
	clone.Tags = append([]string(nil), def.Tags...)
	clone.Steps = make([]*models.StepDefinition, len(def.Steps))

	for i, step := range def.Steps {
		stepClone := *step
		stepClone.DependsOn = append([]string(nil), step.DependsOn...)

		if step.Args != nil {
			stepClone.Args = make(map[string]any, len(step.Args))
			for k, v := range step.Args {
				stepClone.Args[k] = v
			}
		}

		if step.Retry != nil {
			retry := *step.Retry
			stepClone.Retry = &retry
		}

		clone.Steps[i] = &stepClone
	}

	return &clone
}

func cloneSchedule(schedule *models.TriggerSchedule) *models.TriggerSchedule {
	clone := *schedule

	return &clone
}

func cloneRun(run *models.Run) *models.Run {
	clone := *run

	if run.EndedAt != nil {
		endedAt := *run.EndedAt
		clone.EndedAt = &endedAt
	}

	return &clone
}

func cloneStep(step *models.StepInstance) *models.StepInstance {
	clone := *step

	if step.DispatchedAt != nil {
		dispatchedAt := *step.DispatchedAt
		clone.DispatchedAt = &dispatchedAt
	}

	if step.CompletedAt != nil {
		completedAt := *step.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return &clone
}
