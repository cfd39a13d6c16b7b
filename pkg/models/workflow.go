// Package models defines the core domain records for workflow orchestration.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrDefinition indicates a malformed workflow definition. Definitions are
// rejected at registration and never reach the scheduler.
var ErrDefinition = errors.New("invalid workflow definition")

// IsDefinitionError checks if an error indicates a rejected definition.
func IsDefinitionError(err error) bool {
	return errors.Is(err, ErrDefinition)
}

var validate = validator.New()

// WorkflowDefinition is an immutable template: a named set of steps with a
// dependency graph, a trigger specification and a default retry policy.
// Re-registering a name creates a new version; existing runs stay pinned to
// the version they were created from.
type WorkflowDefinition struct {
	Name         string            `json:"name"        validate:"required,min=3"`
	Version      int               `json:"version"`
	Description  string            `json:"description,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Steps        []*StepDefinition `json:"steps"       validate:"required,min=1,dive"`
	Trigger      TriggerSpec       `json:"trigger"`
	DefaultRetry RetryPolicy       `json:"default_retry"`
	CreatedAt    time.Time         `json:"created_at"`
}

// StepDefinition is a unit of work inside a workflow: a named callable plus
// the upstream step names it depends on. Retry and timeout settings override
// the workflow defaults when set.
type StepDefinition struct {
	Name             string        `json:"name"     validate:"required"`
	Callable         string        `json:"callable" validate:"required"`
	DependsOn        []string      `json:"depends_on,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	Retry            *RetryPolicy  `json:"retry,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty"`
	DispatchTimeout  time.Duration `json:"dispatch_timeout,omitempty"`
}

const (
	// DefaultExecutionTimeout bounds a single callable invocation on a worker.
	DefaultExecutionTimeout = 5 * time.Minute

	// DefaultDispatchTimeout bounds the wait for a completion signal after
	// dispatch. It covers worker crash: a lapsed deadline becomes a
	// synthetic failure.
	DefaultDispatchTimeout = 10 * time.Minute
)

// EffectiveExecutionTimeout returns the worker-enforced timeout for this step.
func (s *StepDefinition) EffectiveExecutionTimeout() time.Duration {
	if s.ExecutionTimeout > 0 {
		return s.ExecutionTimeout
	}

	return DefaultExecutionTimeout
}

// EffectiveDispatchTimeout returns the scheduler-enforced dispatch deadline.
func (s *StepDefinition) EffectiveDispatchTimeout() time.Duration {
	if s.DispatchTimeout > 0 {
		return s.DispatchTimeout
	}

	return DefaultDispatchTimeout
}

// RetryFor resolves the retry policy for a step, falling back to the
// workflow default.
func (w *WorkflowDefinition) RetryFor(step *StepDefinition) RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}

	return w.DefaultRetry
}

// Step returns the step definition with the given name, or nil.
func (w *WorkflowDefinition) Step(name string) *StepDefinition {
	for _, step := range w.Steps {
		if step.Name == name {
			return step
		}
	}

	return nil
}

// Downstream returns the names of steps that depend (directly) on the given step.
func (w *WorkflowDefinition) Downstream(name string) []string {
	var names []string

	for _, step := range w.Steps {
		for _, dep := range step.DependsOn {
			if dep == name {
				names = append(names, step.Name)

				break
			}
		}
	}

	return names
}

// Validate checks the definition structurally and verifies the dependency
// graph is acyclic. A failing definition is wrapped with ErrDefinition.
func (w *WorkflowDefinition) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %w", ErrDefinition, err)
	}

	if err := w.Trigger.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrDefinition, err)
	}

	return w.validateGraph()
}

// validateGraph rejects duplicate step names, unknown dependencies and
// cycles. Cycle detection is Kahn's algorithm: a topological order that does
// not cover every step proves a cycle.
func (w *WorkflowDefinition) validateGraph() error {
	indegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))

	for _, step := range w.Steps {
		if _, dup := indegree[step.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", ErrDefinition, step.Name)
		}

		indegree[step.Name] = 0
	}

	for _, step := range w.Steps {
		for _, dep := range step.DependsOn {
			if _, known := indegree[dep]; !known {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrDefinition, step.Name, dep)
			}

			if dep == step.Name {
				return fmt.Errorf("%w: step %q depends on itself", ErrDefinition, step.Name)
			}

			indegree[step.Name]++
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	ready := make([]string, 0, len(w.Steps))

	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	visited := 0

	for len(ready) > 0 {
		name := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++

		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if visited != len(w.Steps) {
		return fmt.Errorf("%w: dependency graph contains a cycle", ErrDefinition)
	}

	return nil
}
