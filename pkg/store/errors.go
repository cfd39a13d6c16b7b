package store

import "errors"

// Standard store error values shared by all backends.
var (
	// ErrWorkflowNotFound indicates no definition is registered under a name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound indicates a run was not found by ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound indicates a step instance was not found by ID.
	ErrStepNotFound = errors.New("step instance not found")

	// ErrScheduleNotFound indicates a workflow has no trigger schedule record.
	ErrScheduleNotFound = errors.New("trigger schedule not found")

	// ErrRunAlreadyActive indicates the workflow already has a non-terminal
	// run and the single-instance policy blocks creating another.
	ErrRunAlreadyActive = errors.New("workflow already has an active run")

	// ErrVersionConflict indicates a compare-and-swap write lost to a
	// concurrent writer. Callers re-read and re-evaluate.
	ErrVersionConflict = errors.New("record revision conflict")
)

// IsWorkflowNotFound checks if an error indicates a missing definition.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsRunNotFound checks if an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsStepNotFound checks if an error indicates a missing step instance.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}

// IsScheduleNotFound checks if an error indicates a missing trigger schedule.
func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}

// IsRunAlreadyActive checks if an error indicates the single-instance policy
// blocked run creation.
func IsRunAlreadyActive(err error) bool {
	return errors.Is(err, ErrRunAlreadyActive)
}

// IsVersionConflict checks if an error indicates a lost compare-and-swap.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
