package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a trigger cadence cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid trigger schedule")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TriggerSpec describes when new runs of a workflow are created: either on a
// recurring cron cadence, or only on explicit API calls when Schedule is
// empty.
type TriggerSpec struct {
	// Schedule is a standard 5-field cron expression. Empty means manual-only.
	Schedule string `json:"schedule,omitempty"`
}

// Manual reports whether the workflow can only be started by the API.
func (t TriggerSpec) Manual() bool {
	return t.Schedule == ""
}

// Validate parses the cron expression when one is set.
func (t TriggerSpec) Validate() error {
	if t.Manual() {
		return nil
	}

	if _, err := cronParser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return nil
}

// TriggerSchedule is the stored polling record for a scheduled workflow.
// It carries the precomputed next execution time so the scheduler sweep can
// query due schedules without evaluating every cron expression per tick.
type TriggerSchedule struct {
	WorkflowName   string    `json:"workflow_name" validate:"required"`
	CronExpression string    `json:"cron_expression" validate:"required"`
	NextDueAt      time.Time `json:"next_due_at"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Rev is the store revision used for compare-and-swap updates.
	Rev int64 `json:"rev"`
}

// NewTriggerSchedule creates an active schedule with the first due time
// computed from now.
func NewTriggerSchedule(workflowName, cronExpression string, now time.Time) (*TriggerSchedule, error) {
	schedule := &TriggerSchedule{
		WorkflowName:   workflowName,
		CronExpression: cronExpression,
		Active:         true,
		UpdatedAt:      now,
	}

	if err := schedule.Advance(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// IsDue reports whether the schedule should fire at the given time.
func (s *TriggerSchedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Advance moves NextDueAt to the first cadence strictly after now. Missed
// cadences are not backfilled: a schedule that was due several times while
// the scheduler was down fires once and then catches up to the future.
func (s *TriggerSchedule) Advance(now time.Time) error {
	cronSchedule, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	s.NextDueAt = cronSchedule.Next(now)
	s.UpdatedAt = now

	return nil
}
