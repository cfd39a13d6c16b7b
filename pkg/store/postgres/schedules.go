package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// ScheduleRepository stores trigger schedules, one row per scheduled
// workflow. Saves are compare-and-swap on the rev column so only one
// scheduler replica can claim a due cadence.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// Save inserts the schedule at rev 1, or updates it when the caller's rev
// matches the stored row. A rev mismatch means another replica advanced the
// schedule first.
func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.TriggerSchedule) error {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_schedules (workflow_name, cron_expression, next_due_at, active, updated_at, rev)
		VALUES ($1, $2, $3, $4, $5, $6 + 1)
		ON CONFLICT (workflow_name) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			rev = trigger_schedules.rev + 1
		WHERE trigger_schedules.rev = $6
	`, schedule.WorkflowName, schedule.CronExpression, schedule.NextDueAt, schedule.Active, schedule.UpdatedAt, schedule.Rev)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("schedule %q: %w", schedule.WorkflowName, store.ErrVersionConflict)
	}

	schedule.Rev++

	return nil
}

// Get returns the schedule of a workflow.
func (r *ScheduleRepository) Get(ctx context.Context, workflowName string) (*models.TriggerSchedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			workflow_name
		  , cron_expression
		  , next_due_at
		  , active
		  , updated_at
		  , rev
		FROM trigger_schedules
		WHERE workflow_name = $1
	`, workflowName)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %q: %w", workflowName, store.ErrScheduleNotFound)
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	return schedule, nil
}

// Due returns active schedules with a next due time at or before now.
func (r *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.TriggerSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			workflow_name
		  , cron_expression
		  , next_due_at
		  , active
		  , updated_at
		  , rev
		FROM trigger_schedules
		WHERE active AND next_due_at <= $1
		ORDER BY workflow_name
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	schedules := make([]*models.TriggerSchedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(row rowScanner) (*models.TriggerSchedule, error) {
	var schedule models.TriggerSchedule

	err := row.Scan(
		&schedule.WorkflowName,
		&schedule.CronExpression,
		&schedule.NextDueAt,
		&schedule.Active,
		&schedule.UpdatedAt,
		&schedule.Rev,
	)
	if err != nil {
		return nil, err
	}

	return &schedule, nil
}
