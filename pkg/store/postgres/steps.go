package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// StepRepository stores step instances with compare-and-swap updates on the
// rev column.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

// Create inserts a step instance at rev 1.
func (r *StepRepository) Create(ctx context.Context, step *models.StepInstance) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_instances (id, run_id, step_name, state, attempt, last_error, worker_id, eligible_at, dispatched_at, completed_at, rev)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	`, step.ID, step.RunID, step.StepName, step.State, step.Attempt, step.LastError,
		step.WorkerID, step.EligibleAt, step.DispatchedAt, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}

	step.Rev = 1

	return nil
}

// Get returns a step instance by ID.
func (r *StepRepository) Get(ctx context.Context, id string) (*models.StepInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			id
		  , run_id
		  , step_name
		  , state
		  , attempt
		  , last_error
		  , worker_id
		  , eligible_at
		  , dispatched_at
		  , completed_at
		  , rev
		FROM step_instances
		WHERE id = $1
	`, id)

	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("step %q: %w", id, store.ErrStepNotFound)
		}

		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	return step, nil
}

// Update writes a step instance back with a compare-and-swap on rev.
func (r *StepRepository) Update(ctx context.Context, step *models.StepInstance) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE step_instances
		SET state = $2, attempt = $3, last_error = $4, worker_id = $5,
			eligible_at = $6, dispatched_at = $7, completed_at = $8, rev = rev + 1
		WHERE id = $1 AND rev = $9
	`, step.ID, step.State, step.Attempt, step.LastError, step.WorkerID,
		step.EligibleAt, step.DispatchedAt, step.CompletedAt, step.Rev)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM step_instances WHERE id = $1)", step.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check step existence: %w", err)
		}

		if !exists {
			return fmt.Errorf("step %q: %w", step.ID, store.ErrStepNotFound)
		}

		return fmt.Errorf("step %q: %w", step.ID, store.ErrVersionConflict)
	}

	step.Rev++

	return nil
}

// OfRun returns every step instance of a run in creation order.
func (r *StepRepository) OfRun(ctx context.Context, runID string) ([]*models.StepInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , run_id
		  , step_name
		  , state
		  , attempt
		  , last_error
		  , worker_id
		  , eligible_at
		  , dispatched_at
		  , completed_at
		  , rev
		FROM step_instances
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.StepInstance, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		steps = append(steps, step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func scanStep(row rowScanner) (*models.StepInstance, error) {
	var step models.StepInstance

	err := row.Scan(
		&step.ID,
		&step.RunID,
		&step.StepName,
		&step.State,
		&step.Attempt,
		&step.LastError,
		&step.WorkerID,
		&step.EligibleAt,
		&step.DispatchedAt,
		&step.CompletedAt,
		&step.Rev,
	)
	if err != nil {
		return nil, err
	}

	return &step, nil
}
