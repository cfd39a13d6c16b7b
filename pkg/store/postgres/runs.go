package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

const uniqueViolation = pq.ErrorCode("23505")

// RunRepository stores runs. Inserts collide with the partial unique index on
// active runs, which is how the single-instance policy survives concurrent
// scheduler replicas.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create inserts a run at rev 1. A workflow with a non-terminal run rejects
// the insert with ErrRunAlreadyActive.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, workflow_version, state, cause, started_at, ended_at, rev)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`, run.ID, run.WorkflowName, run.WorkflowVersion, run.State, run.Cause, run.StartedAt, run.EndedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "idx_runs_single_active" {
			return fmt.Errorf("workflow %q: %w", run.WorkflowName, store.ErrRunAlreadyActive)
		}

		return fmt.Errorf("failed to insert run: %w", err)
	}

	run.Rev = 1

	return nil
}

// Get returns a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			id
		  , workflow_name
		  , workflow_version
		  , state
		  , cause
		  , started_at
		  , ended_at
		  , rev
		FROM runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %q: %w", id, store.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// Update writes a run back with a compare-and-swap on rev.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET state = $2, ended_at = $3, rev = rev + 1
		WHERE id = $1 AND rev = $4
	`, run.ID, run.State, run.EndedAt, run.Rev)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)", run.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check run existence: %w", err)
		}

		if !exists {
			return fmt.Errorf("run %q: %w", run.ID, store.ErrRunNotFound)
		}

		return fmt.Errorf("run %q: %w", run.ID, store.ErrVersionConflict)
	}

	run.Rev++

	return nil
}

// List returns a reverse-chronological page of runs.
func (r *RunRepository) List(ctx context.Context, opts store.ListRunsOptions) ([]*models.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			id
		  , workflow_name
		  , workflow_version
		  , state
		  , cause
		  , started_at
		  , ended_at
		  , rev
		FROM runs
		WHERE ($1 = '' OR workflow_name = $1)
		  AND (CAST($2 AS TIMESTAMP WITH TIME ZONE) IS NULL OR started_at < $2)
		ORDER BY started_at DESC, id DESC
		LIMIT $3
	`

	var before any
	if !opts.Before.IsZero() {
		before = opts.Before
	}

	rows, err := r.db.QueryContext(ctx, query, opts.WorkflowName, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return collectRuns(rows)
}

// Active returns the non-terminal run of a workflow, or nil.
func (r *RunRepository) Active(ctx context.Context, workflowName string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			id
		  , workflow_name
		  , workflow_version
		  , state
		  , cause
		  , started_at
		  , ended_at
		  , rev
		FROM runs
		WHERE workflow_name = $1 AND state NOT IN ('succeeded', 'failed', 'cancelled')
	`, workflowName)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	return run, nil
}

// Live returns every non-terminal run across workflows.
func (r *RunRepository) Live(ctx context.Context) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			id
		  , workflow_name
		  , workflow_version
		  , state
		  , cause
		  , started_at
		  , ended_at
		  , rev
		FROM runs
		WHERE state NOT IN ('succeeded', 'failed', 'cancelled')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*models.Run, error) {
	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run

	err := row.Scan(
		&run.ID,
		&run.WorkflowName,
		&run.WorkflowVersion,
		&run.State,
		&run.Cause,
		&run.StartedAt,
		&run.EndedAt,
		&run.Rev,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}
