package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// DefinitionRepository stores workflow definitions as immutable versioned
// JSONB documents. The definition never changes after registration, so a
// document column beats a normalized table here: reads reconstruct the exact
// registered graph with one scan.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

// Register inserts the next version of a named definition. The version is
// assigned inside a transaction so concurrent registrations of the same name
// serialize on the primary key instead of silently overwriting each other.
func (r *DefinitionRepository) Register(ctx context.Context, def *models.WorkflowDefinition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var latest int

	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = $1", def.Name,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to query latest definition version: %w", err)
	}

	def.Version = latest + 1
	def.CreatedAt = time.Now().UTC()

	spec, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (name, version, spec, created_at)
		VALUES ($1, $2, $3, $4)
	`, def.Name, def.Version, spec, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit definition: %w", err)
	}

	return nil
}

// Latest returns the newest version of a named definition.
func (r *DefinitionRepository) Latest(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT spec
		FROM workflow_definitions
		WHERE name = $1
		ORDER BY version DESC
		LIMIT 1
	`, name)

	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("definition %q: %w", name, store.ErrWorkflowNotFound)
		}

		return nil, err
	}

	return def, nil
}

// Version returns one specific registered version.
func (r *DefinitionRepository) Version(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT spec
		FROM workflow_definitions
		WHERE name = $1 AND version = $2
	`, name, version)

	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("definition %q version %d: %w", name, version, store.ErrWorkflowNotFound)
		}

		return nil, err
	}

	return def, nil
}

// All returns the latest version of every registered workflow.
func (r *DefinitionRepository) All(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (name) spec
		FROM workflow_definitions
		ORDER BY name, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	defs := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var spec []byte

	err := row.Scan(&spec)
	if err != nil {
		return nil, err
	}

	var def models.WorkflowDefinition

	err = json.Unmarshal(spec, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &def, nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
