// Package postgres provides the PostgreSQL-backed store. Revision columns
// implement the compare-and-swap contract and a partial unique index enforces
// the single active run per workflow policy.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
	"github.com/galeops/gale/pkg/store/sqlbase"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db             *sql.DB
	logger         *slog.Logger
	definitionRepo *DefinitionRepository
	scheduleRepo   *ScheduleRepository
	runRepo        *RunRepository
	stepRepo       *StepRepository
}

// NewStore connects to PostgreSQL and runs pending migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:             database,
		logger:         logger,
		definitionRepo: NewDefinitionRepository(database, logger),
		scheduleRepo:   NewScheduleRepository(database, logger),
		runRepo:        NewRunRepository(database, logger),
		stepRepo:       NewStepRepository(database, logger),
	}, nil
}

func (s *Store) RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	return s.definitionRepo.Register(ctx, def)
}

func (s *Store) Definition(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	return s.definitionRepo.Latest(ctx, name)
}

func (s *Store) DefinitionVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	return s.definitionRepo.Version(ctx, name, version)
}

func (s *Store) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.definitionRepo.All(ctx)
}

func (s *Store) SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error {
	return s.scheduleRepo.Save(ctx, schedule)
}

func (s *Store) Schedule(ctx context.Context, workflowName string) (*models.TriggerSchedule, error) {
	return s.scheduleRepo.Get(ctx, workflowName)
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.TriggerSchedule, error) {
	return s.scheduleRepo.Due(ctx, now)
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	return s.runRepo.Create(ctx, run)
}

func (s *Store) Run(ctx context.Context, id string) (*models.Run, error) {
	return s.runRepo.Get(ctx, id)
}

func (s *Store) UpdateRun(ctx context.Context, run *models.Run) error {
	return s.runRepo.Update(ctx, run)
}

func (s *Store) ListRuns(ctx context.Context, opts store.ListRunsOptions) ([]*models.Run, error) {
	return s.runRepo.List(ctx, opts)
}

func (s *Store) ActiveRun(ctx context.Context, workflowName string) (*models.Run, error) {
	return s.runRepo.Active(ctx, workflowName)
}

func (s *Store) LiveRuns(ctx context.Context) ([]*models.Run, error) {
	return s.runRepo.Live(ctx)
}

func (s *Store) CreateStep(ctx context.Context, step *models.StepInstance) error {
	return s.stepRepo.Create(ctx, step)
}

func (s *Store) Step(ctx context.Context, id string) (*models.StepInstance, error) {
	return s.stepRepo.Get(ctx, id)
}

func (s *Store) UpdateStep(ctx context.Context, step *models.StepInstance) error {
	return s.stepRepo.Update(ctx, step)
}

func (s *Store) StepsOfRun(ctx context.Context, runID string) ([]*models.StepInstance, error) {
	return s.stepRepo.OfRun(ctx, runID)
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(ctx context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
