// Package loader reads workflow definition files from a directory and
// registers them with a store. Files are JSON documents validated against a
// schema before they are parsed, so a malformed file is rejected with a
// precise error instead of a zero-valued definition.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/galeops/gale/pkg/models"
)

// Registrar accepts definitions. Both the scheduler (which also syncs
// trigger schedules) and a bare store satisfy it.
type Registrar interface {
	RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error
}

// Loader registers workflow definition files with a registrar.
type Loader struct {
	registrar Registrar
	logger    *slog.Logger
	schema    *gojsonschema.Schema
}

// NewLoader creates a loader bound to a registrar.
func NewLoader(registrar Registrar, logger *slog.Logger) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definitionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile definition schema: %w", err)
	}

	return &Loader{
		registrar: registrar,
		logger:    logger.With("module", "loader"),
		schema:    schema,
	}, nil
}

// LoadDirectory registers every .json definition file under dir. Files are
// processed in lexical order and the first invalid file aborts the load, so a
// deployment either registers completely or not at all.
func (l *Loader) LoadDirectory(ctx context.Context, dir string) ([]*models.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition directory: %w", err)
	}

	defs := make([]*models.WorkflowDefinition, 0)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		def, err := l.LoadFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	l.logger.InfoContext(ctx, "Loaded workflow definitions", "dir", dir, "count", len(defs))

	return defs, nil
}

// LoadFile validates, parses and registers a single definition file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*models.WorkflowDefinition, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %q: %w", path, err)
	}

	def, err := l.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("definition file %q: %w", path, err)
	}

	err = l.registrar.RegisterDefinition(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to register definition %q: %w", def.Name, err)
	}

	l.logger.InfoContext(ctx, "Registered workflow definition",
		"workflow_name", def.Name,
		"version", def.Version,
		"steps", len(def.Steps),
	)

	return def, nil
}

// Parse validates a JSON document against the definition schema and converts
// it into a workflow definition.
func (l *Loader) Parse(payload []byte) (*models.WorkflowDefinition, error) {
	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDefinition, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", models.ErrDefinition, strings.Join(messages, "; "))
	}

	var file definitionFile

	err = json.Unmarshal(payload, &file)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDefinition, err)
	}

	def, err := file.toModel()
	if err != nil {
		return nil, err
	}

	err = def.Validate()
	if err != nil {
		return nil, err
	}

	return def, nil
}

// definitionFile is the on-disk shape. Durations are human-readable strings
// ("30s", "5m") rather than nanosecond integers.
type definitionFile struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Tags         []string         `json:"tags"`
	Schedule     string           `json:"schedule"`
	DefaultRetry *retryFile       `json:"default_retry"`
	Steps        []stepFile       `json:"steps"`
}

type stepFile struct {
	Name             string         `json:"name"`
	Callable         string         `json:"callable"`
	DependsOn        []string       `json:"depends_on"`
	Args             map[string]any `json:"args"`
	Retry            *retryFile     `json:"retry"`
	ExecutionTimeout string         `json:"execution_timeout"`
	DispatchTimeout  string         `json:"dispatch_timeout"`
}

type retryFile struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

func (f *definitionFile) toModel() (*models.WorkflowDefinition, error) {
	def := &models.WorkflowDefinition{
		Name:        f.Name,
		Description: f.Description,
		Tags:        f.Tags,
		Trigger:     models.TriggerSpec{Schedule: f.Schedule},
		Steps:       make([]*models.StepDefinition, 0, len(f.Steps)),
	}

	if f.DefaultRetry != nil {
		policy, err := f.DefaultRetry.toModel()
		if err != nil {
			return nil, fmt.Errorf("%w: default_retry: %w", models.ErrDefinition, err)
		}

		def.DefaultRetry = *policy
	}

	for _, step := range f.Steps {
		stepDef := &models.StepDefinition{
			Name:      step.Name,
			Callable:  step.Callable,
			DependsOn: step.DependsOn,
			Args:      step.Args,
		}

		if step.Retry != nil {
			policy, err := step.Retry.toModel()
			if err != nil {
				return nil, fmt.Errorf("%w: step %q retry: %w", models.ErrDefinition, step.Name, err)
			}

			stepDef.Retry = policy
		}

		var err error

		stepDef.ExecutionTimeout, err = parseDuration(step.ExecutionTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q execution_timeout: %w", models.ErrDefinition, step.Name, err)
		}

		stepDef.DispatchTimeout, err = parseDuration(step.DispatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q dispatch_timeout: %w", models.ErrDefinition, step.Name, err)
		}

		def.Steps = append(def.Steps, stepDef)
	}

	return def, nil
}

func (f *retryFile) toModel() (*models.RetryPolicy, error) {
	policy := &models.RetryPolicy{MaxAttempts: f.MaxAttempts}

	var err error

	policy.BaseDelay, err = parseDuration(f.BaseDelay)
	if err != nil {
		return nil, fmt.Errorf("base_delay: %w", err)
	}

	policy.MaxDelay, err = parseDuration(f.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("max_delay: %w", err)
	}

	return policy, nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	return time.ParseDuration(value)
}
