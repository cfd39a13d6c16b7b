package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

// Orchestrator is the slice of scheduler behavior the API needs: everything
// that mutates runs goes through it so the state machine rules live in one
// place.
type Orchestrator interface {
	RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	CreateRun(ctx context.Context, workflowName string, cause models.RunCause) (*models.Run, error)
	CancelRun(ctx context.Context, runID string) error
}

type APIHandlers struct {
	orchestrator Orchestrator
	store        store.Store
	validator    *validator.Validate
}

func NewAPIHandlers(orchestrator Orchestrator, st store.Store, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		store:        st,
		validator:    validator,
	}
}

// Router mounts all API routes on a fiber app.
func (h *APIHandlers) Router(app *fiber.App) {
	runs := app.Group("/runs")
	runs.Post("/", h.TriggerRun)
	runs.Get("/", h.ListRuns)
	runs.Get("/:id", h.GetRun)
	runs.Post("/:id/cancel", h.CancelRun)

	workflows := app.Group("/workflows")
	workflows.Get("/", h.GetWorkflows)
	workflows.Post("/", h.RegisterWorkflow)
	workflows.Get("/:name", h.GetWorkflow)

	app.Get("/health", h.HealthCheck)
}

// TriggerRun starts a run on demand.
func (h *APIHandlers) TriggerRun(c fiber.Ctx) error {
	var req TriggerRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.orchestrator.CreateRun(c.Context(), req.WorkflowName, models.RunCauseManual)
	if err != nil {
		switch {
		case store.IsWorkflowNotFound(err):
			return notFound(c, "Workflow not found")
		case store.IsRunAlreadyActive(err):
			return conflict(c, "Workflow already has an active run")
		default:
			return internalError(c, err)
		}
	}

	return c.Status(fiber.StatusCreated).JSON(TransformRunResponse(run))
}

// GetRun returns one run with its step instances.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")

	run, err := h.store.Run(c.Context(), id)
	if err != nil {
		if store.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	steps, err := h.store.StepsOfRun(c.Context(), run.ID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(TransformRunDetailResponse(run, steps))
}

// ListRuns returns a reverse-chronological page of runs, optionally filtered
// by workflow name. Paging uses a "before" timestamp cursor rather than
// offsets so pages stay stable while new runs are created.
func (h *APIHandlers) ListRuns(c fiber.Ctx) error {
	opts := store.ListRunsOptions{WorkflowName: c.Query("workflow_name")}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return badRequest(c, "Invalid limit parameter")
		}

		opts.Limit = limit
	}

	if beforeStr := c.Query("before"); beforeStr != "" {
		before, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return badRequest(c, "Invalid before parameter, expected RFC 3339 timestamp")
		}

		opts.Before = before
	}

	runs, err := h.store.ListRuns(c.Context(), opts)
	if err != nil {
		return internalError(c, err)
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, TransformRunResponse(run))
	}

	return c.JSON(fiber.Map{"runs": responses})
}

// CancelRun cancels a run. Cancelling an already-terminal run is a no-op and
// returns the current state.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")

	err := h.orchestrator.CancelRun(c.Context(), id)
	if err != nil {
		if store.IsRunNotFound(err) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	run, err := h.store.Run(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(TransformRunResponse(run))
}

// RegisterWorkflow registers a new definition version.
func (h *APIHandlers) RegisterWorkflow(c fiber.Ctx) error {
	var def models.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	err := h.orchestrator.RegisterDefinition(c.Context(), &def)
	if err != nil {
		if models.IsDefinitionError(err) {
			return badRequest(c, err.Error())
		}

		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

// GetWorkflows returns the latest version of every registered workflow.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	defs, err := h.store.Definitions(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": defs})
}

// GetWorkflow returns the latest version of a named workflow.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	name := c.Params("name")

	def, err := h.store.Definition(c.Context(), name)
	if err != nil {
		if store.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(def)
}

// HealthCheck reports API and store health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())

	status := "healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
