// Package web provides the HTTP handlers for run management and the
// validation callback endpoint.
package web

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/vigil-hq/vigil/pkg/auth"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/eventbus"
	"github.com/vigil-hq/vigil/pkg/events"
	"github.com/vigil-hq/vigil/pkg/models"
	"github.com/vigil-hq/vigil/pkg/persistence"
)

type APIHandlers struct {
	persistence persistence.Persistence
	callbacks   *callback.Service
	verifier    auth.Verifier
	eventBus    eventbus.EventBus
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	callbacks *callback.Service,
	verifier auth.Verifier,
	eventBus eventbus.EventBus,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		callbacks:   callbacks,
		verifier:    verifier,
		eventBus:    eventBus,
		validator:   validate,
		logger:      logger,
	}
}

// PostCallback receives a completion notification from an external
// execution. Auth failures and run-id mismatches return 401 without any
// state mutation.
func (h *APIHandlers) PostCallback(c fiber.Ctx) error {
	var req callback.Request

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid callback payload: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if h.verifier != nil {
		claims, err := h.verifyToken(c)
		if err != nil {
			return handleServiceError(c, err)
		}

		if claims.RunID != req.RunID {
			return unauthorized(c, "token is not scoped to this run")
		}
	}

	response, err := h.callbacks.Process(c.Context(), &req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(response)
}

func (h *APIHandlers) verifyToken(c fiber.Ctx) (*auth.Claims, error) {
	header := c.Get("Authorization")

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, &auth.AuthError{Reason: "missing bearer token"}
	}

	return h.verifier.Verify(token)
}

// CreateRun accepts a submission and enqueues a validation run.
func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	var req CreateRunRequest

	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := h.persistence.ValidatorByID(c.Context(), req.ValidatorID); err != nil {
		return handleServiceError(c, err)
	}

	run := &models.ValidationRun{
		SubmissionID:   req.SubmissionID,
		ValidatorID:    req.ValidatorID,
		OrganizationID: req.OrganizationID,
		Status:         models.RunStatusPending,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
	}

	if err := h.persistence.CreateRun(c.Context(), run); err != nil {
		return internalError(c, err)
	}

	h.publishQueued(c, run)

	return c.Status(fiber.StatusCreated).JSON(CreateRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
	})
}

func (h *APIHandlers) publishQueued(c fiber.Ctx, run *models.ValidationRun) {
	if h.eventBus == nil {
		return
	}

	event := events.RunQueued{
		BaseEvent: events.BaseEvent{
			ID:        h.eventBus.GenerateID(),
			Type:      events.RunQueuedEvent,
			Timestamp: time.Now().UTC(),
			RunID:     run.ID,
		},
		SubmissionID: run.SubmissionID,
		ValidatorID:  run.ValidatorID,
	}

	if err := h.eventBus.Publish(c.Context(), run.ID, event); err != nil {
		h.logger.ErrorContext(c.Context(), "failed to publish run queued event", "run_id", run.ID, "error", err)
	}
}

// GetRun returns a run with its step runs, display-ordered findings and
// summary.
func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	runID := c.Params("id")

	run, err := h.persistence.RunByID(c.Context(), runID)
	if err != nil {
		return handleServiceError(c, err)
	}

	steps, err := h.persistence.StepRuns(c.Context(), runID)
	if err != nil {
		return internalError(c, err)
	}

	findings, err := h.persistence.FindingsForRun(c.Context(), runID)
	if err != nil {
		return internalError(c, err)
	}

	models.SortFindingsForDisplay(findings)

	summary, err := h.persistence.SummaryForRun(c.Context(), runID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(RunResponse{
		Run:      run,
		Steps:    steps,
		Findings: findings,
		Summary:  summary,
	})
}

// CancelRun requests cooperative cancellation. The orchestrator
// observes the flipped status at the next step boundary.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	runID := c.Params("id")

	err := h.persistence.FinalizeRun(c.Context(), runID, func(fresh *models.ValidationRun) (bool, error) {
		if fresh.Status.IsTerminal() {
			return false, nil
		}

		now := time.Now().UTC()
		fresh.Status = models.RunStatusCanceled
		fresh.FailureCategory = models.FailureCancelled
		fresh.EndedAt = &now

		return true, nil
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"message": "cancellation requested"})
}

// HealthCheck reports persistence health.
func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unhealthy", "error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
