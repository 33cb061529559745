// Package web provides the HTTP handlers for the engine's REST and webhook
// surfaces.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/doctorsflow/engage/pkg/cache"
	"github.com/doctorsflow/engage/pkg/campaign"
	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/ratelimit"
	"github.com/doctorsflow/engage/pkg/scheduler"
)

// Enqueuer is the slice of the scheduler the webhook surface drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *scheduler.EnqueueRequest) (string, error)
}

type APIHandlers struct {
	persistence persistence.Persistence
	enqueuer    Enqueuer
	runner      *campaign.Runner
	limiter     ratelimit.Limiter
	cache       cache.Cache
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	p persistence.Persistence,
	enqueuer Enqueuer,
	runner *campaign.Runner,
	limiter ratelimit.Limiter,
	c cache.Cache,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: p,
		enqueuer:    enqueuer,
		runner:      runner,
		limiter:     limiter,
		cache:       c,
		validator:   validate,
		logger:      logger.With("module", "web"),
	}
}

// RegisterRoutes mounts every handler on the app. The api binary and the
// handler tests share this wiring.
func RegisterRoutes(app *fiber.App, h *APIHandlers) {
	app.Get("/health", h.HealthCheck)

	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)

	e := app.Group("/executions")
	e.Get("/", h.GetExecutions)
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/cancel", h.CancelExecution)

	wh := app.Group("/webhooks")
	wh.Get("/", h.GetWebhooks)
	wh.Post("/", h.CreateWebhook)
	wh.Patch("/:id/toggle", h.ToggleWebhook)
	wh.Delete("/:id", h.DeleteWebhook)
	wh.Get("/:id/executions", h.GetWebhookExecutions)
	wh.Post("/:id", h.TriggerWebhook)

	app.Post("/campaigns/:id/execute", h.ExecuteCampaign)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := fiber.StatusOK

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		httpStatus = fiber.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.Workflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows, "total_count": len(workflows)})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.persistence.WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var workflow models.WorkflowDefinition
	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "invalid JSON format")
	}

	if err := h.validator.Struct(workflow); err != nil {
		return badRequest(c, err.Error())
	}

	// Reject graphs the scheduler could never run.
	if _, err := scheduler.Compile(&workflow); err != nil {
		return badRequest(c, err.Error())
	}

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if err := h.persistence.SaveWorkflow(c.Context(), &workflow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.persistence.DeleteWorkflow(c.Context(), c.Params("id")); err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "workflow not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	filter, err := parseExecutionFilter(c)
	if err != nil {
		return badRequest(c, "invalid query parameters: "+err.Error())
	}

	executions, err := h.persistence.Executions(c.Context(), *filter)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
		"pagination": fiber.Map{
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func parseExecutionFilter(c fiber.Ctx) (*models.ExecutionFilter, error) {
	filter := &models.ExecutionFilter{
		WorkflowID: c.Query("workflow_id"),
		PatientID:  c.Query("patient_id"),
		Status:     models.ExecutionStatus(c.Query("status")),
	}

	if fromStr := c.Query("from"); fromStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return nil, err
		}

		filter.CreatedFrom = &from
	}

	if toStr := c.Query("to"); toStr != "" {
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return nil, err
		}

		filter.CreatedTo = &to
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		filter.Offset = offset
	}

	return filter, nil
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, err := h.persistence.ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "execution not found")
		}

		return internalError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	execution, err := h.persistence.ExecutionByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "execution not found")
		}

		return internalError(c, err)
	}

	if execution.Status.Terminal() {
		return badRequest(c, "execution already finished")
	}

	execution.CancelRequested = true
	if err := h.persistence.SaveExecution(c.Context(), execution); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "status": execution.Status})
}

type createWebhookRequest struct {
	Name       string `json:"name"       validate:"required"`
	WorkflowID string `json:"workflow_id"`
	TemplateID string `json:"template_id"`
}

func (h *APIHandlers) GetWebhooks(c fiber.Ctx) error {
	webhooks, err := h.persistence.Webhooks(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"webhooks": webhooks, "total_count": len(webhooks)})
}

func (h *APIHandlers) CreateWebhook(c fiber.Ctx) error {
	var req createWebhookRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if (req.WorkflowID == "") == (req.TemplateID == "") {
		return badRequest(c, "exactly one of workflow_id and template_id is required")
	}

	if req.WorkflowID != "" {
		if _, err := h.persistence.WorkflowByID(c.Context(), req.WorkflowID); err != nil {
			return handleEngineError(c, err)
		}
	}

	if req.TemplateID != "" {
		if _, err := h.persistence.TemplateByID(c.Context(), req.TemplateID); err != nil {
			return handleEngineError(c, err)
		}
	}

	now := time.Now().UTC()
	webhook := &models.Webhook{
		ID:         uuid.NewString(),
		Name:       req.Name,
		WorkflowID: req.WorkflowID,
		TemplateID: req.TemplateID,
		Secret:     newWebhookSecret(),
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	webhook.URL = "/webhooks/" + webhook.ID

	if err := h.persistence.SaveWebhook(c.Context(), webhook); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(webhook)
}

func newWebhookSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)

	return hex.EncodeToString(buf)
}

func (h *APIHandlers) ToggleWebhook(c fiber.Ctx) error {
	webhook, err := h.persistence.WebhookByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "webhook not found")
		}

		return internalError(c, err)
	}

	webhook.Enabled = !webhook.Enabled
	webhook.UpdatedAt = time.Now().UTC()

	if err := h.persistence.SaveWebhook(c.Context(), webhook); err != nil {
		return internalError(c, err)
	}

	_ = h.cache.Delete(c.Context(), webhookCacheKey(webhook.ID))

	return c.JSON(webhook)
}

func (h *APIHandlers) DeleteWebhook(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.persistence.DeleteWebhook(c.Context(), id); err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "webhook not found")
		}

		return internalError(c, err)
	}

	_ = h.cache.Delete(c.Context(), webhookCacheKey(id))

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWebhookExecutions(c fiber.Ctx) error {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "invalid limit")
		}

		limit = parsed
	}

	executions, err := h.persistence.WebhookExecutions(c.Context(), c.Params("id"), limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions, "total_count": len(executions)})
}

type executeCampaignRequest struct {
	PatientIDs []string          `json:"patient_ids"`
	Variables  map[string]string `json:"variables"`
}

// ExecuteCampaign fans a template out over a patient segment right now. An
// empty patient_ids list targets every patient.
func (h *APIHandlers) ExecuteCampaign(c fiber.Ctx) error {
	template, err := h.persistence.TemplateByID(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "template not found")
		}

		return internalError(c, err)
	}

	var req executeCampaignRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "invalid JSON format")
		}
	}

	var patients []*models.Patient

	if len(req.PatientIDs) == 0 {
		patients, err = h.persistence.Patients(c.Context())
		if err != nil {
			return internalError(c, err)
		}
	} else {
		for _, id := range req.PatientIDs {
			patient, err := h.persistence.PatientByID(c.Context(), id)
			if err != nil {
				if persistence.IsNotFound(err) {
					return notFound(c, "patient "+id+" not found")
				}

				return internalError(c, err)
			}

			patients = append(patients, patient)
		}
	}

	result := h.runner.Execute(c.Context(), template, patients, req.Variables)

	return c.JSON(fiber.Map{
		"success":     result.FailedCount == 0,
		"sentCount":   result.SentCount,
		"failedCount": result.FailedCount,
		"errors":      result.Errors,
	})
}
