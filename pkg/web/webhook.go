package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/moogar0880/problems"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/scheduler"
)

const (
	signatureHeader = "X-Webhook-Signature"
	webhookCacheTTL = time.Minute
)

func webhookCacheKey(id string) string {
	return "webhook:" + id
}

// TriggerWebhook is the ingress endpoint. Rate limiting runs first and its
// rejections leave no trace; everything after the limiter is recorded as a
// WebhookExecution audit row.
func (h *APIHandlers) TriggerWebhook(c fiber.Ctx) error {
	webhook, err := h.lookupWebhook(c.Context(), c.Params("id"))
	if err != nil {
		if persistence.IsNotFound(err) {
			return notFound(c, "webhook not found")
		}

		return internalError(c, err)
	}

	if !webhook.Enabled {
		return notFound(c, "webhook not found")
	}

	verdict, err := h.limiter.Allow(c.Context(), webhook.ID)
	if err != nil {
		return internalError(c, err)
	}

	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", verdict.Remaining))
	c.Set("X-RateLimit-Reset", verdict.ResetAt.UTC().Format(time.RFC3339))

	if !verdict.Allowed {
		problem := problems.NewStatusProblem(429).
			WithInstance(c.Path()).
			WithType("rate_limited").
			WithDetail("webhook rate limit exceeded")

		// Callers get the limiter state in the body as well as the headers.
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"type":      problem.Type,
			"title":     problem.Title,
			"status":    problem.Status,
			"detail":    problem.Detail,
			"instance":  problem.Instance,
			"remaining": verdict.Remaining,
			"resetTime": verdict.ResetAt.UTC().Format(time.RFC3339),
		})
	}

	body := c.Body()
	started := time.Now()

	if signature := c.Get(signatureHeader); signature != "" {
		if !validSignature(webhook.Secret, body, signature) {
			h.recordWebhookExecution(c.Context(), webhook.ID, started, nil, nil, "invalid signature")

			return unauthorized(c, "invalid signature")
		}
	}

	payload, err := normalizeWebhookPayload(body)
	if err != nil {
		h.recordWebhookExecution(c.Context(), webhook.ID, started, rawPayload(body), nil, err.Error())

		return badRequest(c, err.Error())
	}

	webhookExecutionID := uuid.NewString()

	response, err := h.fireWebhook(c.Context(), webhook, payload, webhookExecutionID)

	errMessage := ""
	if err != nil {
		errMessage = err.Error()
	}

	h.closeWebhookExecution(c.Context(), &models.WebhookExecution{
		ID:           webhookExecutionID,
		WebhookID:    webhook.ID,
		Payload:      payload.Raw,
		Response:     response,
		ErrorMessage: errMessage,
	}, started)

	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(response)
}

// fireWebhook runs the webhook's bound path: a workflow enqueue or a lifted
// legacy template send.
func (h *APIHandlers) fireWebhook(ctx context.Context, webhook *models.Webhook, payload *webhookPayload, webhookExecutionID string) (map[string]any, error) {
	if webhook.TemplateID != "" {
		return h.fireTemplate(ctx, webhook, payload)
	}

	workflow, err := h.persistence.WorkflowByID(ctx, webhook.WorkflowID)
	if err != nil {
		return nil, err
	}

	jobID, err := h.enqueuer.Enqueue(ctx, &scheduler.EnqueueRequest{
		Workflow:      workflow,
		PatientID:     payload.PatientID,
		AppointmentID: payload.AppointmentID,
		Fingerprint:   fmt.Sprintf("%s:%s:%s", workflow.ID, payload.PatientID, webhookExecutionID),
		Variables:     payload.Variables,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "jobId": jobID}, nil
}

func (h *APIHandlers) fireTemplate(ctx context.Context, webhook *models.Webhook, payload *webhookPayload) (map[string]any, error) {
	template, err := h.persistence.TemplateByID(ctx, webhook.TemplateID)
	if err != nil {
		return nil, err
	}

	patient, err := h.persistence.PatientByID(ctx, payload.PatientID)
	if err != nil {
		return nil, err
	}

	result := h.runner.ExecuteForPatient(ctx, template, patient, payload.Variables)

	response := map[string]any{
		"success":     result.FailedCount == 0,
		"sentCount":   result.SentCount,
		"failedCount": result.FailedCount,
	}
	if len(result.Errors) > 0 {
		response["errors"] = result.Errors
	}

	if result.FailedCount > 0 && result.SentCount == 0 {
		return response, errors.New("all template messages failed")
	}

	return response, nil
}

// lookupWebhook serves webhook definitions through the cache so ingress
// bursts do not hammer the store.
func (h *APIHandlers) lookupWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	if cached, ok, err := h.cache.Get(ctx, webhookCacheKey(id)); err == nil && ok {
		var webhook models.Webhook
		if err := json.Unmarshal([]byte(cached), &webhook); err == nil {
			return &webhook, nil
		}
	}

	webhook, err := h.persistence.WebhookByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(webhook); err == nil {
		_ = h.cache.Set(ctx, webhookCacheKey(id), string(encoded), webhookCacheTTL)
	}

	return webhook, nil
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

func rawPayload(body []byte) map[string]any {
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	return payload
}

// recordWebhookExecution writes a failed audit row for requests rejected
// before a path could run.
func (h *APIHandlers) recordWebhookExecution(ctx context.Context, webhookID string, started time.Time, payload, response map[string]any, errMessage string) {
	completed := time.Now()

	execution := &models.WebhookExecution{
		ID:              uuid.NewString(),
		WebhookID:       webhookID,
		Status:          models.WebhookExecutionFailed,
		Payload:         payload,
		Response:        response,
		ErrorMessage:    errMessage,
		ExecutionTimeMS: completed.Sub(started).Milliseconds(),
		CreatedAt:       started,
		CompletedAt:     &completed,
	}

	if err := h.persistence.SaveWebhookExecution(ctx, execution); err != nil {
		h.logger.ErrorContext(ctx, "failed to record webhook execution", "webhook_id", webhookID, "error", err)
	}
}

func (h *APIHandlers) closeWebhookExecution(ctx context.Context, execution *models.WebhookExecution, started time.Time) {
	completed := time.Now()

	execution.Status = models.WebhookExecutionCompleted
	if execution.ErrorMessage != "" {
		execution.Status = models.WebhookExecutionFailed
	}

	execution.ExecutionTimeMS = completed.Sub(started).Milliseconds()
	execution.CreatedAt = started
	execution.CompletedAt = &completed

	if err := h.persistence.SaveWebhookExecution(ctx, execution); err != nil {
		h.logger.ErrorContext(ctx, "failed to record webhook execution", "webhook_id", execution.WebhookID, "error", err)
	}
}
