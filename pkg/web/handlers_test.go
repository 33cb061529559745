package web_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctorsflow/engage/pkg/cache"
	"github.com/doctorsflow/engage/pkg/campaign"
	"github.com/doctorsflow/engage/pkg/dispatch"
	"github.com/doctorsflow/engage/pkg/eventbus"
	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/persistence/file"
	"github.com/doctorsflow/engage/pkg/ratelimit"
	"github.com/doctorsflow/engage/pkg/scheduler"
	"github.com/doctorsflow/engage/pkg/web"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, eventbus.Event) error { return nil }

type recordingSender struct {
	requests []*dispatch.Request
}

func (r *recordingSender) Dispatch(_ context.Context, req *dispatch.Request) (*dispatch.Outcome, error) {
	r.requests = append(r.requests, req)

	return &dispatch.Outcome{Channel: req.Channel, Attempts: 1}, nil
}

type testHarness struct {
	app    *fiber.App
	store  persistence.Persistence
	sender *recordingSender
}

func setupTestApp(t *testing.T, limit int) *testHarness {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	sender := &recordingSender{}
	logger := slog.Default()

	handlers := web.NewAPIHandlers(
		store,
		scheduler.NewScheduler(store, nopPublisher{}, logger),
		campaign.NewRunner(sender, logger),
		ratelimit.NewWindowLimiter(limit, time.Minute),
		cache.NewMemoryCache(),
		validator.New(validator.WithRequiredStructEnabled()),
		logger,
	)

	app := fiber.New()
	web.RegisterRoutes(app, handlers)

	return &testHarness{app: app, store: store, sender: sender}
}

func (h *testHarness) seedWorkflowWebhook(t *testing.T) *models.Webhook {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.store.SaveWorkflow(ctx, &models.WorkflowDefinition{
		ID:     "wf-care",
		Name:   "post surgery care",
		Active: true,
		Trigger: models.TriggerDescriptor{
			Type: models.TriggerWebhook,
		},
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Kind: models.NodeKindTrigger},
			{ID: "msg-1", Kind: models.NodeKindAction, Channel: models.ChannelKakao, Content: "{{name}}님 안내드립니다."},
		},
		Edges: []*models.WorkflowEdge{{Source: "trigger", Target: "msg-1"}},
	}))

	require.NoError(t, h.store.SavePatient(ctx, &models.Patient{
		ID: "p-1", Name: "김영희", Phone: "01012345678",
	}))

	webhook := &models.Webhook{
		ID:         "wh-1",
		Name:       "emr sync",
		WorkflowID: "wf-care",
		Secret:     "test-secret",
		Enabled:    true,
	}
	require.NoError(t, h.store.SaveWebhook(ctx, webhook))

	return webhook
}

func postWebhook(t *testing.T, app *fiber.App, id string, body []byte, signature string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+id, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	return decoded
}

func TestTriggerWebhookWorkflowPath(t *testing.T) {
	h := setupTestApp(t, 10)
	h.seedWorkflowWebhook(t)

	body := []byte(`{"patient_id": "p-1"}`)

	resp := postWebhook(t, h.app, "wh-1", body, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeJSON(t, resp)
	assert.Equal(t, true, decoded["success"])
	assert.NotEmpty(t, decoded["jobId"])

	executions, err := h.store.Executions(context.Background(), models.ExecutionFilter{PatientID: "p-1"})
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, models.ExecutionPending, executions[0].Status)

	audits, err := h.store.WebhookExecutions(context.Background(), "wh-1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.WebhookExecutionCompleted, audits[0].Status)
	assert.GreaterOrEqual(t, audits[0].ExecutionTimeMS, int64(0))
}

func TestTriggerWebhookNestedPatientID(t *testing.T) {
	h := setupTestApp(t, 10)
	h.seedWorkflowWebhook(t)

	resp := postWebhook(t, h.app, "wh-1", []byte(`{"patient": {"id": "p-1"}}`), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_ = resp.Body.Close()
}

func TestTriggerWebhookValidSignature(t *testing.T) {
	h := setupTestApp(t, 10)
	webhook := h.seedWorkflowWebhook(t)

	body := []byte(`{"patient_id": "p-1"}`)

	resp := postWebhook(t, h.app, "wh-1", body, sign(webhook.Secret, body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_ = resp.Body.Close()
}

func TestTriggerWebhookBadSignature(t *testing.T) {
	h := setupTestApp(t, 10)
	h.seedWorkflowWebhook(t)

	body := []byte(`{"patient_id": "p-1"}`)

	resp := postWebhook(t, h.app, "wh-1", body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_ = resp.Body.Close()

	// The rejection is audited but no workflow execution exists.
	audits, err := h.store.WebhookExecutions(context.Background(), "wh-1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.WebhookExecutionFailed, audits[0].Status)

	executions, err := h.store.Executions(context.Background(), models.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestTriggerWebhookRateLimitBoundary(t *testing.T) {
	h := setupTestApp(t, 2)
	h.seedWorkflowWebhook(t)

	first := postWebhook(t, h.app, "wh-1", []byte(`{"patient_id": "p-1"}`), "")
	assert.Equal(t, http.StatusOK, first.StatusCode)
	_ = first.Body.Close()

	second := postWebhook(t, h.app, "wh-1", []byte(`{"patient_id": "p-1"}`), "")
	_ = second.Body.Close()

	third := postWebhook(t, h.app, "wh-1", []byte(`{"patient_id": "p-1"}`), "")
	assert.Equal(t, http.StatusTooManyRequests, third.StatusCode)
	assert.Equal(t, "0", third.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, third.Header.Get("X-RateLimit-Reset"))

	// The limiter state also rides in the response body.
	rejection := decodeJSON(t, third)
	assert.Equal(t, float64(0), rejection["remaining"])
	assert.NotEmpty(t, rejection["resetTime"])

	// Rate-limited requests leave no audit row.
	audits, err := h.store.WebhookExecutions(context.Background(), "wh-1", 10)
	require.NoError(t, err)
	assert.Len(t, audits, 2)
}

func TestTriggerWebhookInvalidPayload(t *testing.T) {
	h := setupTestApp(t, 10)
	h.seedWorkflowWebhook(t)

	resp := postWebhook(t, h.app, "wh-1", []byte(`{"note": "no patient"}`), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_ = resp.Body.Close()

	audits, err := h.store.WebhookExecutions(context.Background(), "wh-1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, models.WebhookExecutionFailed, audits[0].Status)
}

func TestTriggerWebhookDisabled(t *testing.T) {
	h := setupTestApp(t, 10)
	webhook := h.seedWorkflowWebhook(t)

	webhook.Enabled = false
	require.NoError(t, h.store.SaveWebhook(context.Background(), webhook))

	resp := postWebhook(t, h.app, "wh-1", []byte(`{"patient_id": "p-1"}`), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_ = resp.Body.Close()
}

func TestTriggerWebhookTemplatePath(t *testing.T) {
	h := setupTestApp(t, 10)
	ctx := context.Background()

	require.NoError(t, h.store.SavePatient(ctx, &models.Patient{
		ID: "p-1", Name: "김영희", Phone: "01012345678",
	}))
	require.NoError(t, h.store.SaveTemplate(ctx, &models.Template{
		ID:      "tpl-1",
		Name:    "검진 안내",
		Enabled: true,
		Messages: []models.TemplateMessage{
			{Channel: models.ChannelSMS, Content: "{{name}}님, 검진 안내입니다."},
		},
	}))
	require.NoError(t, h.store.SaveWebhook(ctx, &models.Webhook{
		ID: "wh-tpl", Name: "template hook", TemplateID: "tpl-1", Secret: "s", Enabled: true,
	}))

	resp := postWebhook(t, h.app, "wh-tpl", []byte(`{"patient_id": "p-1"}`), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeJSON(t, resp)
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, float64(1), decoded["sentCount"])
	assert.Equal(t, float64(0), decoded["failedCount"])

	require.Len(t, h.sender.requests, 1)
	assert.Equal(t, "김영희님, 검진 안내입니다.", h.sender.requests[0].Content)
}

func TestGetExecutionsFilters(t *testing.T) {
	h := setupTestApp(t, 10)
	ctx := context.Background()

	for i, status := range []models.ExecutionStatus{models.ExecutionCompleted, models.ExecutionRunning} {
		require.NoError(t, h.store.SaveExecution(ctx, &models.WorkflowExecution{
			ID:          "ex-" + string(rune('a'+i)),
			WorkflowID:  "wf-care",
			PatientID:   "p-1",
			Fingerprint: "fp-" + string(rune('a'+i)),
			Status:      status,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/executions/?status=running", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)

	decoded := decodeJSON(t, resp)
	assert.Equal(t, float64(1), decoded["total_count"])
}

func TestCancelExecution(t *testing.T) {
	h := setupTestApp(t, 10)
	ctx := context.Background()

	require.NoError(t, h.store.SaveExecution(ctx, &models.WorkflowExecution{
		ID: "ex-1", WorkflowID: "wf-care", PatientID: "p-1",
		Fingerprint: "fp-1", Status: models.ExecutionRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodPost, "/executions/ex-1/cancel", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_ = resp.Body.Close()

	execution, err := h.store.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.True(t, execution.CancelRequested)
}

func TestCreateWebhookGeneratesSecret(t *testing.T) {
	h := setupTestApp(t, 10)
	h.seedWorkflowWebhook(t)

	body, err := json.Marshal(map[string]string{
		"name":        "new hook",
		"workflow_id": "wf-care",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	decoded := decodeJSON(t, resp)
	assert.Len(t, decoded["secret"], 64)
	assert.Contains(t, decoded["url"], "/webhooks/")
}

func TestCreateWebhookRequiresExactlyOneTarget(t *testing.T) {
	h := setupTestApp(t, 10)

	body, err := json.Marshal(map[string]string{"name": "bad hook"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_ = resp.Body.Close()
}

func TestExecuteCampaignEndpoint(t *testing.T) {
	h := setupTestApp(t, 10)
	ctx := context.Background()

	require.NoError(t, h.store.SaveTemplate(ctx, &models.Template{
		ID:      "tpl-1",
		Name:    "재방문 안내",
		Enabled: true,
		Messages: []models.TemplateMessage{
			{Channel: models.ChannelBoth, Content: "{{name}}님, 재방문을 안내드립니다."},
		},
	}))
	require.NoError(t, h.store.SavePatient(ctx, &models.Patient{ID: "p-1", Name: "김영희", Phone: "01011112222"}))
	require.NoError(t, h.store.SavePatient(ctx, &models.Patient{ID: "p-2", Name: "이철수", Phone: "01033334444"}))

	req := httptest.NewRequest(http.MethodPost, "/campaigns/tpl-1/execute", nil)
	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	decoded := decodeJSON(t, resp)
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, float64(2), decoded["sentCount"])
	assert.Len(t, h.sender.requests, 2)
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	h := setupTestApp(t, 10)

	body, err := json.Marshal(&models.WorkflowDefinition{
		Name:    "broken graph",
		Trigger: models.TriggerDescriptor{Type: models.TriggerManual},
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Kind: models.NodeKindTrigger},
			{ID: "a", Kind: models.NodeKindAction},
			{ID: "b", Kind: models.NodeKindAction},
		},
		Edges: []*models.WorkflowEdge{
			{Source: "trigger", Target: "a"},
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_ = resp.Body.Close()
}
