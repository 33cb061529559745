package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{
		"appointments", "patients", "message_logs", "webhook_executions",
		"webhooks", "templates", "workflow_executions", "workflows", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("engage_test"),
			postgres.WithUsername("engage"),
			postgres.WithPassword("engage"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func newExecution(workflowID, patientID, fingerprint string) *models.WorkflowExecution {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return &models.WorkflowExecution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		PatientID:   patientID,
		Fingerprint: fingerprint,
		Status:      models.ExecutionPending,
		TotalSteps:  1,
		Steps: []models.Step{
			{Index: 0, NodeID: "message-1", Channel: models.ChannelKakao, Content: "hello {{name}}"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	workflow := &models.WorkflowDefinition{
		ID:     uuid.NewString(),
		Name:   "Post-surgery follow up",
		Active: true,
		Trigger: models.TriggerDescriptor{
			Type: models.TriggerDaysAfterEvent,
			Days: 7,
		},
		CategoryFilter: "botox",
		Nodes: []*models.WorkflowNode{
			{ID: "trigger", Kind: models.NodeKindTrigger},
			{ID: "wait", Kind: models.NodeKindDelay, DelayDays: 2},
			{ID: "message-1", Kind: models.NodeKindAction, Channel: models.ChannelBoth, Content: "how is the swelling, {{name}}?"},
		},
		Edges: []*models.WorkflowEdge{
			{Source: "trigger", Target: "wait"},
			{Source: "wait", Target: "message-1"},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	loaded, err := p.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Name, loaded.Name)
	assert.Equal(t, models.TriggerDaysAfterEvent, loaded.Trigger.Type)
	assert.Equal(t, 7, loaded.Trigger.Days)
	assert.Equal(t, "botox", loaded.CategoryFilter)
	require.Len(t, loaded.Nodes, 3)
	assert.Equal(t, 2, loaded.Nodes[1].DelayDays)

	active, err := p.ActiveWorkflowsByTrigger(ctx, models.TriggerDaysAfterEvent)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, p.DeleteWorkflow(ctx, workflow.ID))

	_, err = p.WorkflowByID(ctx, workflow.ID)
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestExecutionFingerprintUniqueness(t *testing.T) {
	p, ctx := setupTestDB(t)

	first := newExecution("wf-1", "p-1", "wf-1:p-1:2025-07-01")
	require.NoError(t, p.SaveExecution(ctx, first))

	duplicate := newExecution("wf-1", "p-1", "wf-1:p-1:2025-07-01")
	err := p.SaveExecution(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrDuplicateFingerprint)

	found, err := p.ExecutionByFingerprint(ctx, "wf-1", "p-1", "wf-1:p-1:2025-07-01")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestAdvanceExecutionStep_CASLoser(t *testing.T) {
	p, ctx := setupTestDB(t)

	execution := newExecution("wf-1", "p-1", "fp-1")
	execution.TotalSteps = 2
	require.NoError(t, p.SaveExecution(ctx, execution))

	winner, err := p.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	loser, err := p.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)

	winner.CurrentStepIndex = 1
	winner.Status = models.ExecutionRunning
	require.NoError(t, p.AdvanceExecutionStep(ctx, winner))

	loser.CurrentStepIndex = 1
	err = p.AdvanceExecutionStep(ctx, loser)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))

	stored, err := p.ExecutionByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	assert.Equal(t, models.ExecutionRunning, stored.Status)
	assert.Equal(t, winner.Version, stored.Version)
}

func TestStaleExecutionClaim(t *testing.T) {
	p, ctx := setupTestDB(t)

	execution := newExecution("wf-1", "p-1", "fp-1")
	execution.Status = models.ExecutionRunning
	execution.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Microsecond)
	require.NoError(t, p.SaveExecution(ctx, execution))

	stale, err := p.StaleExecutions(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, p.ClaimStaleExecution(ctx, execution.ID, stale[0].UpdatedAt))

	err = p.ClaimStaleExecution(ctx, execution.ID, stale[0].UpdatedAt)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err), "second claim on the old watermark loses")
}

func TestMessageLogsAndChannelStats(t *testing.T) {
	p, ctx := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	logs := []*models.MessageLog{
		{ID: uuid.NewString(), PatientID: "p-1", Channel: models.ChannelKakao, Status: models.MessageSent, CreatedAt: now},
		{ID: uuid.NewString(), PatientID: "p-1", Channel: models.ChannelKakao, Status: models.MessageFailed, CreatedAt: now},
		{ID: uuid.NewString(), PatientID: "p-2", Channel: models.ChannelSMS, Status: models.MessageSent, CreatedAt: now},
	}
	for _, entry := range logs {
		require.NoError(t, p.SaveMessageLog(ctx, entry))
	}

	stats, err := p.ChannelStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.ChannelKakao, stats[0].Channel)
	assert.Equal(t, 1, stats[0].Sent)
	assert.Equal(t, 1, stats[0].Failed)

	patientLogs, err := p.MessageLogsByPatient(ctx, "p-1", 0)
	require.NoError(t, err)
	assert.Len(t, patientLogs, 2)

	due, err := p.FailedMessagesForRetry(ctx, 3)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.MessageFailed, due[0].Status)
}

func TestWebhookAndAuditRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	webhook := &models.Webhook{
		ID:        uuid.NewString(),
		Name:      "EMR completion hook",
		Secret:    "whsec_test",
		URL:       "/webhooks/" + uuid.NewString(),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, p.SaveWebhook(ctx, webhook))

	execution := &models.WebhookExecution{
		ID:        uuid.NewString(),
		WebhookID: webhook.ID,
		Status:    models.WebhookExecutionRunning,
		Payload:   map[string]any{"patient_id": "p-1"},
		CreatedAt: now,
	}
	require.NoError(t, p.SaveWebhookExecution(ctx, execution))

	completedAt := now.Add(50 * time.Millisecond)
	execution.Status = models.WebhookExecutionCompleted
	execution.Response = map[string]any{"success": true}
	execution.ExecutionTimeMS = 50
	execution.CompletedAt = &completedAt
	require.NoError(t, p.SaveWebhookExecution(ctx, execution))

	records, err := p.WebhookExecutions(ctx, webhook.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.WebhookExecutionCompleted, records[0].Status)
	assert.EqualValues(t, 50, records[0].ExecutionTimeMS)
}

func TestPatientAndAppointmentRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)
	birth := time.Date(1955, 3, 2, 0, 0, 0, 0, time.UTC)

	patient := &models.Patient{
		ID:        uuid.NewString(),
		Name:      "김영희",
		Phone:     "010-1234-5678",
		BirthDate: &birth,
		CreatedAt: now,
	}
	require.NoError(t, p.SavePatient(ctx, patient))

	loaded, err := p.PatientByID(ctx, patient.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.BirthDate)
	assert.Equal(t, models.BracketElderly, loaded.AgeBracket(now))

	appointment := &models.Appointment{
		ID:        uuid.NewString(),
		PatientID: patient.ID,
		Date:      "2025-07-01",
		Time:      "10:30",
		Category:  "botox",
		Status:    models.AppointmentScheduled,
		CreatedAt: now,
	}
	require.NoError(t, p.SaveAppointment(ctx, appointment))

	onDate, err := p.AppointmentsOnDate(ctx, "2025-07-01")
	require.NoError(t, err)
	require.Len(t, onDate, 1)
	assert.Equal(t, appointment.ID, onDate[0].ID)
}
