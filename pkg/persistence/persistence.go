package persistence

import (
	"context"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

// Persistence is the storage surface the engine runs against. Implementations
// exist for the local filesystem (file://) and PostgreSQL (postgres://).
type Persistence interface {
	// Workflow definitions.
	Workflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	ActiveWorkflowsByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.WorkflowDefinition, error)
	WorkflowByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowDefinition) error
	DeleteWorkflow(ctx context.Context, id string) error

	// Workflow executions. Executions are audit records: there is no delete.
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ExecutionByFingerprint(ctx context.Context, workflowID, patientID, fingerprint string) (*models.WorkflowExecution, error)
	Executions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error)

	// AdvanceExecutionStep writes the execution back iff its stored version
	// still equals the caller's loaded version, then bumps the version. A
	// concurrent winner leaves the loser with ErrConcurrencyConflict before
	// any of the loser's changes land.
	AdvanceExecutionStep(ctx context.Context, execution *models.WorkflowExecution) error

	// StaleExecutions returns running executions untouched since the cutoff.
	StaleExecutions(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error)

	// ClaimStaleExecution bumps the execution's updated_at iff it still
	// matches the observed watermark, granting the caller exclusive recovery.
	// The write clears the step claim marker and bumps the version, so the
	// dead worker's copy can no longer advance the execution.
	ClaimStaleExecution(ctx context.Context, id string, observedUpdatedAt time.Time) error

	// Templates.
	Templates(ctx context.Context) ([]*models.Template, error)
	TemplateByID(ctx context.Context, id string) (*models.Template, error)
	SaveTemplate(ctx context.Context, template *models.Template) error
	DeleteTemplate(ctx context.Context, id string) error

	// Webhooks and their audit records.
	Webhooks(ctx context.Context) ([]*models.Webhook, error)
	WebhookByID(ctx context.Context, id string) (*models.Webhook, error)
	SaveWebhook(ctx context.Context, webhook *models.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	SaveWebhookExecution(ctx context.Context, execution *models.WebhookExecution) error
	WebhookExecutions(ctx context.Context, webhookID string, limit int) ([]*models.WebhookExecution, error)

	// Message logs.
	SaveMessageLog(ctx context.Context, entry *models.MessageLog) error
	MessageLogsByPatient(ctx context.Context, patientID string, limit int) ([]*models.MessageLog, error)
	ChannelStats(ctx context.Context) ([]models.ChannelStats, error)
	FailedMessagesForRetry(ctx context.Context, maxRetries int) ([]*models.MessageLog, error)

	// Clinic records.
	Patients(ctx context.Context) ([]*models.Patient, error)
	PatientByID(ctx context.Context, id string) (*models.Patient, error)
	SavePatient(ctx context.Context, patient *models.Patient) error
	AppointmentByID(ctx context.Context, id string) (*models.Appointment, error)
	SaveAppointment(ctx context.Context, appointment *models.Appointment) error
	AppointmentsOnDate(ctx context.Context, date string) ([]*models.Appointment, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
