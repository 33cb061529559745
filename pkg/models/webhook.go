package models

import "time"

// Webhook is an external ingress point that can enqueue a workflow (or fire a
// lifted legacy template). Exactly one of WorkflowID and TemplateID is set.
// The secret signs request bodies; signature checks only run when the caller
// sends one.
type Webhook struct {
	ID         string    `json:"id"`
	Name       string    `json:"name" validate:"required"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	Secret     string    `json:"secret"`
	URL        string    `json:"url"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WebhookExecutionStatus is the lifecycle state of one ingress call.
type WebhookExecutionStatus string

const (
	WebhookExecutionRunning   WebhookExecutionStatus = "running"
	WebhookExecutionCompleted WebhookExecutionStatus = "completed"
	WebhookExecutionFailed    WebhookExecutionStatus = "failed"
)

// WebhookExecution is the audit record for one ingress call, opened when the
// request is accepted and closed when the triggered path finishes.
type WebhookExecution struct {
	ID              string                 `json:"id"`
	WebhookID       string                 `json:"webhook_id" validate:"required"`
	Status          WebhookExecutionStatus `json:"status"`
	Payload         map[string]any         `json:"payload,omitempty"`
	Response        map[string]any         `json:"response,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExecutionTimeMS int64                  `json:"execution_time_ms"`
	CreatedAt       time.Time              `json:"created_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}
