package models

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
// pending -> running -> {completed | failed | cancelled}; terminal states
// never transition again.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Step is one actionable unit of a compiled workflow, snapshotted into the
// execution at creation time. DayOffset is relative to the execution's
// creation day.
type Step struct {
	Index        int      `json:"index"`
	NodeID       string   `json:"node_id"`
	DayOffset    int      `json:"day_offset"`
	Channel      Channel  `json:"channel"`
	Content      string   `json:"content"`
	RequiredVars []string `json:"required_vars,omitempty"`
}

// WorkflowExecution is the stateful run of a workflow definition for one
// patient. Executions are audit records and are never deleted.
type WorkflowExecution struct {
	ID            string `json:"id"`
	WorkflowID    string `json:"workflow_id" validate:"required"`
	PatientID     string `json:"patient_id" validate:"required"`
	AppointmentID string `json:"appointment_id,omitempty"`

	// Fingerprint disambiguates repeatable triggers: exactly one execution
	// exists per (workflow, patient, fingerprint).
	Fingerprint string `json:"fingerprint" validate:"required"`

	Status           ExecutionStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	Steps            []Step          `json:"steps"`

	// Version is the optimistic-concurrency watermark. Conditional writes
	// compare against it and bump it, so of two writers holding the same
	// loaded copy exactly one wins.
	Version int `json:"version"`

	// StepClaimedAt marks the current step as owned by a worker. It is set
	// by the claim, cleared when the step finishes and reset by stale
	// recovery.
	StepClaimedAt *time.Time `json:"step_claimed_at,omitempty"`

	// Variables holds the custom payload merged into the render context,
	// taking precedence over patient and appointment fields.
	Variables map[string]string `json:"variables,omitempty"`
	Tags      []string          `json:"tags,omitempty"`

	Log             []string `json:"log"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	CancelRequested bool     `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentStep returns the step the execution is due to run next, or nil when
// every step has finished.
func (e *WorkflowExecution) CurrentStep() *Step {
	if e.CurrentStepIndex < 0 || e.CurrentStepIndex >= len(e.Steps) {
		return nil
	}

	return &e.Steps[e.CurrentStepIndex]
}

// ExecutionFilter narrows execution queries for the dashboard surface.
type ExecutionFilter struct {
	WorkflowID  string
	PatientID   string
	Status      ExecutionStatus
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Limit       int
	Offset      int
}
