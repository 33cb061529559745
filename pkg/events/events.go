// Package events defines the event types exchanged between the API, worker
// and ticker binaries.
package events

import (
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

type EventType string

// Topic is the single stream all execution events travel on.
const Topic = "engage.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ExecutionEnqueuedEvent fires when the scheduler creates an execution.
	ExecutionEnqueuedEvent EventType = "execution.enqueued"

	// StepDueEvent fires when a step's send time has arrived.
	StepDueEvent EventType = "execution.step.due"

	// StepCompletedEvent fires after a step's message was delivered.
	StepCompletedEvent EventType = "execution.step.completed"

	// StepFailedEvent fires after a step exhausted its delivery options.
	StepFailedEvent EventType = "execution.step.failed"

	// ExecutionFinishedEvent fires when an execution reaches a terminal state.
	ExecutionFinishedEvent EventType = "execution.finished"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecutionEnqueued announces a freshly created execution whose first step is
// ready to be scheduled.
type ExecutionEnqueued struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	PatientID   string `json:"patient_id"`
	JobID       string `json:"job_id"`
}

func (e ExecutionEnqueued) GetType() EventType {
	return ExecutionEnqueuedEvent
}

// StepDue tells a worker to process one step of one execution now.
type StepDue struct {
	BaseEvent

	ExecutionID string    `json:"execution_id"`
	StepIndex   int       `json:"step_index"`
	DueAt       time.Time `json:"due_at"`
}

func (e StepDue) GetType() EventType {
	return StepDueEvent
}

type StepCompleted struct {
	BaseEvent

	ExecutionID string         `json:"execution_id"`
	StepIndex   int            `json:"step_index"`
	Channel     models.Channel `json:"channel"`
	FellBack    bool           `json:"fell_back"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Error       string `json:"error"`
	Permanent   bool   `json:"permanent"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type ExecutionFinished struct {
	BaseEvent

	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	Duration    time.Duration          `json:"duration"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}
