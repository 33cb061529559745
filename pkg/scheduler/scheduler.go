package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/doctorsflow/engage/pkg/eventbus"
	"github.com/doctorsflow/engage/pkg/events"
	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/timing"
)

// ErrValidation indicates an enqueue request referenced records that do not
// exist. The execution is still created, directly in failed, so the attempt
// is auditable.
var ErrValidation = errors.New("enqueue validation failed")

// EnqueueRequest asks for one workflow execution for one patient.
type EnqueueRequest struct {
	Workflow      *models.WorkflowDefinition
	PatientID     string
	AppointmentID string
	Fingerprint   string
	Variables     map[string]string
	Tags          []string
}

// Scheduler creates executions from enqueue requests and publishes their
// step timing onto the event bus. Step N+1's send time is resolved only when
// step N finishes.
type Scheduler struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewScheduler creates a scheduler over the given persistence and event bus.
func NewScheduler(p persistence.Persistence, bus eventbus.EventPublisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		persistence: p,
		bus:         bus,
		logger:      logger.With("module", "scheduler"),
		now:         time.Now,
	}
}

// newJobID builds an opaque queue ticket. Callers track jobs with it; it is
// deliberately not the execution id.
func newJobID(workflowID, patientID string, now time.Time) string {
	suffix := strconv.FormatInt(rand.Int63(), 36)
	if len(suffix) > 9 {
		suffix = suffix[:9]
	}

	return fmt.Sprintf("wf_%s_%s_%d_%s", workflowID, patientID, now.UnixMilli(), suffix)
}

// Enqueue validates the request, compiles the workflow and creates the
// execution. Duplicate fingerprints are rejected before any side effect.
func (s *Scheduler) Enqueue(ctx context.Context, req *EnqueueRequest) (string, error) {
	now := s.now()
	jobID := newJobID(req.Workflow.ID, req.PatientID, now)

	existing, err := s.persistence.ExecutionByFingerprint(ctx, req.Workflow.ID, req.PatientID, req.Fingerprint)
	if err != nil && !errors.Is(err, persistence.ErrExecutionNotFound) {
		return "", fmt.Errorf("fingerprint lookup failed: %w", err)
	}

	if existing != nil {
		return "", persistence.NewExecutionError("Enqueue", existing.ID, persistence.ErrDuplicateFingerprint)
	}

	execution := &models.WorkflowExecution{
		ID:            uuid.NewString(),
		WorkflowID:    req.Workflow.ID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Fingerprint:   req.Fingerprint,
		Status:        models.ExecutionPending,
		Variables:     req.Variables,
		Tags:          req.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	patient, err := s.persistence.PatientByID(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, persistence.ErrPatientNotFound) {
			return jobID, s.failValidation(ctx, execution, fmt.Sprintf("patient %s not found", req.PatientID))
		}

		return "", fmt.Errorf("patient lookup failed: %w", err)
	}

	if req.AppointmentID != "" {
		if _, err := s.persistence.AppointmentByID(ctx, req.AppointmentID); err != nil {
			if errors.Is(err, persistence.ErrAppointmentNotFound) {
				return jobID, s.failValidation(ctx, execution, fmt.Sprintf("appointment %s not found", req.AppointmentID))
			}

			return "", fmt.Errorf("appointment lookup failed: %w", err)
		}
	}

	steps, err := Compile(req.Workflow)
	if err != nil {
		return "", fmt.Errorf("failed to compile workflow %s: %w", req.Workflow.ID, err)
	}

	execution.Steps = steps
	execution.TotalSteps = len(steps)

	if len(steps) == 0 {
		execution.Status = models.ExecutionCompleted
		completedAt := now
		execution.CompletedAt = &completedAt
		execution.Log = append(execution.Log, now.Format(time.RFC3339)+" workflow has no actionable steps, completed immediately")
	}

	if err := s.persistence.SaveExecution(ctx, execution); err != nil {
		return "", err
	}

	if execution.Status.Terminal() {
		return jobID, nil
	}

	enqueued := events.ExecutionEnqueued{
		BaseEvent: events.BaseEvent{
			ID:         uuid.NewString(),
			Type:       events.ExecutionEnqueuedEvent,
			Timestamp:  now,
			WorkflowID: req.Workflow.ID,
		},
		ExecutionID: execution.ID,
		PatientID:   req.PatientID,
		JobID:       jobID,
	}

	if err := s.bus.Publish(ctx, execution.ID, enqueued); err != nil {
		return "", fmt.Errorf("failed to publish enqueue event: %w", err)
	}

	s.logger.InfoContext(ctx, "execution enqueued",
		"execution_id", execution.ID, "workflow_id", req.Workflow.ID,
		"patient_id", patient.ID, "steps", len(steps), "job_id", jobID)

	return jobID, nil
}

func (s *Scheduler) failValidation(ctx context.Context, execution *models.WorkflowExecution, reason string) error {
	execution.Status = models.ExecutionFailed
	execution.ErrorMessage = reason
	completedAt := s.now()
	execution.CompletedAt = &completedAt
	execution.Log = append(execution.Log, s.now().Format(time.RFC3339)+" "+reason)

	if err := s.persistence.SaveExecution(ctx, execution); err != nil {
		return err
	}

	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// StepDueTime resolves the wall-clock send time of one step: the execution's
// creation day plus the step's day offset, at the hour the timing profile
// recommends for the patient's segment.
func (s *Scheduler) StepDueTime(execution *models.WorkflowExecution, step *models.Step, patient *models.Patient) time.Time {
	base := execution.CreatedAt.AddDate(0, 0, step.DayOffset)

	hour := timing.BiasHour(patient.AgeBracket(s.now()), base)

	due := time.Date(base.Year(), base.Month(), base.Day(), hour, 0, 0, 0, base.Location())

	// A biased hour already in the past today degrades to "now"; timing
	// advice never delays a message to the next day.
	if due.Before(s.now()) {
		return s.now()
	}

	return due
}

// ScheduleCurrentStep publishes a StepDue event for the execution's current
// step. This is the chained half of scheduling: it runs at creation for step
// zero and again after each step completes.
func (s *Scheduler) ScheduleCurrentStep(ctx context.Context, execution *models.WorkflowExecution, patient *models.Patient) error {
	step := execution.CurrentStep()
	if step == nil {
		return nil
	}

	due := events.StepDue{
		BaseEvent: events.BaseEvent{
			ID:         uuid.NewString(),
			Type:       events.StepDueEvent,
			Timestamp:  s.now(),
			WorkflowID: execution.WorkflowID,
		},
		ExecutionID: execution.ID,
		StepIndex:   step.Index,
		DueAt:       s.StepDueTime(execution, step, patient),
	}

	return s.bus.Publish(ctx, execution.ID, due)
}
