package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/doctorsflow/engage/pkg/dispatch"
	"github.com/doctorsflow/engage/pkg/eventbus"
	"github.com/doctorsflow/engage/pkg/events"
	"github.com/doctorsflow/engage/pkg/ledger"
	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/otelhelper"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/scheduler"
	"github.com/doctorsflow/engage/pkg/template"
)

const defaultConcurrency = 8

// WorkerManager subscribes to execution events and sends due steps. Steps of
// one execution stay sequential because the next StepDue is only published
// after the previous step finishes.
type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	ledger      *ledger.Ledger
	scheduler   *scheduler.Scheduler
	dispatcher  *dispatch.Dispatcher
	tracer      trace.Tracer
	slots       chan struct{}
	now         func() time.Time
}

func NewWorkerManager(
	id string,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	dispatcher *dispatch.Dispatcher,
	logger *slog.Logger,
) *WorkerManager {
	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "engage-worker", "worker_id", id),
		persistence: p,
		eventBus:    eventBus,
		ledger:      ledger.NewLedger(p, logger),
		scheduler:   scheduler.NewScheduler(p, eventBus, logger),
		dispatcher:  dispatcher,
		tracer:      noop.NewTracerProvider().Tracer("engage-worker"),
		slots:       make(chan struct{}, defaultConcurrency),
		now:         time.Now,
	}
}

// WithTracer replaces the no-op tracer with a real one.
func (w *WorkerManager) WithTracer(tracer trace.Tracer) *WorkerManager {
	w.tracer = tracer

	return w
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager")

	if err := w.eventBus.Handle(events.ExecutionEnqueuedEvent, w.handleExecutionEnqueued); err != nil {
		return err
	}

	if err := w.eventBus.Handle(events.StepDueEvent, w.handleStepDue); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

// handleExecutionEnqueued turns a fresh execution into its first StepDue.
func (w *WorkerManager) handleExecutionEnqueued(ctx context.Context, event any) error {
	enqueued, ok := event.(*events.ExecutionEnqueued)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionEnqueued")

		return nil
	}

	execution, err := w.persistence.ExecutionByID(ctx, enqueued.ExecutionID)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to load execution", "execution_id", enqueued.ExecutionID, "error", err)

		return err
	}

	if execution.Status.Terminal() {
		return nil
	}

	patient, err := w.persistence.PatientByID(ctx, execution.PatientID)
	if err != nil {
		return err
	}

	return w.scheduler.ScheduleCurrentStep(ctx, execution, patient)
}

// handleStepDue hands the step to a waiter goroutine and acks right away.
// The subscribe loop delivers events serially, so a future-dated step must
// never hold the handler; the step claim keeps a redelivered event from
// dispatching twice.
func (w *WorkerManager) handleStepDue(ctx context.Context, event any) error {
	due, ok := event.(*events.StepDue)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for StepDue")

		return nil
	}

	go w.waitAndProcess(ctx, due)

	return nil
}

// waitAndProcess sleeps until the step's send time, then takes a slot and
// runs it. Concurrency across executions is bounded by the slot pool.
func (w *WorkerManager) waitAndProcess(ctx context.Context, due *events.StepDue) {
	if wait := due.DueAt.Sub(w.now()); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.slots }()

	if err := w.processStep(ctx, due); err != nil {
		w.logger.ErrorContext(ctx, "step processing failed",
			"execution_id", due.ExecutionID, "step_index", due.StepIndex, "error", err)
	}
}

func (w *WorkerManager) processStep(ctx context.Context, due *events.StepDue) error {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "engage.step.process",
		attribute.String(otelhelper.ExecutionIDKey, due.ExecutionID),
		attribute.Int(otelhelper.StepIndexKey, due.StepIndex),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	logger := w.logger.With("execution_id", due.ExecutionID, "step_index", due.StepIndex)

	execution, err := w.persistence.ExecutionByID(ctx, due.ExecutionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	// A stale StepDue for an already advanced or finished execution is a
	// no-op, not an error.
	if execution.Status.Terminal() || execution.CurrentStepIndex != due.StepIndex {
		logger.InfoContext(ctx, "step no longer current, skipping",
			"status", execution.Status, "current_step_index", execution.CurrentStepIndex)

		return nil
	}

	err = w.ledger.Claim(ctx, execution)

	switch {
	case errors.Is(err, ledger.ErrCancelRequested):
		logger.InfoContext(ctx, "execution cancelled before dispatch")

		return w.publishFinished(ctx, execution)
	case errors.Is(err, persistence.ErrConcurrencyConflict):
		logger.InfoContext(ctx, "lost step claim to concurrent worker")

		return nil
	case errors.Is(err, ledger.ErrTerminalState):
		return nil
	case err != nil:
		otelhelper.SetError(span, err)

		return err
	}

	step := execution.CurrentStep()
	if step == nil {
		return nil
	}

	span.SetAttributes(attribute.String(otelhelper.ChannelKey, string(step.Channel)))

	outcome, err := w.sendStep(ctx, execution, step)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "step delivery failed", "error", err)

		if failErr := w.ledger.Fail(ctx, execution, err.Error()); failErr != nil {
			return failErr
		}

		w.publishStepFailed(ctx, execution, step, err)

		return w.publishFinished(ctx, execution)
	}

	note := "message sent via " + string(outcome.Channel)
	if outcome.FellBack {
		note += " (fallback)"
	}

	if err := w.ledger.CompleteStep(ctx, execution, note); err != nil {
		if persistence.IsConcurrencyConflict(err) {
			logger.WarnContext(ctx, "step advance lost to concurrent worker")

			return nil
		}

		otelhelper.SetError(span, err)

		return err
	}

	w.publishStepCompleted(ctx, execution, step, outcome)

	if execution.Status.Terminal() {
		return w.publishFinished(ctx, execution)
	}

	patient, err := w.persistence.PatientByID(ctx, execution.PatientID)
	if err != nil {
		return err
	}

	return w.scheduler.ScheduleCurrentStep(ctx, execution, patient)
}

// sendStep renders the step's content and pushes it through the dispatcher.
func (w *WorkerManager) sendStep(ctx context.Context, execution *models.WorkflowExecution, step *models.Step) (*dispatch.Outcome, error) {
	patient, err := w.persistence.PatientByID(ctx, execution.PatientID)
	if err != nil {
		return nil, err
	}

	var appointment *models.Appointment
	if execution.AppointmentID != "" {
		appointment, err = w.persistence.AppointmentByID(ctx, execution.AppointmentID)
		if err != nil && !errors.Is(err, persistence.ErrAppointmentNotFound) {
			return nil, err
		}
	}

	renderCtx := template.BuildContext(patient, appointment, execution.Variables)

	rendered, err := template.Render(step.Content, renderCtx, step.RequiredVars)
	if err != nil {
		return nil, err
	}

	if rendered.Warning != "" {
		w.logger.WarnContext(ctx, rendered.Warning,
			"execution_id", execution.ID, "step_index", step.Index)
	}

	return w.dispatcher.Dispatch(ctx, &dispatch.Request{
		Patient: patient,
		Channel: step.Channel,
		Content: rendered.Content,
		Metadata: map[string]any{
			"workflow_id":  execution.WorkflowID,
			"execution_id": execution.ID,
			"node_id":      step.NodeID,
		},
	})
}

func (w *WorkerManager) publishStepCompleted(ctx context.Context, execution *models.WorkflowExecution, step *models.Step, outcome *dispatch.Outcome) {
	event := events.StepCompleted{
		BaseEvent:   w.baseEvent(events.StepCompletedEvent, execution.WorkflowID),
		ExecutionID: execution.ID,
		StepIndex:   step.Index,
		Channel:     outcome.Channel,
		FellBack:    outcome.FellBack,
	}

	if err := w.eventBus.Publish(ctx, execution.ID, event); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish step completed event", "error", err)
	}
}

func (w *WorkerManager) publishStepFailed(ctx context.Context, execution *models.WorkflowExecution, step *models.Step, stepErr error) {
	event := events.StepFailed{
		BaseEvent:   w.baseEvent(events.StepFailedEvent, execution.WorkflowID),
		ExecutionID: execution.ID,
		StepIndex:   step.Index,
		Error:       stepErr.Error(),
		Permanent:   dispatch.IsPermanent(stepErr),
	}

	if err := w.eventBus.Publish(ctx, execution.ID, event); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish step failed event", "error", err)
	}
}

func (w *WorkerManager) publishFinished(ctx context.Context, execution *models.WorkflowExecution) error {
	duration := time.Duration(0)
	if execution.CompletedAt != nil {
		duration = execution.CompletedAt.Sub(execution.CreatedAt)
	}

	event := events.ExecutionFinished{
		BaseEvent:   w.baseEvent(events.ExecutionFinishedEvent, execution.WorkflowID),
		ExecutionID: execution.ID,
		Status:      execution.Status,
		Duration:    duration,
	}

	return w.eventBus.Publish(ctx, execution.ID, event)
}

func (w *WorkerManager) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  w.now(),
		WorkflowID: workflowID,
		WorkerID:   w.id,
	}
}
