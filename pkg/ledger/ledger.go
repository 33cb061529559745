// Package ledger owns the execution state machine. All status transitions and
// step advancement go through it, so the compare-and-set discipline lives in
// one place.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
)

var (
	// ErrTerminalState indicates a write against a completed, failed or
	// cancelled execution.
	ErrTerminalState = errors.New("execution is in a terminal state")

	// ErrInvalidTransition indicates a status change the state machine does
	// not admit.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCancelRequested indicates the execution was cancelled before the
	// step could run.
	ErrCancelRequested = errors.New("cancellation requested")
)

var transitions = map[models.ExecutionStatus][]models.ExecutionStatus{
	models.ExecutionPending: {models.ExecutionRunning, models.ExecutionCancelled, models.ExecutionFailed},
	models.ExecutionRunning: {models.ExecutionRunning, models.ExecutionCompleted, models.ExecutionFailed, models.ExecutionCancelled},
}

func canTransition(from, to models.ExecutionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Ledger mediates execution state changes against the persistence layer.
type Ledger struct {
	persistence persistence.Persistence
	logger      *slog.Logger
	now         func() time.Time
}

// NewLedger creates a ledger over the given persistence layer.
func NewLedger(p persistence.Persistence, logger *slog.Logger) *Ledger {
	return &Ledger{
		persistence: p,
		logger:      logger.With("module", "ledger"),
		now:         time.Now,
	}
}

// Claim moves an execution to running and takes exclusive ownership of its
// current step, before any message is sent. A step already carrying a claim
// marker is refused, and two claimers racing on the same unclaimed copy are
// separated by the version compare-and-set; either way the loser gets
// ErrConcurrencyConflict without side effects.
func (l *Ledger) Claim(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution.Status.Terminal() {
		return fmt.Errorf("claim execution %s: %w", execution.ID, ErrTerminalState)
	}

	if execution.CancelRequested {
		return l.Cancel(ctx, execution)
	}

	if execution.StepClaimedAt != nil {
		return persistence.NewExecutionError("Claim", execution.ID, persistence.ErrConcurrencyConflict)
	}

	if !canTransition(execution.Status, models.ExecutionRunning) {
		return fmt.Errorf("claim execution %s from %s: %w", execution.ID, execution.Status, ErrInvalidTransition)
	}

	execution.Status = models.ExecutionRunning
	claimedAt := l.now()
	execution.StepClaimedAt = &claimedAt
	l.appendLog(execution, fmt.Sprintf("step %d claimed", execution.CurrentStepIndex))

	return l.persistence.AdvanceExecutionStep(ctx, execution)
}

// CompleteStep records a finished step and advances the cursor. When the last
// step finishes the execution becomes completed.
func (l *Ledger) CompleteStep(ctx context.Context, execution *models.WorkflowExecution, note string) error {
	if execution.Status.Terminal() {
		return fmt.Errorf("complete step on execution %s: %w", execution.ID, ErrTerminalState)
	}

	l.appendLog(execution, note)

	execution.CurrentStepIndex++
	execution.StepClaimedAt = nil

	if execution.CurrentStepIndex >= execution.TotalSteps {
		execution.Status = models.ExecutionCompleted
		completedAt := l.now()
		execution.CompletedAt = &completedAt
		l.appendLog(execution, "execution completed")
	}

	return l.persistence.AdvanceExecutionStep(ctx, execution)
}

// Fail moves an execution to failed with the given reason.
func (l *Ledger) Fail(ctx context.Context, execution *models.WorkflowExecution, reason string) error {
	if execution.Status.Terminal() {
		return fmt.Errorf("fail execution %s: %w", execution.ID, ErrTerminalState)
	}

	execution.Status = models.ExecutionFailed
	execution.ErrorMessage = reason
	execution.StepClaimedAt = nil
	completedAt := l.now()
	execution.CompletedAt = &completedAt
	l.appendLog(execution, "execution failed: "+reason)

	return l.persistence.AdvanceExecutionStep(ctx, execution)
}

// Cancel moves an execution to cancelled. Remaining steps never run.
func (l *Ledger) Cancel(ctx context.Context, execution *models.WorkflowExecution) error {
	if execution.Status.Terminal() {
		return fmt.Errorf("cancel execution %s: %w", execution.ID, ErrTerminalState)
	}

	execution.Status = models.ExecutionCancelled
	execution.StepClaimedAt = nil
	completedAt := l.now()
	execution.CompletedAt = &completedAt
	l.appendLog(execution, "execution cancelled")

	if err := l.persistence.AdvanceExecutionStep(ctx, execution); err != nil {
		return err
	}

	return ErrCancelRequested
}

// RequestCancel sets the cancel flag; the worker honors it immediately before
// the next dispatch.
func (l *Ledger) RequestCancel(ctx context.Context, executionID string) error {
	execution, err := l.persistence.ExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.Terminal() {
		return fmt.Errorf("cancel execution %s: %w", executionID, ErrTerminalState)
	}

	execution.CancelRequested = true
	l.appendLog(execution, "cancellation requested")

	return l.persistence.SaveExecution(ctx, execution)
}

// ReclaimStale re-claims running executions untouched for longer than the
// threshold, resetting their step claim so a fresh worker can take over.
// Each stale execution is claimed at most once per pass; claims lost to a
// concurrent pass are skipped.
func (l *Ledger) ReclaimStale(ctx context.Context, threshold time.Duration) ([]*models.WorkflowExecution, error) {
	cutoff := l.now().Add(-threshold)

	stale, err := l.persistence.StaleExecutions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}

	claimed := make([]*models.WorkflowExecution, 0, len(stale))

	for _, execution := range stale {
		err := l.persistence.ClaimStaleExecution(ctx, execution.ID, execution.UpdatedAt)
		if persistence.IsConcurrencyConflict(err) {
			l.logger.InfoContext(ctx, "stale execution claimed elsewhere", "execution_id", execution.ID)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to claim stale execution %s: %w", execution.ID, err)
		}

		claimed = append(claimed, execution)
	}

	return claimed, nil
}

func (l *Ledger) appendLog(execution *models.WorkflowExecution, note string) {
	execution.Log = append(execution.Log, fmt.Sprintf("%s %s", l.now().Format(time.RFC3339), note))
}
