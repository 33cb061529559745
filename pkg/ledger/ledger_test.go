package ledger

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/persistence/file"
)

func newTestLedger(t *testing.T) (*Ledger, *file.Persistence) {
	t.Helper()

	p, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	return NewLedger(p, slog.Default()), p
}

func pendingExecution(id string, totalSteps int) *models.WorkflowExecution {
	now := time.Now()
	steps := make([]models.Step, 0, totalSteps)

	for i := range totalSteps {
		steps = append(steps, models.Step{Index: i, NodeID: "message-1", Channel: models.ChannelKakao, Content: "hi"})
	}

	return &models.WorkflowExecution{
		ID:          id,
		WorkflowID:  "wf-1",
		PatientID:   "p-1",
		Fingerprint: "fp-" + id,
		Status:      models.ExecutionPending,
		TotalSteps:  totalSteps,
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestClaimAndCompleteLifecycle(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 2)
	require.NoError(t, p.SaveExecution(ctx, exec))

	require.NoError(t, l.Claim(ctx, exec))
	assert.Equal(t, models.ExecutionRunning, exec.Status)

	require.NoError(t, l.CompleteStep(ctx, exec, "step 0 sent via kakao"))
	assert.Equal(t, 1, exec.CurrentStepIndex)
	assert.Equal(t, models.ExecutionRunning, exec.Status)

	require.NoError(t, l.CompleteStep(ctx, exec, "step 1 sent via kakao"))
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.CompletedAt)
	assert.NotEmpty(t, exec.Log)
}

func TestClaim_ConcurrentClaimersExcludedBeforeDispatch(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 2)
	require.NoError(t, p.SaveExecution(ctx, exec))

	// Two workers observe the same due step and load their own copies.
	first, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	second, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)

	require.NoError(t, l.Claim(ctx, first))

	err = l.Claim(ctx, second)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))

	stored, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentStepIndex)
	require.NotNil(t, stored.StepClaimedAt, "winner holds the step")
}

func TestClaim_AlreadyClaimedStepRefused(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 1)
	require.NoError(t, p.SaveExecution(ctx, exec))

	first, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	require.NoError(t, l.Claim(ctx, first))

	// A redelivered event loads the execution after the claim landed.
	late, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)

	err = l.Claim(ctx, late)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))
}

func TestReclaimStale_FencesOutDeadWorker(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 2)
	require.NoError(t, p.SaveExecution(ctx, exec))

	dead, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	require.NoError(t, l.Claim(ctx, dead))

	// Simulate the claimer dying mid-step and its claim going stale.
	stored, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	stored.UpdatedAt = time.Now().Add(-45 * time.Minute)
	require.NoError(t, p.SaveExecution(ctx, stored))

	claimed, err := l.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	recovered, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Nil(t, recovered.StepClaimedAt, "recovery releases the step")

	// The dead worker's copy can no longer complete the step.
	err = l.CompleteStep(ctx, dead, "late completion")
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))
}

func TestCompleteStep_CASLoserDiscarded(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 3)
	exec.Status = models.ExecutionRunning
	require.NoError(t, p.SaveExecution(ctx, exec))

	winner, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	loser, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)

	require.NoError(t, l.CompleteStep(ctx, winner, "winner sent"))

	err = l.CompleteStep(ctx, loser, "loser sent")
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrencyConflict(err))

	stored, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStepIndex, "exactly one advancement happened")
}

func TestTerminalStatesFrozen(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 1)
	exec.Status = models.ExecutionCompleted
	require.NoError(t, p.SaveExecution(ctx, exec))

	assert.ErrorIs(t, l.Claim(ctx, exec), ErrTerminalState)
	assert.ErrorIs(t, l.CompleteStep(ctx, exec, "late"), ErrTerminalState)
	assert.ErrorIs(t, l.Fail(ctx, exec, "late"), ErrTerminalState)
	assert.ErrorIs(t, l.Cancel(ctx, exec), ErrTerminalState)
}

func TestClaim_CancelRequestedGoesStraightToCancelled(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 2)
	require.NoError(t, p.SaveExecution(ctx, exec))

	require.NoError(t, l.RequestCancel(ctx, "ex-1"))

	reloaded, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.True(t, reloaded.CancelRequested)

	err = l.Claim(ctx, reloaded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelRequested))
	assert.Equal(t, models.ExecutionCancelled, reloaded.Status)

	stored, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex, "remaining steps never ran")
}

func TestFail_RecordsReason(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 1)
	exec.Status = models.ExecutionRunning
	require.NoError(t, p.SaveExecution(ctx, exec))

	require.NoError(t, l.Fail(ctx, exec, "missing contact information: patient p-1 has no phone number"))

	stored, err := p.ExecutionByID(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "phone")
	require.NotNil(t, stored.CompletedAt)
}

func TestReclaimStale_OnlyOnce(t *testing.T) {
	l, p := newTestLedger(t)
	ctx := context.Background()

	exec := pendingExecution("ex-1", 2)
	exec.Status = models.ExecutionRunning
	exec.UpdatedAt = time.Now().Add(-45 * time.Minute)
	require.NoError(t, p.SaveExecution(ctx, exec))

	claimed, err := l.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "ex-1", claimed[0].ID)

	// A second pass sees a refreshed watermark, nothing to reclaim.
	claimed, err = l.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
