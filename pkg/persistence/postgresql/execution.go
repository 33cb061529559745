package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
)

const executionColumns = `id, workflow_id, patient_id, appointment_id, fingerprint, status,
	current_step_index, total_steps, steps, variables, tags, log, error_message,
	cancel_requested, version, step_claimed_at, created_at, updated_at, completed_at`

// SaveExecution inserts or updates an execution. The unique index on
// (workflow_id, patient_id, fingerprint) turns a duplicate enqueue into
// ErrDuplicateFingerprint.
func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	steps, variables, tags, log, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_index = EXCLUDED.current_step_index,
			steps = EXCLUDED.steps,
			variables = EXCLUDED.variables,
			tags = EXCLUDED.tags,
			log = EXCLUDED.log,
			error_message = EXCLUDED.error_message,
			cancel_requested = EXCLUDED.cancel_requested,
			version = EXCLUDED.version,
			step_claimed_at = EXCLUDED.step_claimed_at,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = p.db.ExecContext(ctx, query,
		execution.ID, execution.WorkflowID, execution.PatientID,
		nullable(execution.AppointmentID), execution.Fingerprint, string(execution.Status),
		execution.CurrentStepIndex, execution.TotalSteps, steps, variables, tags, log,
		nullable(execution.ErrorMessage), execution.CancelRequested,
		execution.Version, nullTime(execution.StepClaimedAt),
		execution.CreatedAt, execution.UpdatedAt, nullTime(execution.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewExecutionError("Save", execution.ID, persistence.ErrDuplicateFingerprint)
		}

		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func marshalExecutionFields(execution *models.WorkflowExecution) (steps, variables, tags, log []byte, err error) {
	steps, err = json.Marshal(execution.Steps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal execution steps: %w", err)
	}

	variables, err = json.Marshal(execution.Variables)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal execution variables: %w", err)
	}

	tags, err = json.Marshal(execution.Tags)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal execution tags: %w", err)
	}

	entries := execution.Log
	if entries == nil {
		entries = []string{}
	}

	log, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal execution log: %w", err)
	}

	return steps, variables, tags, log, nil
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	var (
		execution                  models.WorkflowExecution
		appointmentID, errMessage  sql.NullString
		steps, variables, tags, lg []byte
		stepClaimedAt, completedAt sql.NullTime
	)

	err := row.Scan(
		&execution.ID, &execution.WorkflowID, &execution.PatientID,
		&appointmentID, &execution.Fingerprint, &execution.Status,
		&execution.CurrentStepIndex, &execution.TotalSteps,
		&steps, &variables, &tags, &lg, &errMessage,
		&execution.CancelRequested, &execution.Version, &stepClaimedAt,
		&execution.CreatedAt, &execution.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	execution.AppointmentID = appointmentID.String
	execution.ErrorMessage = errMessage.String

	if stepClaimedAt.Valid {
		execution.StepClaimedAt = &stepClaimedAt.Time
	}

	if completedAt.Valid {
		execution.CompletedAt = &completedAt.Time
	}

	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &execution.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution steps: %w", err)
		}
	}

	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &execution.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution variables: %w", err)
		}
	}

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &execution.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution tags: %w", err)
		}
	}

	if len(lg) > 0 {
		if err := json.Unmarshal(lg, &execution.Log); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution log: %w", err)
		}
	}

	return &execution, nil
}

// ExecutionByID returns an execution by its ID.
func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)

	return scanExecution(row)
}

// ExecutionByFingerprint returns the execution for a (workflow, patient,
// fingerprint) triple.
func (p *Persistence) ExecutionByFingerprint(ctx context.Context, workflowID, patientID, fingerprint string) (*models.WorkflowExecution, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE workflow_id = $1 AND patient_id = $2 AND fingerprint = $3`,
		workflowID, patientID, fingerprint,
	)

	return scanExecution(row)
}

// Executions returns executions matching the filter, newest first.
func (p *Persistence) Executions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE 1=1`
	args := make([]any, 0, 6)

	appendArg := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if filter.WorkflowID != "" {
		appendArg("workflow_id =", filter.WorkflowID)
	}

	if filter.PatientID != "" {
		appendArg("patient_id =", filter.PatientID)
	}

	if filter.Status != "" {
		appendArg("status =", string(filter.Status))
	}

	if filter.CreatedFrom != nil {
		appendArg("created_at >=", *filter.CreatedFrom)
	}

	if filter.CreatedTo != nil {
		appendArg("created_at <=", *filter.CreatedTo)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	if filter.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(filter.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer p.closeRows(ctx, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// AdvanceExecutionStep writes the execution back iff its stored version still
// equals the caller's loaded version. The WHERE clause is the compare-and-set;
// the write bumps the version.
func (p *Persistence) AdvanceExecutionStep(ctx context.Context, execution *models.WorkflowExecution) error {
	steps, variables, tags, log, err := marshalExecutionFields(execution)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_executions SET
			status = $1,
			current_step_index = $2,
			steps = $3,
			variables = $4,
			tags = $5,
			log = $6,
			error_message = $7,
			cancel_requested = $8,
			version = $9,
			step_claimed_at = $10,
			updated_at = $11,
			completed_at = $12
		WHERE id = $13 AND version = $14
	`

	newVersion := execution.Version + 1

	result, err := p.db.ExecContext(ctx, query,
		string(execution.Status), execution.CurrentStepIndex, steps, variables, tags, log,
		nullable(execution.ErrorMessage), execution.CancelRequested,
		newVersion, nullTime(execution.StepClaimedAt),
		time.Now(), nullTime(execution.CompletedAt),
		execution.ID, execution.Version,
	)
	if err != nil {
		return persistence.NewExecutionError("Advance", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Advance", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Advance", execution.ID, persistence.ErrConcurrencyConflict)
	}

	execution.Version = newVersion

	return nil
}

// StaleExecutions returns running executions untouched since the cutoff.
func (p *Persistence) StaleExecutions(ctx context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions WHERE status = $1 AND updated_at < $2`,
		string(models.ExecutionRunning), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale executions: %w", err)
	}
	defer p.closeRows(ctx, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale executions: %w", err)
	}

	return executions, nil
}

// ClaimStaleExecution bumps updated_at iff it still matches the observed
// watermark. Clearing the step claim and bumping the version fences out the
// dead worker's copy.
func (p *Persistence) ClaimStaleExecution(ctx context.Context, id string, observedUpdatedAt time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE workflow_executions
			SET updated_at = NOW(), step_claimed_at = NULL, version = version + 1
			WHERE id = $1 AND updated_at = $2`,
		id, observedUpdatedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("ClaimStale", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("ClaimStale", id, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("ClaimStale", id, persistence.ErrConcurrencyConflict)
	}

	return nil
}
