// Package file provides file-based persistence for development and tests.
// Every record is one JSON document under the root directory; a single mutex
// serializes writers, which is what makes the compare-and-set operations safe.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
)

const dirPerm = 0o755

// Persistence implements persistence.Persistence on the local filesystem.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a file persistence layer rooted at the given
// directory, accepting a plain path or a file:// URL.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{
		"workflows", "executions", "templates", "webhooks",
		"webhook_executions", "message_logs", "patients", "appointments",
	} {
		if err := os.MkdirAll(filepath.Join(cleanRoot, dir), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Persistence{root: cleanRoot}, nil
}

// Close performs any necessary cleanup. For file-based persistence, there is
// nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// write marshals a record into <dir>/<id>.json via a temp file rename.
func (p *Persistence) write(dir, id string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}

	target := filepath.Join(p.root, dir, id+".json")
	tmp := target + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write record %s: %w", id, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to move record %s into place: %w", id, err)
	}

	return nil
}

// read unmarshals <dir>/<id>.json into out; notFound is returned when the
// file does not exist.
func (p *Persistence) read(dir, id string, out any, notFound error) error {
	data, err := os.ReadFile(filepath.Join(p.root, dir, id+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound
		}

		return fmt.Errorf("failed to read record %s: %w", id, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}

	return nil
}

func (p *Persistence) remove(dir, id string, notFound error) error {
	err := os.Remove(filepath.Join(p.root, dir, id+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound
	}

	return err
}

// readAll loads every record in a directory.
func readAll[T any](p *Persistence, dir string) ([]*T, error) {
	entries, err := fs.Glob(os.DirFS(filepath.Join(p.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s directory: %w", dir, err)
	}

	records := make([]*T, 0, len(entries))

	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(p.root, dir, entry))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry, err)
		}

		record := new(T)
		if err := json.Unmarshal(data, record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", entry, err)
		}

		records = append(records, record)
	}

	return records, nil
}

// Workflows returns all workflow definitions.
func (p *Persistence) Workflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	return readAll[models.WorkflowDefinition](p, "workflows")
}

// ActiveWorkflowsByTrigger returns active definitions with the given trigger type.
func (p *Persistence) ActiveWorkflowsByTrigger(ctx context.Context, trigger models.TriggerType) ([]*models.WorkflowDefinition, error) {
	all, err := p.Workflows(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WorkflowDefinition, 0)

	for _, workflow := range all {
		if workflow.Active && workflow.Trigger.Type == trigger {
			matched = append(matched, workflow)
		}
	}

	return matched, nil
}

// WorkflowByID returns a workflow definition by its ID.
func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	workflow := new(models.WorkflowDefinition)
	if err := p.read("workflows", id, workflow, persistence.ErrWorkflowNotFound); err != nil {
		return nil, err
	}

	return workflow, nil
}

// SaveWorkflow persists a workflow definition.
func (p *Persistence) SaveWorkflow(_ context.Context, workflow *models.WorkflowDefinition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("workflows", workflow.ID, workflow)
}

// DeleteWorkflow removes a workflow definition.
func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove("workflows", id, persistence.ErrWorkflowNotFound)
}

// SaveExecution persists an execution. On first save the fingerprint must be
// unique for the (workflow, patient) pair.
func (p *Persistence) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var existing models.WorkflowExecution

	err := p.read("executions", execution.ID, &existing, persistence.ErrExecutionNotFound)
	if errors.Is(err, persistence.ErrExecutionNotFound) {
		duplicate, lookupErr := p.executionByFingerprintLocked(execution.WorkflowID, execution.PatientID, execution.Fingerprint)
		if lookupErr != nil && !errors.Is(lookupErr, persistence.ErrExecutionNotFound) {
			return lookupErr
		}

		if duplicate != nil {
			return persistence.NewExecutionError("Save", execution.ID, persistence.ErrDuplicateFingerprint)
		}
	} else if err != nil {
		return err
	}

	return p.write("executions", execution.ID, execution)
}

// ExecutionByID returns an execution by its ID.
func (p *Persistence) ExecutionByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	execution := new(models.WorkflowExecution)
	if err := p.read("executions", id, execution, persistence.ErrExecutionNotFound); err != nil {
		return nil, err
	}

	return execution, nil
}

// ExecutionByFingerprint returns the execution for a (workflow, patient,
// fingerprint) triple, or ErrExecutionNotFound.
func (p *Persistence) ExecutionByFingerprint(_ context.Context, workflowID, patientID, fingerprint string) (*models.WorkflowExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	execution, err := p.executionByFingerprintLocked(workflowID, patientID, fingerprint)
	if err != nil {
		return nil, err
	}

	return execution, nil
}

func (p *Persistence) executionByFingerprintLocked(workflowID, patientID, fingerprint string) (*models.WorkflowExecution, error) {
	all, err := readAll[models.WorkflowExecution](p, "executions")
	if err != nil {
		return nil, err
	}

	for _, execution := range all {
		if execution.WorkflowID == workflowID && execution.PatientID == patientID && execution.Fingerprint == fingerprint {
			return execution, nil
		}
	}

	return nil, persistence.ErrExecutionNotFound
}

// Executions returns executions matching the filter, newest first.
func (p *Persistence) Executions(_ context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	all, err := readAll[models.WorkflowExecution](p, "executions")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WorkflowExecution, 0, len(all))

	for _, execution := range all {
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.PatientID != "" && execution.PatientID != filter.PatientID {
			continue
		}

		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}

		if filter.CreatedFrom != nil && execution.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}

		if filter.CreatedTo != nil && execution.CreatedAt.After(*filter.CreatedTo) {
			continue
		}

		matched = append(matched, execution)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*models.WorkflowExecution{}, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// AdvanceExecutionStep writes the execution back iff its stored version still
// equals the caller's loaded version. The write bumps the version.
func (p *Persistence) AdvanceExecutionStep(_ context.Context, execution *models.WorkflowExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stored models.WorkflowExecution
	if err := p.read("executions", execution.ID, &stored, persistence.ErrExecutionNotFound); err != nil {
		return err
	}

	if stored.Version != execution.Version {
		return persistence.NewExecutionError("Advance", execution.ID, persistence.ErrConcurrencyConflict)
	}

	execution.Version++
	execution.UpdatedAt = time.Now()

	return p.write("executions", execution.ID, execution)
}

// StaleExecutions returns running executions untouched since the cutoff.
func (p *Persistence) StaleExecutions(_ context.Context, cutoff time.Time) ([]*models.WorkflowExecution, error) {
	all, err := readAll[models.WorkflowExecution](p, "executions")
	if err != nil {
		return nil, err
	}

	stale := make([]*models.WorkflowExecution, 0)

	for _, execution := range all {
		if execution.Status == models.ExecutionRunning && execution.UpdatedAt.Before(cutoff) {
			stale = append(stale, execution)
		}
	}

	return stale, nil
}

// ClaimStaleExecution bumps updated_at iff it still matches the observed
// watermark, so concurrent recovery passes re-claim an execution only once.
// Clearing the step claim and bumping the version fences out the dead
// worker's copy.
func (p *Persistence) ClaimStaleExecution(_ context.Context, id string, observedUpdatedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stored models.WorkflowExecution
	if err := p.read("executions", id, &stored, persistence.ErrExecutionNotFound); err != nil {
		return err
	}

	if !stored.UpdatedAt.Equal(observedUpdatedAt) {
		return persistence.NewExecutionError("ClaimStale", id, persistence.ErrConcurrencyConflict)
	}

	stored.StepClaimedAt = nil
	stored.Version++
	stored.UpdatedAt = time.Now()

	return p.write("executions", id, &stored)
}
