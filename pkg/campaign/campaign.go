// Package campaign executes templates immediately against patient segments.
// A template is first lifted into a workflow definition and compiled into
// steps, so template sends run through the same plan representation as
// workflow executions; only the day-offset timing is skipped.
package campaign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doctorsflow/engage/pkg/dispatch"
	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/scheduler"
	"github.com/doctorsflow/engage/pkg/template"
)

// Result aggregates one campaign run. Errors holds one entry per failed
// (patient, message) pair.
type Result struct {
	SentCount   int      `json:"sentCount"`
	FailedCount int      `json:"failedCount"`
	Errors      []string `json:"errors,omitempty"`
}

// Sender is the slice of the dispatcher the runner needs.
type Sender interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Outcome, error)
}

// Runner fans template messages out through the dispatcher.
type Runner struct {
	sender Sender
	logger *slog.Logger
}

// NewRunner creates a campaign runner.
func NewRunner(sender Sender, logger *slog.Logger) *Runner {
	return &Runner{
		sender: sender,
		logger: logger.With("module", "campaign"),
	}
}

// ExecuteForPatient lifts the template into a workflow definition, compiles
// it and sends every resulting step to one patient right now. Render and
// dispatch failures are collected per message, never aborting the remaining
// ones.
func (r *Runner) ExecuteForPatient(ctx context.Context, tpl *models.Template, patient *models.Patient, variables map[string]string) *Result {
	result := &Result{}

	steps, err := scheduler.Compile(tpl.Lift())
	if err != nil {
		result.FailedCount = len(tpl.Messages)
		result.Errors = append(result.Errors, fmt.Sprintf("template %s: %v", tpl.ID, err))

		return result
	}

	renderCtx := template.BuildContext(patient, nil, variables)

	for _, step := range steps {
		rendered, err := template.Render(step.Content, renderCtx, step.RequiredVars)
		if err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("patient %s message %d: %v", patient.ID, step.Index+1, err))

			continue
		}

		_, err = r.sender.Dispatch(ctx, &dispatch.Request{
			Patient: patient,
			Channel: step.Channel,
			Content: rendered.Content,
			Metadata: map[string]any{
				"template_id":   tpl.ID,
				"node_id":       step.NodeID,
				"message_index": step.Index,
			},
		})
		if err != nil {
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("patient %s message %d: %v", patient.ID, step.Index+1, err))

			continue
		}

		result.SentCount++
	}

	return result
}

// Execute fans the template out over a patient segment. The run is
// synchronous and returns aggregate counts.
func (r *Runner) Execute(ctx context.Context, tpl *models.Template, patients []*models.Patient, variables map[string]string) *Result {
	total := &Result{}

	for _, patient := range patients {
		one := r.ExecuteForPatient(ctx, tpl, patient, variables)

		total.SentCount += one.SentCount
		total.FailedCount += one.FailedCount
		total.Errors = append(total.Errors, one.Errors...)
	}

	r.logger.InfoContext(ctx, "campaign executed",
		"template_id", tpl.ID, "patients", len(patients),
		"sent", total.SentCount, "failed", total.FailedCount)

	return total
}
