// Package trigger matches incoming events and calendar dates against active
// workflow definitions and turns matches into enqueue requests.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/scheduler"
)

// Enqueuer is the slice of the scheduler the evaluator drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *scheduler.EnqueueRequest) (string, error)
}

// Event is one external occurrence to evaluate: an appointment status change,
// a webhook delivery or a manual fire.
type Event struct {
	Type      models.TriggerType
	PatientID string

	// AppointmentID is set for appointment status changes and doubles as the
	// dedup key so the same status change never enqueues twice.
	AppointmentID string

	// SourceID is the dedup key for webhook and manual events, typically the
	// webhook execution id.
	SourceID string

	Category  string
	Variables map[string]string
}

func (e *Event) dedupKey() string {
	if e.AppointmentID != "" {
		return e.AppointmentID
	}

	return e.SourceID
}

// Evaluator matches events and daily ticks against active workflow
// definitions.
type Evaluator struct {
	persistence persistence.Persistence
	enqueuer    Enqueuer
	logger      *slog.Logger
}

// NewEvaluator creates a trigger evaluator.
func NewEvaluator(p persistence.Persistence, enqueuer Enqueuer, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		persistence: p,
		enqueuer:    enqueuer,
		logger:      logger.With("module", "trigger"),
	}
}

// EvaluateEvent enqueues one execution per active definition matching the
// event's trigger type and category. Previously seen (workflow, patient,
// dedup key) combinations are skipped, not failed. Returns the job ids of the
// executions actually created.
func (ev *Evaluator) EvaluateEvent(ctx context.Context, event *Event) ([]string, error) {
	definitions, err := ev.persistence.ActiveWorkflowsByTrigger(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions for trigger %s: %w", event.Type, err)
	}

	jobIDs := make([]string, 0, len(definitions))

	for _, def := range definitions {
		if !def.MatchesCategory(event.Category) {
			continue
		}

		fingerprint := fmt.Sprintf("%s:%s:%s", def.ID, event.PatientID, event.dedupKey())

		jobID, err := ev.enqueuer.Enqueue(ctx, &scheduler.EnqueueRequest{
			Workflow:      def,
			PatientID:     event.PatientID,
			AppointmentID: event.AppointmentID,
			Fingerprint:   fingerprint,
			Variables:     event.Variables,
		})
		if err != nil {
			if errors.Is(err, persistence.ErrDuplicateFingerprint) {
				ev.logger.DebugContext(ctx, "duplicate trigger skipped",
					"workflow_id", def.ID, "patient_id", event.PatientID, "fingerprint", fingerprint)

				continue
			}

			return jobIDs, err
		}

		jobIDs = append(jobIDs, jobID)
	}

	return jobIDs, nil
}

// EvaluateTick runs the date-based triggers for one calendar day. Each
// matching (workflow, patient) pair enqueues at most once per day; the
// fingerprint carries the date so tomorrow's tick starts fresh.
func (ev *Evaluator) EvaluateTick(ctx context.Context, now time.Time) ([]string, error) {
	patients, err := ev.persistence.Patients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load patients: %w", err)
	}

	jobIDs := make([]string, 0)

	for _, triggerType := range []models.TriggerType{
		models.TriggerDaysAfterEvent,
		models.TriggerDaysBeforeDate,
		models.TriggerMonthsSinceEvent,
	} {
		definitions, err := ev.persistence.ActiveWorkflowsByTrigger(ctx, triggerType)
		if err != nil {
			return jobIDs, fmt.Errorf("failed to load definitions for trigger %s: %w", triggerType, err)
		}

		for _, def := range definitions {
			for _, patient := range patients {
				if !dateTriggerFires(def.Trigger, patient, now) {
					continue
				}

				fingerprint := fmt.Sprintf("%s:%s:%s", def.ID, patient.ID, now.Format("2006-01-02"))

				jobID, err := ev.enqueuer.Enqueue(ctx, &scheduler.EnqueueRequest{
					Workflow:    def,
					PatientID:   patient.ID,
					Fingerprint: fingerprint,
				})
				if err != nil {
					if errors.Is(err, persistence.ErrDuplicateFingerprint) || errors.Is(err, scheduler.ErrValidation) {
						continue
					}

					return jobIDs, err
				}

				jobIDs = append(jobIDs, jobID)
			}
		}
	}

	return jobIDs, nil
}

// dateTriggerFires reports whether a date-based trigger lands on the given
// day for the given patient.
func dateTriggerFires(trigger models.TriggerDescriptor, patient *models.Patient, now time.Time) bool {
	switch trigger.Type {
	case models.TriggerDaysAfterEvent:
		if patient.LastSurgeryDate == nil {
			return false
		}

		return sameDate(patient.LastSurgeryDate.AddDate(0, 0, trigger.Days), now)

	case models.TriggerDaysBeforeDate:
		if patient.BirthDate == nil {
			return false
		}

		return sameDate(nextBirthday(*patient.BirthDate, now).AddDate(0, 0, -trigger.Days), now)

	case models.TriggerMonthsSinceEvent:
		if patient.LastVisitDate == nil {
			return false
		}

		return sameDate(patient.LastVisitDate.AddDate(0, trigger.Days, 0), now)

	default:
		return false
	}
}

// nextBirthday returns the patient's next birthday on or after the given day.
func nextBirthday(birth, now time.Time) time.Time {
	candidate := time.Date(now.Year(), birth.Month(), birth.Day(), 0, 0, 0, 0, now.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	if candidate.Before(today) {
		candidate = candidate.AddDate(1, 0, 0)
	}

	return candidate
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
