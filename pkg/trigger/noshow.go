package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

// SweepNoShows marks today's appointments that are past their time and still
// scheduled as no-shows and fires the no-show trigger for each. Returns the
// number of appointments transitioned.
func (ev *Evaluator) SweepNoShows(ctx context.Context, now time.Time) (int, error) {
	appointments, err := ev.persistence.AppointmentsOnDate(ctx, now.Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to load appointments: %w", err)
	}

	swept := 0

	for _, appointment := range appointments {
		if appointment.Status != models.AppointmentScheduled {
			continue
		}

		at, err := time.ParseInLocation("2006-01-02 15:04", appointment.Date+" "+appointment.Time, now.Location())
		if err != nil {
			ev.logger.WarnContext(ctx, "appointment has unparseable time, skipping",
				"appointment_id", appointment.ID, "time", appointment.Time)

			continue
		}

		if !at.Before(now) {
			continue
		}

		appointment.Status = models.AppointmentNoShow
		if err := ev.persistence.SaveAppointment(ctx, appointment); err != nil {
			return swept, fmt.Errorf("failed to mark appointment %s as no-show: %w", appointment.ID, err)
		}

		swept++

		if _, err := ev.EvaluateEvent(ctx, &Event{
			Type:          models.TriggerAppointmentNoShow,
			PatientID:     appointment.PatientID,
			AppointmentID: appointment.ID,
			Category:      appointment.Category,
		}); err != nil {
			ev.logger.ErrorContext(ctx, "no-show trigger evaluation failed",
				"appointment_id", appointment.ID, "error", err)
		}
	}

	return swept, nil
}
