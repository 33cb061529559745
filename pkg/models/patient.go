package models

import "time"

// Patient is the recipient of workflow messages. Only the fields the engine
// renders or segments on are modeled here; the full patient record is owned
// by the dashboard's CRUD layer.
type Patient struct {
	ID              string     `json:"id" validate:"required"`
	Name            string     `json:"name"`
	Phone           string     `json:"phone"`
	Email           string     `json:"email"`
	Gender          string     `json:"gender"`
	BirthDate       *time.Time `json:"birth_date,omitempty"`
	LastVisitDate   *time.Time `json:"last_visit_date,omitempty"`
	LastSurgeryDate *time.Time `json:"last_surgery_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Age returns the patient's age in full years at the given time, or 0 when
// the birth date is unknown.
func (p *Patient) Age(now time.Time) int {
	if p.BirthDate == nil {
		return 0
	}

	age := now.Year() - p.BirthDate.Year()
	if now.Month() < p.BirthDate.Month() ||
		(now.Month() == p.BirthDate.Month() && now.Day() < p.BirthDate.Day()) {
		age--
	}

	if age < 0 {
		return 0
	}

	return age
}

// AgeBracket segments patients for send-time optimization.
type AgeBracket string

const (
	BracketElderly    AgeBracket = "elderly"
	BracketWorkingAge AgeBracket = "working_age"
	BracketYoungAdult AgeBracket = "young_adult"
)

// AgeBracket returns the patient's segment at the given time. Patients with
// no birth date fall into the working-age bracket.
func (p *Patient) AgeBracket(now time.Time) AgeBracket {
	if p.BirthDate == nil {
		return BracketWorkingAge
	}

	age := p.Age(now)

	switch {
	case age >= 65:
		return BracketElderly
	case age >= 25:
		return BracketWorkingAge
	default:
		return BracketYoungAdult
	}
}

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Appointment carries the appointment fields the engine filters and renders on.
type Appointment struct {
	ID                 string            `json:"id" validate:"required"`
	PatientID          string            `json:"patient_id" validate:"required"`
	Date               string            `json:"date"` // YYYY-MM-DD
	Time               string            `json:"time"` // HH:MM
	Category           string            `json:"category"` // surgery/treatment type
	Status             AppointmentStatus `json:"status"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`

	// Telemedicine fields, exposed as render variables.
	MeetingURL      string `json:"meeting_url,omitempty"`
	MeetingPassword string `json:"meeting_password,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TriggerTypeForStatus maps an appointment status change to the event trigger
// it fires, or "" when the status fires nothing.
func TriggerTypeForStatus(status AppointmentStatus) TriggerType {
	switch status {
	case AppointmentCompleted:
		return TriggerAppointmentCompleted
	case AppointmentCancelled:
		return TriggerAppointmentCancelled
	case AppointmentNoShow:
		return TriggerAppointmentNoShow
	default:
		return ""
	}
}
