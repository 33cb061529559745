package file

import (
	"context"
	"sort"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
)

// Templates returns all standalone templates.
func (p *Persistence) Templates(_ context.Context) ([]*models.Template, error) {
	return readAll[models.Template](p, "templates")
}

func (p *Persistence) TemplateByID(_ context.Context, id string) (*models.Template, error) {
	template := new(models.Template)
	if err := p.read("templates", id, template, persistence.ErrTemplateNotFound); err != nil {
		return nil, err
	}

	return template, nil
}

func (p *Persistence) SaveTemplate(_ context.Context, template *models.Template) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("templates", template.ID, template)
}

func (p *Persistence) DeleteTemplate(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove("templates", id, persistence.ErrTemplateNotFound)
}

// Webhooks returns all registered webhooks.
func (p *Persistence) Webhooks(_ context.Context) ([]*models.Webhook, error) {
	return readAll[models.Webhook](p, "webhooks")
}

func (p *Persistence) WebhookByID(_ context.Context, id string) (*models.Webhook, error) {
	webhook := new(models.Webhook)
	if err := p.read("webhooks", id, webhook, persistence.ErrWebhookNotFound); err != nil {
		return nil, err
	}

	return webhook, nil
}

func (p *Persistence) SaveWebhook(_ context.Context, webhook *models.Webhook) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("webhooks", webhook.ID, webhook)
}

func (p *Persistence) DeleteWebhook(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove("webhooks", id, persistence.ErrWebhookNotFound)
}

func (p *Persistence) SaveWebhookExecution(_ context.Context, execution *models.WebhookExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("webhook_executions", execution.ID, execution)
}

// WebhookExecutions returns audit records for one webhook, newest first.
func (p *Persistence) WebhookExecutions(_ context.Context, webhookID string, limit int) ([]*models.WebhookExecution, error) {
	all, err := readAll[models.WebhookExecution](p, "webhook_executions")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WebhookExecution, 0, len(all))

	for _, execution := range all {
		if webhookID == "" || execution.WebhookID == webhookID {
			matched = append(matched, execution)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

func (p *Persistence) SaveMessageLog(_ context.Context, entry *models.MessageLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("message_logs", entry.ID, entry)
}

// MessageLogsByPatient returns delivery attempts for one patient, newest first.
func (p *Persistence) MessageLogsByPatient(_ context.Context, patientID string, limit int) ([]*models.MessageLog, error) {
	all, err := readAll[models.MessageLog](p, "message_logs")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.MessageLog, 0, len(all))

	for _, entry := range all {
		if entry.PatientID == patientID {
			matched = append(matched, entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched, nil
}

// ChannelStats aggregates message outcomes per channel.
func (p *Persistence) ChannelStats(_ context.Context) ([]models.ChannelStats, error) {
	all, err := readAll[models.MessageLog](p, "message_logs")
	if err != nil {
		return nil, err
	}

	byChannel := map[models.Channel]*models.ChannelStats{}

	for _, entry := range all {
		stats, ok := byChannel[entry.Channel]
		if !ok {
			stats = &models.ChannelStats{Channel: entry.Channel}
			byChannel[entry.Channel] = stats
		}

		switch entry.Status {
		case models.MessageSent:
			stats.Sent++
		case models.MessageFailed:
			stats.Failed++
		case models.MessagePending:
			stats.Pending++
		}
	}

	result := make([]models.ChannelStats, 0, len(byChannel))
	for _, stats := range byChannel {
		result = append(result, *stats)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Channel < result[j].Channel
	})

	return result, nil
}

// FailedMessagesForRetry returns failed messages still under the retry cap.
func (p *Persistence) FailedMessagesForRetry(_ context.Context, maxRetries int) ([]*models.MessageLog, error) {
	all, err := readAll[models.MessageLog](p, "message_logs")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.MessageLog, 0)

	for _, entry := range all {
		if entry.Status == models.MessageFailed && entry.RetryCount < maxRetries {
			matched = append(matched, entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return matched, nil
}

// Patients returns all patients.
func (p *Persistence) Patients(_ context.Context) ([]*models.Patient, error) {
	return readAll[models.Patient](p, "patients")
}

func (p *Persistence) PatientByID(_ context.Context, id string) (*models.Patient, error) {
	patient := new(models.Patient)
	if err := p.read("patients", id, patient, persistence.ErrPatientNotFound); err != nil {
		return nil, err
	}

	return patient, nil
}

func (p *Persistence) SavePatient(_ context.Context, patient *models.Patient) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("patients", patient.ID, patient)
}

func (p *Persistence) AppointmentByID(_ context.Context, id string) (*models.Appointment, error) {
	appointment := new(models.Appointment)
	if err := p.read("appointments", id, appointment, persistence.ErrAppointmentNotFound); err != nil {
		return nil, err
	}

	return appointment, nil
}

func (p *Persistence) SaveAppointment(_ context.Context, appointment *models.Appointment) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write("appointments", appointment.ID, appointment)
}

// AppointmentsOnDate returns appointments with the given YYYY-MM-DD date.
func (p *Persistence) AppointmentsOnDate(_ context.Context, date string) ([]*models.Appointment, error) {
	all, err := readAll[models.Appointment](p, "appointments")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Appointment, 0)

	for _, appointment := range all {
		if appointment.Date == date {
			matched = append(matched, appointment)
		}
	}

	return matched, nil
}
