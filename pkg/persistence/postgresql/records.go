package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/persistence"
)

// Templates returns all standalone templates.
func (p *Persistence) Templates(ctx context.Context) ([]*models.Template, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, enabled, trigger_type, trigger_days, messages, created_at, updated_at FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer p.closeRows(ctx, rows)

	templates := make([]*models.Template, 0)

	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}

		templates = append(templates, template)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var (
		template models.Template
		messages []byte
	)

	err := row.Scan(&template.ID, &template.Name, &template.Enabled,
		&template.Trigger.Type, &template.Trigger.Days, &messages,
		&template.CreatedAt, &template.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTemplateNotFound
		}

		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	if err := json.Unmarshal(messages, &template.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template messages: %w", err)
	}

	return &template, nil
}

func (p *Persistence) TemplateByID(ctx context.Context, id string) (*models.Template, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, enabled, trigger_type, trigger_days, messages, created_at, updated_at FROM templates WHERE id = $1`, id)

	return scanTemplate(row)
}

func (p *Persistence) SaveTemplate(ctx context.Context, template *models.Template) error {
	messages, err := json.Marshal(template.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal template messages: %w", err)
	}

	query := `
		INSERT INTO templates (id, name, enabled, trigger_type, trigger_days, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			trigger_type = EXCLUDED.trigger_type,
			trigger_days = EXCLUDED.trigger_days,
			messages = EXCLUDED.messages,
			updated_at = EXCLUDED.updated_at
	`

	_, err = p.db.ExecContext(ctx, query,
		template.ID, template.Name, template.Enabled,
		string(template.Trigger.Type), template.Trigger.Days, messages,
		template.CreatedAt, template.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", template.ID, err)
	}

	return nil
}

func (p *Persistence) DeleteTemplate(ctx context.Context, id string) error {
	return p.deleteByID(ctx, "templates", id, persistence.ErrTemplateNotFound)
}

func (p *Persistence) deleteByID(ctx context.Context, table, id string, notFound error) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm delete from %s: %w", table, err)
	}

	if affected == 0 {
		return notFound
	}

	return nil
}

const webhookColumns = `id, name, workflow_id, template_id, secret, url, enabled, created_at, updated_at`

// Webhooks returns all registered webhooks.
func (p *Persistence) Webhooks(ctx context.Context) ([]*models.Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer p.closeRows(ctx, rows)

	webhooks := make([]*models.Webhook, 0)

	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}

		webhooks = append(webhooks, webhook)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhooks: %w", err)
	}

	return webhooks, nil
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var (
		webhook                models.Webhook
		workflowID, templateID sql.NullString
	)

	err := row.Scan(&webhook.ID, &webhook.Name, &workflowID, &templateID, &webhook.Secret,
		&webhook.URL, &webhook.Enabled, &webhook.CreatedAt, &webhook.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWebhookNotFound
		}

		return nil, fmt.Errorf("failed to scan webhook: %w", err)
	}

	webhook.WorkflowID = workflowID.String
	webhook.TemplateID = templateID.String

	return &webhook, nil
}

func (p *Persistence) WebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)

	return scanWebhook(row)
}

func (p *Persistence) SaveWebhook(ctx context.Context, webhook *models.Webhook) error {
	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			workflow_id = EXCLUDED.workflow_id,
			template_id = EXCLUDED.template_id,
			secret = EXCLUDED.secret,
			url = EXCLUDED.url,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`

	_, err := p.db.ExecContext(ctx, query,
		webhook.ID, webhook.Name, nullable(webhook.WorkflowID), nullable(webhook.TemplateID),
		webhook.Secret, webhook.URL, webhook.Enabled, webhook.CreatedAt, webhook.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook %s: %w", webhook.ID, err)
	}

	return nil
}

func (p *Persistence) DeleteWebhook(ctx context.Context, id string) error {
	return p.deleteByID(ctx, "webhooks", id, persistence.ErrWebhookNotFound)
}

func (p *Persistence) SaveWebhookExecution(ctx context.Context, execution *models.WebhookExecution) error {
	payload, err := json.Marshal(execution.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	response, err := json.Marshal(execution.Response)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook response: %w", err)
	}

	query := `
		INSERT INTO webhook_executions (id, webhook_id, status, payload, response, error_message, execution_time_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			response = EXCLUDED.response,
			error_message = EXCLUDED.error_message,
			execution_time_ms = EXCLUDED.execution_time_ms,
			completed_at = EXCLUDED.completed_at
	`

	_, err = p.db.ExecContext(ctx, query,
		execution.ID, execution.WebhookID, string(execution.Status),
		payload, response, nullable(execution.ErrorMessage),
		execution.ExecutionTimeMS, execution.CreatedAt, nullTime(execution.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save webhook execution %s: %w", execution.ID, err)
	}

	return nil
}

// WebhookExecutions returns audit records for one webhook, newest first.
func (p *Persistence) WebhookExecutions(ctx context.Context, webhookID string, limit int) ([]*models.WebhookExecution, error) {
	query := `SELECT id, webhook_id, status, payload, response, error_message, execution_time_ms, created_at, completed_at
		FROM webhook_executions`
	args := make([]any, 0, 1)

	if webhookID != "" {
		query += ` WHERE webhook_id = $1`

		args = append(args, webhookID)
	}

	query += ` ORDER BY created_at DESC`

	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook executions: %w", err)
	}
	defer p.closeRows(ctx, rows)

	executions := make([]*models.WebhookExecution, 0)

	for rows.Next() {
		var (
			execution         models.WebhookExecution
			payload, response []byte
			errMessage        sql.NullString
			completedAt       sql.NullTime
		)

		err := rows.Scan(&execution.ID, &execution.WebhookID, &execution.Status,
			&payload, &response, &errMessage, &execution.ExecutionTimeMS,
			&execution.CreatedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook execution: %w", err)
		}

		execution.ErrorMessage = errMessage.String

		if completedAt.Valid {
			execution.CompletedAt = &completedAt.Time
		}

		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &execution.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal webhook payload: %w", err)
			}
		}

		if len(response) > 0 {
			if err := json.Unmarshal(response, &execution.Response); err != nil {
				return nil, fmt.Errorf("failed to unmarshal webhook response: %w", err)
			}
		}

		executions = append(executions, &execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook executions: %w", err)
	}

	return executions, nil
}

func (p *Persistence) SaveMessageLog(ctx context.Context, entry *models.MessageLog) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}

	query := `
		INSERT INTO message_logs (id, patient_id, channel, provider, recipient, content, status, error_message, metadata, retry_count, last_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			last_retry_at = EXCLUDED.last_retry_at
	`

	_, err = p.db.ExecContext(ctx, query,
		entry.ID, entry.PatientID, string(entry.Channel), nullable(entry.Provider),
		nullable(entry.Recipient), entry.Content, string(entry.Status),
		nullable(entry.ErrorMessage), metadata, entry.RetryCount,
		nullTime(entry.LastRetryAt), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message log %s: %w", entry.ID, err)
	}

	return nil
}

func scanMessageLog(row rowScanner) (*models.MessageLog, error) {
	var (
		entry                           models.MessageLog
		provider, recipient, errMessage sql.NullString
		metadata                        []byte
		lastRetryAt                     sql.NullTime
	)

	err := row.Scan(&entry.ID, &entry.PatientID, &entry.Channel, &provider,
		&recipient, &entry.Content, &entry.Status, &errMessage, &metadata,
		&entry.RetryCount, &lastRetryAt, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message log: %w", err)
	}

	entry.Provider = provider.String
	entry.Recipient = recipient.String
	entry.ErrorMessage = errMessage.String

	if lastRetryAt.Valid {
		entry.LastRetryAt = &lastRetryAt.Time
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
		}
	}

	return &entry, nil
}

const messageLogColumns = `id, patient_id, channel, provider, recipient, content, status, error_message, metadata, retry_count, last_retry_at, created_at`

// MessageLogsByPatient returns delivery attempts for one patient, newest first.
func (p *Persistence) MessageLogsByPatient(ctx context.Context, patientID string, limit int) ([]*models.MessageLog, error) {
	query := `SELECT ` + messageLogColumns + ` FROM message_logs WHERE patient_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	return p.queryMessageLogs(ctx, query, patientID)
}

// FailedMessagesForRetry returns failed messages still under the retry cap.
func (p *Persistence) FailedMessagesForRetry(ctx context.Context, maxRetries int) ([]*models.MessageLog, error) {
	query := `SELECT ` + messageLogColumns + ` FROM message_logs WHERE status = $1 AND retry_count < $2 ORDER BY created_at ASC`

	return p.queryMessageLogs(ctx, query, string(models.MessageFailed), maxRetries)
}

func (p *Persistence) queryMessageLogs(ctx context.Context, query string, args ...any) ([]*models.MessageLog, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message logs: %w", err)
	}
	defer p.closeRows(ctx, rows)

	entries := make([]*models.MessageLog, 0)

	for rows.Next() {
		entry, err := scanMessageLog(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message logs: %w", err)
	}

	return entries, nil
}

// ChannelStats aggregates message outcomes per channel.
func (p *Persistence) ChannelStats(ctx context.Context) ([]models.ChannelStats, error) {
	query := `
		SELECT
			channel,
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending')
		FROM message_logs
		GROUP BY channel
		ORDER BY channel
	`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query channel stats: %w", err)
	}
	defer p.closeRows(ctx, rows)

	stats := make([]models.ChannelStats, 0)

	for rows.Next() {
		var entry models.ChannelStats

		if err := rows.Scan(&entry.Channel, &entry.Sent, &entry.Failed, &entry.Pending); err != nil {
			return nil, fmt.Errorf("failed to scan channel stats: %w", err)
		}

		stats = append(stats, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel stats: %w", err)
	}

	return stats, nil
}

const patientColumns = `id, name, phone, email, gender, birth_date, last_visit_date, last_surgery_date, created_at`

// Patients returns all patients.
func (p *Persistence) Patients(ctx context.Context) ([]*models.Patient, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer p.closeRows(ctx, rows)

	patients := make([]*models.Patient, 0)

	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}

		patients = append(patients, patient)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patients: %w", err)
	}

	return patients, nil
}

func scanPatient(row rowScanner) (*models.Patient, error) {
	var (
		patient                          models.Patient
		phone, email, gender             sql.NullString
		birthDate, lastVisit, lastSurgery sql.NullTime
	)

	err := row.Scan(&patient.ID, &patient.Name, &phone, &email, &gender,
		&birthDate, &lastVisit, &lastSurgery, &patient.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrPatientNotFound
		}

		return nil, fmt.Errorf("failed to scan patient: %w", err)
	}

	patient.Phone = phone.String
	patient.Email = email.String
	patient.Gender = gender.String

	if birthDate.Valid {
		patient.BirthDate = &birthDate.Time
	}

	if lastVisit.Valid {
		patient.LastVisitDate = &lastVisit.Time
	}

	if lastSurgery.Valid {
		patient.LastSurgeryDate = &lastSurgery.Time
	}

	return &patient, nil
}

func (p *Persistence) PatientByID(ctx context.Context, id string) (*models.Patient, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)

	return scanPatient(row)
}

func (p *Persistence) SavePatient(ctx context.Context, patient *models.Patient) error {
	query := `
		INSERT INTO patients (` + patientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			gender = EXCLUDED.gender,
			birth_date = EXCLUDED.birth_date,
			last_visit_date = EXCLUDED.last_visit_date,
			last_surgery_date = EXCLUDED.last_surgery_date
	`

	_, err := p.db.ExecContext(ctx, query,
		patient.ID, patient.Name, nullable(patient.Phone), nullable(patient.Email),
		nullable(patient.Gender), nullTime(patient.BirthDate),
		nullTime(patient.LastVisitDate), nullTime(patient.LastSurgeryDate), patient.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save patient %s: %w", patient.ID, err)
	}

	return nil
}

const appointmentColumns = `id, patient_id, date, time, category, status, cancellation_reason, meeting_url, meeting_password, created_at`

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var (
		appointment                           models.Appointment
		category, reason, meetingURL, meetingPW sql.NullString
	)

	err := row.Scan(&appointment.ID, &appointment.PatientID, &appointment.Date,
		&appointment.Time, &category, &appointment.Status, &reason,
		&meetingURL, &meetingPW, &appointment.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAppointmentNotFound
		}

		return nil, fmt.Errorf("failed to scan appointment: %w", err)
	}

	appointment.Category = category.String
	appointment.CancellationReason = reason.String
	appointment.MeetingURL = meetingURL.String
	appointment.MeetingPassword = meetingPW.String

	return &appointment, nil
}

func (p *Persistence) AppointmentByID(ctx context.Context, id string) (*models.Appointment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)

	return scanAppointment(row)
}

func (p *Persistence) SaveAppointment(ctx context.Context, appointment *models.Appointment) error {
	query := `
		INSERT INTO appointments (` + appointmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			date = EXCLUDED.date,
			time = EXCLUDED.time,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			cancellation_reason = EXCLUDED.cancellation_reason,
			meeting_url = EXCLUDED.meeting_url,
			meeting_password = EXCLUDED.meeting_password
	`

	_, err := p.db.ExecContext(ctx, query,
		appointment.ID, appointment.PatientID, appointment.Date, appointment.Time,
		nullable(appointment.Category), string(appointment.Status),
		nullable(appointment.CancellationReason), nullable(appointment.MeetingURL),
		nullable(appointment.MeetingPassword), appointment.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save appointment %s: %w", appointment.ID, err)
	}

	return nil
}

// AppointmentsOnDate returns appointments with the given YYYY-MM-DD date.
func (p *Persistence) AppointmentsOnDate(ctx context.Context, date string) ([]*models.Appointment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE date = $1`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer p.closeRows(ctx, rows)

	appointments := make([]*models.Appointment, 0)

	for rows.Next() {
		appointment, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}

		appointments = append(appointments, appointment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appointments: %w", err)
	}

	return appointments, nil
}
