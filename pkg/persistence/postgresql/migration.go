package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT false,
				trigger_type VARCHAR(50) NOT NULL,
				trigger_days INT NOT NULL DEFAULT 0,
				category_filter VARCHAR(255),
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_trigger_type ON workflows(trigger_type);
			CREATE INDEX idx_workflows_active ON workflows(active);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				patient_id VARCHAR(255) NOT NULL,
				appointment_id VARCHAR(255),
				fingerprint VARCHAR(512) NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_step_index INT NOT NULL DEFAULT 0,
				total_steps INT NOT NULL DEFAULT 0,
				steps JSONB NOT NULL DEFAULT '[]',
				variables JSONB,
				tags JSONB,
				log JSONB NOT NULL DEFAULT '[]',
				error_message TEXT,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (workflow_id, patient_id, fingerprint)
			);

			CREATE INDEX idx_executions_status ON workflow_executions(status);
			CREATE INDEX idx_executions_workflow ON workflow_executions(workflow_id);
			CREATE INDEX idx_executions_patient ON workflow_executions(patient_id);
			CREATE INDEX idx_executions_updated_at ON workflow_executions(updated_at);

			CREATE TABLE templates (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT false,
				trigger_type VARCHAR(50) NOT NULL,
				trigger_days INT NOT NULL DEFAULT 0,
				messages JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE webhooks (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255),
				secret VARCHAR(255) NOT NULL,
				url VARCHAR(512) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE webhook_executions (
				id VARCHAR(255) PRIMARY KEY,
				webhook_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				payload JSONB,
				response JSONB,
				error_message TEXT,
				execution_time_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_webhook_executions_webhook ON webhook_executions(webhook_id);
			CREATE INDEX idx_webhook_executions_created_at ON webhook_executions(created_at);

			CREATE TABLE message_logs (
				id VARCHAR(255) PRIMARY KEY,
				patient_id VARCHAR(255) NOT NULL,
				channel VARCHAR(50) NOT NULL,
				provider VARCHAR(255),
				recipient VARCHAR(255),
				content TEXT,
				status VARCHAR(50) NOT NULL,
				error_message TEXT,
				metadata JSONB,
				retry_count INT NOT NULL DEFAULT 0,
				last_retry_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_message_logs_patient ON message_logs(patient_id);
			CREATE INDEX idx_message_logs_status ON message_logs(status);
			CREATE INDEX idx_message_logs_channel ON message_logs(channel);

			CREATE TABLE patients (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				phone VARCHAR(50),
				email VARCHAR(255),
				gender VARCHAR(20),
				birth_date TIMESTAMP WITH TIME ZONE,
				last_visit_date TIMESTAMP WITH TIME ZONE,
				last_surgery_date TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE appointments (
				id VARCHAR(255) PRIMARY KEY,
				patient_id VARCHAR(255) NOT NULL,
				date VARCHAR(10) NOT NULL,
				time VARCHAR(5) NOT NULL,
				category VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				cancellation_reason TEXT,
				meeting_url VARCHAR(512),
				meeting_password VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_appointments_date ON appointments(date);
			CREATE INDEX idx_appointments_patient ON appointments(patient_id);
		`,
		2: `
			ALTER TABLE workflow_executions
				ADD COLUMN version INT NOT NULL DEFAULT 0,
				ADD COLUMN step_claimed_at TIMESTAMP WITH TIME ZONE;

			ALTER TABLE webhooks
				ADD COLUMN template_id VARCHAR(255);
		`,
	}
}
