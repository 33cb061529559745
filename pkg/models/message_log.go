package models

import "time"

// MessageStatus is the outcome of one delivery attempt.
type MessageStatus string

const (
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
	MessagePending MessageStatus = "pending"
)

// MessageLog is one patient-scoped delivery attempt. Every dispatcher attempt
// appends a row; aggregate statistics are computed over them.
type MessageLog struct {
	ID           string         `json:"id"`
	PatientID    string         `json:"patient_id" validate:"required"`
	Channel      Channel        `json:"channel"`
	Provider     string         `json:"provider,omitempty"`
	Recipient    string         `json:"recipient"`
	Content      string         `json:"content"`
	Status       MessageStatus  `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RetryCount   int            `json:"retry_count"`
	LastRetryAt  *time.Time     `json:"last_retry_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ChannelStats aggregates message outcomes for one channel.
type ChannelStats struct {
	Channel Channel `json:"channel"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
	Pending int     `json:"pending"`
}
