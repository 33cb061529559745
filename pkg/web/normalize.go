package web

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// webhookPayloadSchema accepts the two shapes integrations send: a flat
// patient_id or a nested patient object.
const webhookPayloadSchema = `{
	"type": "object",
	"properties": {
		"patient_id": {"type": "string", "minLength": 1},
		"patient": {
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1}
			},
			"required": ["id"]
		},
		"appointment_id": {"type": "string"},
		"variables": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"anyOf": [
		{"required": ["patient_id"]},
		{"required": ["patient"]}
	]
}`

var errInvalidPayload = errors.New("invalid webhook payload")

// webhookPayload is the normalized form of an ingress request body.
type webhookPayload struct {
	PatientID     string
	AppointmentID string
	Variables     map[string]string
	Raw           map[string]any
}

// normalizeWebhookPayload validates the raw body against the payload schema
// and flattens the patient reference.
func normalizeWebhookPayload(body []byte) (*webhookPayload, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", errInvalidPayload)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(webhookPayloadSchema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errInvalidPayload, err)
	}

	if !result.Valid() {
		detail := "schema validation failed"
		if len(result.Errors()) > 0 {
			detail = result.Errors()[0].String()
		}

		return nil, fmt.Errorf("%w: %s", errInvalidPayload, detail)
	}

	var raw struct {
		PatientID string `json:"patient_id"`
		Patient   *struct {
			ID string `json:"id"`
		} `json:"patient"`
		AppointmentID string            `json:"appointment_id"`
		Variables     map[string]string `json:"variables"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", errInvalidPayload, err)
	}

	payload := &webhookPayload{
		PatientID:     raw.PatientID,
		AppointmentID: raw.AppointmentID,
		Variables:     raw.Variables,
	}

	if payload.PatientID == "" && raw.Patient != nil {
		payload.PatientID = raw.Patient.ID
	}

	// Keep the original body for the audit record.
	_ = json.Unmarshal(body, &payload.Raw)

	return payload, nil
}
