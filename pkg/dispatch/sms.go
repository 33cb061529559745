package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/doctorsflow/engage/pkg/models"
	"github.com/doctorsflow/engage/pkg/template"
)

// SMSProvider sends SMS/LMS messages through a coolsms-style gateway. The
// message type is picked by byte length: over the SMS budget it becomes an
// LMS, which the gateway bills at a higher tier.
type SMSProvider struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	senderPhone string
	client      *http.Client
}

// NewSMSProvider creates an SMS provider with the given sender number.
func NewSMSProvider(baseURL, apiKey, apiSecret, senderPhone string) *SMSProvider {
	return &SMSProvider{
		baseURL:     baseURL,
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		senderPhone: senderPhone,
		client:      &http.Client{Timeout: providerCallTimeout},
	}
}

func (p *SMSProvider) Name() string {
	return "coolsms"
}

func (p *SMSProvider) Channel() models.Channel {
	return models.ChannelSMS
}

func (p *SMSProvider) Send(ctx context.Context, recipient, content string) error {
	messageType := "SMS"
	if template.ByteLength(content) > template.SMSByteBudget {
		messageType = "LMS"
	}

	payload, err := json.Marshal(map[string]any{
		"to":   recipient,
		"from": p.senderPhone,
		"text": content,
		"type": messageType,
	})
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages/v4/send", bytes.NewReader(payload))
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "HMAC-SHA256 apiKey="+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTransientError(p.Name(), "Send", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return classifyStatus(p.Name(), resp.StatusCode)
}
