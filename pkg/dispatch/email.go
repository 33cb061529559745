package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/doctorsflow/engage/pkg/models"
)

// EmailProvider sends transactional email through an HTTP mail gateway.
type EmailProvider struct {
	baseURL  string
	apiKey   string
	fromAddr string
	fromName string
	client   *http.Client
}

// NewEmailProvider creates an email provider with the given sender identity.
func NewEmailProvider(baseURL, apiKey, fromAddr, fromName string) *EmailProvider {
	return &EmailProvider{
		baseURL:  baseURL,
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		client:   &http.Client{Timeout: providerCallTimeout},
	}
}

func (p *EmailProvider) Name() string {
	return "mailer"
}

func (p *EmailProvider) Channel() models.Channel {
	return models.ChannelEmail
}

func (p *EmailProvider) Send(ctx context.Context, recipient, content string) error {
	payload, err := json.Marshal(map[string]any{
		"from": map[string]string{"address": p.fromAddr, "name": p.fromName},
		"to":   []map[string]string{{"address": recipient}},
		"text": content,
	})
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTransientError(p.Name(), "Send", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return classifyStatus(p.Name(), resp.StatusCode)
}
