package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

const providerCallTimeout = 8 * time.Second

// KakaoProvider sends AlimTalk messages through a Kakao business gateway.
type KakaoProvider struct {
	baseURL   string
	appKey    string
	senderKey string
	client    *http.Client
}

// NewKakaoProvider creates a Kakao provider against the given gateway URL.
func NewKakaoProvider(baseURL, appKey, senderKey string) *KakaoProvider {
	return &KakaoProvider{
		baseURL:   baseURL,
		appKey:    appKey,
		senderKey: senderKey,
		client:    &http.Client{Timeout: providerCallTimeout},
	}
}

func (p *KakaoProvider) Name() string {
	return "kakao-alimtalk"
}

func (p *KakaoProvider) Channel() models.Channel {
	return models.ChannelKakao
}

func (p *KakaoProvider) Send(ctx context.Context, recipient, content string) error {
	payload, err := json.Marshal(map[string]any{
		"senderKey":   p.senderKey,
		"recipientNo": recipient,
		"content":     content,
	})
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	url := fmt.Sprintf("%s/alimtalk/v2.3/appkeys/%s/messages", p.baseURL, p.appKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return NewPermanentError(p.Name(), "Send", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return NewTransientError(p.Name(), "Send", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return classifyStatus(p.Name(), resp.StatusCode)
}

// classifyStatus maps an HTTP status into the dispatch error classes.
func classifyStatus(provider string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return NewTransientError(provider, "Send", fmt.Errorf("status %d", status))
	default:
		return NewPermanentError(provider, "Send", fmt.Errorf("status %d", status))
	}
}
