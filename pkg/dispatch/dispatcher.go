package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/doctorsflow/engage/pkg/models"
)

const (
	defaultMaxRetries   = 2
	defaultRetryBackoff = 500 * time.Millisecond
)

// MessageLogStore persists one row per delivery attempt.
type MessageLogStore interface {
	SaveMessageLog(ctx context.Context, entry *models.MessageLog) error
}

// Request is one message to deliver to one patient.
type Request struct {
	Patient  *models.Patient
	Channel  models.Channel
	Content  string
	Metadata map[string]any
}

// Outcome reports how a request was finally delivered.
type Outcome struct {
	Channel  models.Channel
	Provider string
	FellBack bool
	Attempts int
}

// Dispatcher routes requests to channel providers. Policy: kakao and sms
// requests use their own channel only; "both" tries kakao first and falls
// back to a single sms attempt; email uses email only. Transient failures on
// the primary channel are retried with a short backoff, permanent failures
// and the fallback are not.
type Dispatcher struct {
	providers  map[models.Channel]Provider
	logs       MessageLogStore
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over the given providers.
func NewDispatcher(providers []Provider, logs MessageLogStore, logger *slog.Logger) *Dispatcher {
	byChannel := make(map[models.Channel]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}

	return &Dispatcher{
		providers:  byChannel,
		logs:       logs,
		logger:     logger.With("module", "dispatcher"),
		maxRetries: defaultMaxRetries,
		backoff:    defaultRetryBackoff,
		now:        time.Now,
	}
}

// WithRetryPolicy overrides the transient retry count and backoff.
func (d *Dispatcher) WithRetryPolicy(maxRetries int, backoff time.Duration) *Dispatcher {
	d.maxRetries = maxRetries
	d.backoff = backoff

	return d
}

// Dispatch delivers one request according to the channel policy. Every
// provider attempt appends a MessageLog row regardless of outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Patient == nil {
		return nil, NewPermanentError("dispatcher", "Dispatch", fmt.Errorf("request has no patient"))
	}

	primary := req.Channel
	if primary == models.ChannelBoth {
		primary = models.ChannelKakao
	}

	outcome := &Outcome{Channel: primary}

	err := d.send(ctx, primary, req, outcome, d.maxRetries)
	if err == nil {
		return outcome, nil
	}

	// "both" gets exactly one sms attempt after kakao is exhausted.
	if req.Channel == models.ChannelBoth {
		d.logger.InfoContext(ctx, "kakao delivery failed, falling back to sms",
			"patient_id", req.Patient.ID, "error", err)

		outcome.Channel = models.ChannelSMS
		outcome.FellBack = true

		fallbackErr := d.send(ctx, models.ChannelSMS, req, outcome, 0)
		if fallbackErr == nil {
			return outcome, nil
		}

		err = fallbackErr
	}

	return nil, err
}

// send delivers on one channel with up to maxRetries transient retries.
func (d *Dispatcher) send(ctx context.Context, channel models.Channel, req *Request, outcome *Outcome, maxRetries int) error {
	provider, ok := d.providers[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}

	recipient, err := d.recipient(channel, req.Patient)
	if err != nil {
		d.record(ctx, channel, provider.Name(), "", req, models.MessageFailed, err, 0)

		return err
	}

	outcome.Provider = provider.Name()

	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewTransientError(provider.Name(), "Send", ctx.Err())
			case <-time.After(d.backoff):
			}
		}

		outcome.Attempts++

		sendErr := provider.Send(ctx, recipient, req.Content)

		status := models.MessageSent
		if sendErr != nil {
			status = models.MessageFailed
		}

		d.record(ctx, channel, provider.Name(), recipient, req, status, sendErr, attempt)

		if sendErr == nil {
			return nil
		}

		lastErr = sendErr

		if !IsTransient(sendErr) {
			break
		}

		d.logger.WarnContext(ctx, "transient delivery failure",
			"provider", provider.Name(), "attempt", attempt+1, "error", sendErr)
	}

	return lastErr
}

// recipient picks the destination address for a channel and classifies its
// absence as a permanent failure naming the missing contact field.
func (d *Dispatcher) recipient(channel models.Channel, patient *models.Patient) (string, error) {
	switch channel {
	case models.ChannelKakao, models.ChannelSMS:
		if patient.Phone == "" {
			return "", fmt.Errorf("%w: %w: patient %s has no phone number", ErrPermanent, ErrMissingContact, patient.ID)
		}

		return patient.Phone, nil
	case models.ChannelEmail:
		if patient.Email == "" {
			return "", fmt.Errorf("%w: %w: patient %s has no email address", ErrPermanent, ErrMissingContact, patient.ID)
		}

		return patient.Email, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNoProvider, channel)
	}
}

func (d *Dispatcher) record(ctx context.Context, channel models.Channel, provider, recipient string, req *Request, status models.MessageStatus, sendErr error, retryCount int) {
	entry := &models.MessageLog{
		ID:         uuid.NewString(),
		PatientID:  req.Patient.ID,
		Channel:    channel,
		Provider:   provider,
		Recipient:  recipient,
		Content:    req.Content,
		Status:     status,
		Metadata:   req.Metadata,
		RetryCount: retryCount,
		CreatedAt:  d.now(),
	}

	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	}

	if err := d.logs.SaveMessageLog(ctx, entry); err != nil {
		d.logger.ErrorContext(ctx, "failed to persist message log", "error", err)
	}
}
