package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doctorsflow/engage/pkg/models"
)

// Retry schedule for failed messages: one minute, then five, then thirty.
var retryIntervals = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// MaxMessageRetries caps redelivery attempts per message log row.
const MaxMessageRetries = 3

// RetryStore is the persistence slice the retrier needs.
type RetryStore interface {
	FailedMessagesForRetry(ctx context.Context, maxRetries int) ([]*models.MessageLog, error)
	SaveMessageLog(ctx context.Context, entry *models.MessageLog) error
	PatientByID(ctx context.Context, id string) (*models.Patient, error)
}

// Retrier periodically redelivers failed messages. Redelivery updates the
// original row in place instead of appending new attempt rows, so a message
// can never spawn more than MaxMessageRetries retries.
type Retrier struct {
	dispatcher *Dispatcher
	store      RetryStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewRetrier creates a retrier over the dispatcher's providers.
func NewRetrier(dispatcher *Dispatcher, store RetryStore, logger *slog.Logger) *Retrier {
	return &Retrier{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.With("module", "retrier"),
		now:        time.Now,
	}
}

// Sweep redelivers every failed message whose backoff interval has elapsed.
// Returns the number of messages successfully redelivered.
func (r *Retrier) Sweep(ctx context.Context) (int, error) {
	entries, err := r.store.FailedMessagesForRetry(ctx, MaxMessageRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to load retry candidates: %w", err)
	}

	recovered := 0

	for _, entry := range entries {
		if !r.due(entry) {
			continue
		}

		if err := r.redeliver(ctx, entry); err != nil {
			r.logger.WarnContext(ctx, "message redelivery failed",
				"message_id", entry.ID, "retry_count", entry.RetryCount, "error", err)

			continue
		}

		recovered++
	}

	return recovered, nil
}

// due reports whether the entry's backoff interval has elapsed since its
// last attempt.
func (r *Retrier) due(entry *models.MessageLog) bool {
	lastAttempt := entry.CreatedAt
	if entry.LastRetryAt != nil {
		lastAttempt = *entry.LastRetryAt
	}

	interval := retryIntervals[len(retryIntervals)-1]
	if entry.RetryCount < len(retryIntervals) {
		interval = retryIntervals[entry.RetryCount]
	}

	return !r.now().Before(lastAttempt.Add(interval))
}

// redeliver sends the entry's content through its original channel once and
// updates the row with the outcome.
func (r *Retrier) redeliver(ctx context.Context, entry *models.MessageLog) error {
	provider, ok := r.dispatcher.providers[entry.Channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProvider, entry.Channel)
	}

	patient, err := r.store.PatientByID(ctx, entry.PatientID)
	if err != nil {
		return err
	}

	recipient, err := r.dispatcher.recipient(entry.Channel, patient)
	if err != nil {
		return err
	}

	now := r.now()
	entry.RetryCount++
	entry.LastRetryAt = &now

	sendErr := provider.Send(ctx, recipient, entry.Content)
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	} else {
		entry.Status = models.MessageSent
		entry.ErrorMessage = ""
	}

	if err := r.store.SaveMessageLog(ctx, entry); err != nil {
		return err
	}

	return sendErr
}
