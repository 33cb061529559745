package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctorsflow/engage/pkg/models"
)

type fakeProvider struct {
	name    string
	channel models.Channel
	calls   int
	errs    []error // consumed per call; nil past the end means success
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Channel() models.Channel { return f.channel }

func (f *fakeProvider) Send(_ context.Context, _, _ string) error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}

	return nil
}

type memoryLogStore struct {
	entries []*models.MessageLog
}

func (m *memoryLogStore) SaveMessageLog(_ context.Context, entry *models.MessageLog) error {
	m.entries = append(m.entries, entry)

	return nil
}

func newTestDispatcher(logs *memoryLogStore, providers ...Provider) *Dispatcher {
	return NewDispatcher(providers, logs, slog.Default()).WithRetryPolicy(2, 0)
}

func testPatient() *models.Patient {
	return &models.Patient{ID: "p-1", Name: "김영희", Phone: "010-1234-5678", Email: "kim@example.com"}
}

func TestDispatch_BothFallsBackToSMSExactlyOnce(t *testing.T) {
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao, errs: []error{
		NewPermanentError("kakao", "Send", errors.New("template rejected")),
	}}
	sms := &fakeProvider{name: "sms", channel: models.ChannelSMS}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao, sms)

	outcome, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelBoth,
		Content: "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, kakao.calls, "permanent kakao failure is not retried")
	assert.Equal(t, 1, sms.calls, "exactly one sms fallback")
	assert.True(t, outcome.FellBack)
	assert.Equal(t, models.ChannelSMS, outcome.Channel)
}

func TestDispatch_FallbackNotRetriedOnTransientFailure(t *testing.T) {
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao, errs: []error{
		NewPermanentError("kakao", "Send", errors.New("template rejected")),
	}}
	sms := &fakeProvider{name: "sms", channel: models.ChannelSMS, errs: []error{
		NewTransientError("sms", "Send", errors.New("status 503")),
		NewTransientError("sms", "Send", errors.New("status 503")),
	}}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao, sms)

	_, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelBoth,
		Content: "hello",
	})
	require.Error(t, err)

	assert.Equal(t, 1, kakao.calls)
	assert.Equal(t, 1, sms.calls, "fallback is a single attempt even on a transient failure")
}

func TestDispatch_SMSNeverFallsBackToKakao(t *testing.T) {
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao}
	sms := &fakeProvider{name: "sms", channel: models.ChannelSMS, errs: []error{
		NewPermanentError("sms", "Send", errors.New("invalid number")),
	}}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao, sms)

	_, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelSMS,
		Content: "hello",
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 0, kakao.calls, "sms requests never touch kakao")
}

func TestDispatch_TransientRetriedThenSucceeds(t *testing.T) {
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao, errs: []error{
		NewTransientError("kakao", "Send", errors.New("status 503")),
		NewTransientError("kakao", "Send", errors.New("status 503")),
	}}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao)

	outcome, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelKakao,
		Content: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, kakao.calls)
	assert.Equal(t, 3, outcome.Attempts)
	assert.False(t, outcome.FellBack)
}

func TestDispatch_TransientRetriesExhausted(t *testing.T) {
	errs := []error{
		NewTransientError("kakao", "Send", errors.New("status 503")),
		NewTransientError("kakao", "Send", errors.New("status 503")),
		NewTransientError("kakao", "Send", errors.New("status 503")),
	}
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao, errs: errs}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao)

	_, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelKakao,
		Content: "hello",
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, kakao.calls, "initial attempt plus two retries")
}

func TestDispatch_MissingPhoneIsPermanent(t *testing.T) {
	sms := &fakeProvider{name: "sms", channel: models.ChannelSMS}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, sms)

	patient := testPatient()
	patient.Phone = ""

	_, err := d.Dispatch(context.Background(), &Request{
		Patient: patient,
		Channel: models.ChannelSMS,
		Content: "hello",
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, ErrMissingContact))
	assert.Contains(t, err.Error(), "phone", "failure names the missing contact")
	assert.Equal(t, 0, sms.calls)

	require.Len(t, logs.entries, 1)
	assert.Equal(t, models.MessageFailed, logs.entries[0].Status)
	assert.Contains(t, logs.entries[0].ErrorMessage, "phone")
}

func TestDispatch_EveryAttemptLogged(t *testing.T) {
	kakao := &fakeProvider{name: "kakao", channel: models.ChannelKakao, errs: []error{
		NewTransientError("kakao", "Send", errors.New("status 500")),
	}}
	logs := &memoryLogStore{}

	d := newTestDispatcher(logs, kakao)

	_, err := d.Dispatch(context.Background(), &Request{
		Patient:  testPatient(),
		Channel:  models.ChannelKakao,
		Content:  "hello",
		Metadata: map[string]any{"execution_id": "ex-1"},
	})
	require.NoError(t, err)

	require.Len(t, logs.entries, 2)
	assert.Equal(t, models.MessageFailed, logs.entries[0].Status)
	assert.Equal(t, models.MessageSent, logs.entries[1].Status)
	assert.Equal(t, 1, logs.entries[1].RetryCount)
	assert.Equal(t, "ex-1", logs.entries[1].Metadata["execution_id"])
}

func TestDispatch_NoProviderForChannel(t *testing.T) {
	logs := &memoryLogStore{}
	d := newTestDispatcher(logs)

	_, err := d.Dispatch(context.Background(), &Request{
		Patient: testPatient(),
		Channel: models.ChannelEmail,
		Content: "hello",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoProvider))
}
