package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/mail"
)

type sentMail struct {
	recipient  string
	templateID string
	vars       map[string]interface{}
}

type fakeSender struct {
	sent []sentMail
	err  error
}

func (f *fakeSender) Send(_ context.Context, recipient, templateID string, vars map[string]interface{}) error {
	f.sent = append(f.sent, sentMail{recipient, templateID, vars})
	return f.err
}

// roundTrip stores and reloads the job the way Redis does, turning numbers
// into float64.
func roundTrip(t *testing.T, job *Job) *Job {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	var out Job
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func TestWelcomeEmailHandler(t *testing.T) {
	sender := &fakeSender{}
	h := WelcomeEmailHandler(sender, "https://app.ciliosclick.com/login")

	job := roundTrip(t, &Job{Payload: WelcomeEmailJobPayload{
		BuyerEmail:    "ana@example.com",
		BuyerName:     "Ana",
		TransactionID: "HP-1",
		Username:      "user0001",
		AccountEmail:  "user0001@pool.ciliosclick.com",
	}.ToMap()})

	require.NoError(t, h(context.Background(), job))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].recipient)
	assert.Equal(t, mail.DefaultWelcomeTemplate, sender.sent[0].templateID)
	assert.Equal(t, "user0001", sender.sent[0].vars["Username"])
	assert.Equal(t, "https://app.ciliosclick.com/login", sender.sent[0].vars["LoginURL"])
}

func TestWelcomeEmailHandler_Errors(t *testing.T) {
	h := WelcomeEmailHandler(&fakeSender{}, "")
	err := h(context.Background(), &Job{Payload: WelcomeEmailJobPayload{Username: "user0001"}.ToMap()})
	assert.ErrorIs(t, err, ErrPermanent)

	smtpErr := errors.New("connection refused")
	h = WelcomeEmailHandler(&fakeSender{err: smtpErr}, "")
	err = h(context.Background(), &Job{Payload: WelcomeEmailJobPayload{BuyerEmail: "a@b.com"}.ToMap()})
	assert.ErrorIs(t, err, smtpErr)
	assert.NotErrorIs(t, err, ErrPermanent)

	h = WelcomeEmailHandler(&fakeSender{err: mail.ErrDisabled}, "")
	assert.NoError(t, h(context.Background(), &Job{Payload: WelcomeEmailJobPayload{BuyerEmail: "a@b.com"}.ToMap()}))
}

type fakeEvents map[uint]*models.WebhookEvent

func (f fakeEvents) Get(_ context.Context, id uint) (*models.WebhookEvent, error) {
	if ev, ok := f[id]; ok {
		return ev, nil
	}
	return nil, audit.ErrEventNotFound
}

type putCall struct {
	key, body, sha string
}

type fakeStore struct {
	puts []putCall
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte, sha string) error {
	f.puts = append(f.puts, putCall{key, string(body), sha})
	return nil
}

func TestAuditArchiveHandler(t *testing.T) {
	received := time.Date(2025, 5, 4, 10, 0, 0, 0, time.UTC)
	events := fakeEvents{9: {ID: 9, Source: "hotmart", PayloadRaw: []byte(`{"event":"X"}`), PayloadSHA256: "abc", ReceivedAt: received}}
	store := &fakeStore{}
	keyFn := func(source string, id uint, at time.Time) string {
		return source + "/" + at.Format("2006/01/02") + "/" + "9.json"
	}
	h := AuditArchiveHandler(events, store, keyFn)

	job := roundTrip(t, &Job{Payload: AuditArchiveJobPayload{WebhookEventID: 9}.ToMap()})
	require.NoError(t, h(context.Background(), job))
	require.Len(t, store.puts, 1)
	assert.Equal(t, putCall{key: "hotmart/2025/05/04/9.json", body: `{"event":"X"}`, sha: "abc"}, store.puts[0])

	missing := roundTrip(t, &Job{Payload: AuditArchiveJobPayload{WebhookEventID: 10}.ToMap()})
	assert.ErrorIs(t, h(context.Background(), missing), ErrPermanent)
}
