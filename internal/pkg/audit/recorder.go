// Package audit keeps the append-only log of inbound webhook deliveries.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ciliosclick/ciliosclick/app/models"
)

var ErrEventNotFound = errors.New("webhook event not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	maxErrorLength = 4000
)

// RecordInput is one delivery as received.
type RecordInput struct {
	Source          string
	ProviderEventID string
	EventType       string
	Payload         []byte
	SignatureValid  bool
	RemoteIP        string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Source         string
	EventType      string
	SignatureValid *bool
	Limit          int
	Offset         int
}

// Archiver copies recorded deliveries to long-term storage. It is called
// after the insert and must not block on the upload itself.
type Archiver interface {
	EnqueueAuditArchive(ctx context.Context, eventID uint) error
}

// Recorder writes and reads the audit log.
type Recorder struct {
	repo     Repository
	archiver Archiver
	now      func() time.Time
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

func NewRecorderFromDB(db *gorm.DB) *Recorder {
	return NewRecorder(NewRepository(db))
}

// WithArchiver enables archival of every recorded delivery.
func (r *Recorder) WithArchiver(a Archiver) *Recorder {
	r.archiver = a
	return r
}

// Record stores the delivery and returns the row with its id. The payload is
// stored byte for byte, including deliveries with invalid signatures.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (*models.WebhookEvent, error) {
	source := strings.ToLower(strings.TrimSpace(in.Source))
	if source == "" {
		return nil, errors.New("source is required")
	}

	payload := in.Payload
	if payload == nil {
		payload = []byte{}
	}
	sum := sha256.Sum256(payload)
	event := &models.WebhookEvent{
		Source:          source,
		ProviderEventID: sanitize(strings.TrimSpace(in.ProviderEventID), 191),
		EventType:       sanitize(strings.TrimSpace(in.EventType), 100),
		PayloadRaw:      payload,
		PayloadSHA256:   hex.EncodeToString(sum[:]),
		SignatureValid:  in.SignatureValid,
		RemoteIP:        sanitize(in.RemoteIP, 45),
		ReceivedAt:      r.now().UTC(),
	}
	if err := r.repo.Create(ctx, event); err != nil {
		return nil, err
	}

	if r.archiver != nil {
		if err := r.archiver.EnqueueAuditArchive(ctx, event.ID); err != nil {
			log.Warnf("[Audit] Failed to enqueue archive for webhook event %d: %v", event.ID, err)
		}
	}
	return event, nil
}

// MarkProcessed stamps processed_at and the optional processing error.
func (r *Recorder) MarkProcessed(ctx context.Context, id uint, processingErr error) error {
	if id == 0 {
		return errors.New("webhook event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = sanitize(processingErr.Error(), maxErrorLength)
	}
	return r.repo.MarkProcessed(ctx, id, errMsg)
}

func (r *Recorder) Get(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	return r.repo.Get(ctx, id)
}

// List returns matching events newest first together with the total count.
func (r *Recorder) List(ctx context.Context, filter ListFilter) ([]models.WebhookEvent, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Source = strings.ToLower(strings.TrimSpace(filter.Source))
	filter.EventType = strings.ToUpper(strings.TrimSpace(filter.EventType))
	return r.repo.List(ctx, filter)
}

// sanitize makes s safe for a text column: invalid UTF-8 and NUL bytes are
// dropped and the result is cut to at most n bytes on a rune boundary.
func sanitize(s string, n int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
