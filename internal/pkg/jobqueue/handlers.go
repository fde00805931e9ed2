package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/mail"
)

// MailSender is the e-mail collaborator: recipient, template id, variables.
type MailSender interface {
	Send(ctx context.Context, recipient, templateID string, vars map[string]interface{}) error
}

// EventLoader reads audit records.
type EventLoader interface {
	Get(ctx context.Context, id uint) (*models.WebhookEvent, error)
}

// ObjectStore writes archived payloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, sha256Hex string) error
}

// ObjectKeyFunc names the archive object for a delivery.
type ObjectKeyFunc func(source string, eventID uint, receivedAt time.Time) string

// WelcomeEmailHandler sends the credentials e-mail for a fresh allocation.
func WelcomeEmailHandler(sender MailSender, loginURL string) Handler {
	return func(ctx context.Context, job *Job) error {
		p, err := WelcomeEmailJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		if p.BuyerEmail == "" {
			return fmt.Errorf("%w: welcome email without recipient", ErrPermanent)
		}
		templateID := p.TemplateID
		if templateID == "" {
			templateID = mail.DefaultWelcomeTemplate
		}

		err = sender.Send(ctx, p.BuyerEmail, templateID, map[string]interface{}{
			"BuyerName":     p.BuyerName,
			"Username":      p.Username,
			"AccountEmail":  p.AccountEmail,
			"TransactionID": p.TransactionID,
			"LoginURL":      loginURL,
		})
		if errors.Is(err, mail.ErrDisabled) {
			log.Warnf("[JobQueue] Mail disabled, welcome email for %s not sent", p.TransactionID)
			return nil
		}
		return err
	}
}

// AuditArchiveHandler copies a recorded delivery to object storage.
func AuditArchiveHandler(events EventLoader, store ObjectStore, objectKey ObjectKeyFunc) Handler {
	return func(ctx context.Context, job *Job) error {
		p, err := AuditArchiveJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}

		event, err := events.Get(ctx, p.WebhookEventID)
		if err != nil {
			if errors.Is(err, audit.ErrEventNotFound) {
				return fmt.Errorf("%w: webhook event %d: %v", ErrPermanent, p.WebhookEventID, err)
			}
			return err
		}

		key := objectKey(event.Source, event.ID, event.ReceivedAt)
		return store.Put(ctx, key, event.PayloadRaw, event.PayloadSHA256)
	}
}

// EnqueueWelcomeEmail schedules the welcome e-mail for a fresh allocation.
func (q *Queue) EnqueueWelcomeEmail(ctx context.Context, p WelcomeEmailJobPayload) error {
	_, err := q.EnqueueJob(ctx, JobTypeWelcomeEmail, p.ToMap())
	return err
}

// EnqueueAuditArchive schedules an S3 copy of a recorded delivery.
func (q *Queue) EnqueueAuditArchive(ctx context.Context, eventID uint) error {
	_, err := q.EnqueueJob(ctx, JobTypeAuditArchive, AuditArchiveJobPayload{WebhookEventID: eventID}.ToMap())
	return err
}
