package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/hotmart"
	"github.com/ciliosclick/ciliosclick/internal/pkg/jobqueue"
	"github.com/ciliosclick/ciliosclick/internal/pkg/mail"
	"github.com/ciliosclick/ciliosclick/internal/pkg/metrics"
)

var errInvalidSignature = errors.New("invalid webhook signature")

// WelcomeNotifier schedules the credentials e-mail after a fresh allocation.
type WelcomeNotifier interface {
	EnqueueWelcomeEmail(ctx context.Context, p jobqueue.WelcomeEmailJobPayload) error
}

// WebhookController receives Hotmart deliveries
type WebhookController struct {
	verifier        *hotmart.Verifier
	router          *hotmart.Router
	recorder        *audit.Recorder
	notifier        WelcomeNotifier
	welcomeTemplate string
	trustProxy      bool
	timeout         time.Duration
	enqueueTimeout  time.Duration
}

// NewWebhookController creates the webhook controller. notifier may be nil
// when e-mail delivery is not configured.
func NewWebhookController(verifier *hotmart.Verifier, router *hotmart.Router, recorder *audit.Recorder, notifier WelcomeNotifier) *WebhookController {
	return &WebhookController{
		verifier:        verifier,
		router:          router,
		recorder:        recorder,
		notifier:        notifier,
		welcomeTemplate: mail.DefaultWelcomeTemplate,
		timeout:         15 * time.Second,
		enqueueTimeout:  500 * time.Millisecond,
	}
}

// WithWelcomeTemplate overrides the template id used for welcome e-mails.
func (wc *WebhookController) WithWelcomeTemplate(templateID string) *WebhookController {
	if templateID != "" {
		wc.welcomeTemplate = templateID
	}
	return wc
}

// WithTrustedProxyHeaders records the forwarded client address instead of
// the peer address. Enable only behind a proxy that overwrites these headers.
func (wc *WebhookController) WithTrustedProxyHeaders(trust bool) *WebhookController {
	wc.trustProxy = trust
	return wc
}

// envelope is read before verification so the audit row carries the event
// id and type even for rejected deliveries.
type envelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

// HandleHotmartWebhook stores the delivery, verifies it and routes it to the
// allocator.
func (wc *WebhookController) HandleHotmartWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	var head envelope
	_ = json.Unmarshal(rawBody, &head)
	eventType := strings.ToUpper(strings.TrimSpace(head.Event))

	ctx, cancel := context.WithTimeout(context.Background(), wc.timeout)
	defer cancel()

	remoteIP := ClientIP(c, wc.trustProxy)
	signatureValid := wc.verifier.Verify(rawBody, func(key string) string { return c.Get(key) })
	stored, err := wc.recorder.Record(ctx, audit.RecordInput{
		Source:          models.WebhookSourceHotmart,
		ProviderEventID: head.ID,
		EventType:       eventType,
		Payload:         rawBody,
		SignatureValid:  signatureValid,
		RemoteIP:        remoteIP,
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record delivery: %v", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, eventType, "audit_failed").Inc()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}

	if !signatureValid {
		log.Warnf("[Webhook] Invalid signature for webhook event %d from %s", stored.ID, remoteIP)
		wc.markProcessed(ctx, stored.ID, errInvalidSignature)
		metrics.WebhookSignatureFailuresTotal.WithLabelValues(models.WebhookSourceHotmart).Inc()
		metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, eventType, "invalid_signature").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	status, body := wc.process(ctx, stored.ID, rawBody)
	return c.Status(status).JSON(body)
}

// Replay routes a stored delivery again. Only deliveries whose signature
// verified when they arrived are replayed.
func (wc *WebhookController) Replay(ctx context.Context, event *models.WebhookEvent) (int, fiber.Map) {
	if !event.SignatureValid {
		return fiber.StatusUnprocessableEntity, fiber.Map{"error": "signature_invalid", "message": "Deliveries with an invalid signature are never replayed"}
	}
	log.Infof("[Webhook] Replaying webhook event %d (%s)", event.ID, event.EventType)
	return wc.process(ctx, event.ID, event.PayloadRaw)
}

// process parses and routes a verified payload, then closes the audit row.
func (wc *WebhookController) process(ctx context.Context, eventID uint, rawBody []byte) (int, fiber.Map) {
	ev, err := hotmart.ParseEvent(rawBody)
	if err != nil {
		wc.markProcessed(ctx, eventID, err)
		metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, "", "invalid_payload").Inc()
		return fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload"}
	}

	res, err := wc.router.Route(ctx, ev)
	if err != nil {
		wc.markProcessed(ctx, eventID, err)
		if errors.Is(err, hotmart.ErrPayloadMalformed) {
			metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, ev.Event, "invalid_payload").Inc()
			return fiber.StatusBadRequest, fiber.Map{"error": "invalid_payload"}
		}
		log.Errorf("[Webhook] Processing webhook event %d (%s) failed: %v", eventID, ev.Event, err)
		metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, ev.Event, "error").Inc()
		return fiber.StatusInternalServerError, fiber.Map{"error": "internal_error"}
	}

	if res.Fresh() {
		wc.notifyWelcome(ctx, res)
	}

	var processingErr error
	if res.Outcome == hotmart.OutcomePoolExhausted {
		processingErr = errors.New(res.Warning)
	}
	wc.markProcessed(ctx, eventID, processingErr)
	metrics.WebhookDeliveriesTotal.WithLabelValues(models.WebhookSourceHotmart, ev.Event, string(res.Outcome)).Inc()
	log.Infof("[Webhook] Webhook event %d %s -> %s", eventID, ev.Event, res.Outcome)

	body := fiber.Map{"ok": true, "outcome": res.Outcome}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}
	if res.Allocation != nil {
		body["account"] = fiber.Map{
			"id":       res.Allocation.AccountUUID,
			"username": res.Allocation.Username,
		}
	}
	return fiber.StatusOK, body
}

func (wc *WebhookController) notifyWelcome(ctx context.Context, res *hotmart.Result) {
	if wc.notifier == nil {
		return
	}
	// The allocation is already committed at this point.
	enqueueCtx, cancel := context.WithTimeout(ctx, wc.enqueueTimeout)
	defer cancel()

	a := res.Allocation
	err := wc.notifier.EnqueueWelcomeEmail(enqueueCtx, jobqueue.WelcomeEmailJobPayload{
		TemplateID:    wc.welcomeTemplate,
		BuyerEmail:    a.BuyerEmail,
		BuyerName:     a.BuyerName,
		TransactionID: a.TransactionID,
		Username:      a.Username,
		AccountEmail:  a.Email,
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to enqueue welcome email for %s: %v", a.TransactionID, err)
	}
}

func (wc *WebhookController) markProcessed(ctx context.Context, id uint, processingErr error) {
	if err := wc.recorder.MarkProcessed(ctx, id, processingErr); err != nil {
		log.Errorf("[Webhook] Failed to mark webhook event %d processed: %v", id, err)
	}
}
