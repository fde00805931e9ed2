package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ciliosclick/ciliosclick/app/models"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/provisioning"
)

// AdminPoolController serves the operator API for the account pool and the
// webhook audit log.
type AdminPoolController struct {
	allocator *provisioning.Service
	recorder  *audit.Recorder
	webhooks  *WebhookController
	validate  *validator.Validate
	timeout   time.Duration
}

func NewAdminPoolController(allocator *provisioning.Service, recorder *audit.Recorder, webhooks *WebhookController) *AdminPoolController {
	return &AdminPoolController{
		allocator: allocator,
		recorder:  recorder,
		webhooks:  webhooks,
		validate:  validator.New(),
		timeout:   30 * time.Second,
	}
}

type suspendRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// handleError maps domain errors onto JSON responses
func (apc *AdminPoolController) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, provisioning.ErrAccountNotFound),
		errors.Is(err, provisioning.ErrAllocationNotFound),
		errors.Is(err, audit.ErrEventNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, models.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, provisioning.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": err.Error()})
	default:
		log.Errorf("[Admin] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

func (apc *AdminPoolController) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), apc.timeout)
}

// HandlePoolStats returns account counts per status
func (apc *AdminPoolController) HandlePoolStats(c *fiber.Ctx) error {
	ctx, cancel := apc.requestContext()
	defer cancel()

	stats, err := apc.allocator.Stats(ctx)
	if err != nil {
		return apc.handleError(c, err)
	}
	return c.JSON(stats)
}

// HandlePoolSeed creates new available accounts and returns their one-time
// passwords
func (apc *AdminPoolController) HandlePoolSeed(c *fiber.Ctx) error {
	var in provisioning.SeedInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": "Invalid JSON body"})
	}

	ctx, cancel := apc.requestContext()
	defer cancel()

	seeded, err := apc.allocator.Seed(ctx, in)
	if err != nil {
		return apc.handleError(c, err)
	}
	log.Infof("[Admin] Seeded %d pool accounts", len(seeded))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"accounts": seeded})
}

// HandleSuspendAccount takes an account out of circulation
func (apc *AdminPoolController) HandleSuspendAccount(c *fiber.Ctx) error {
	var req suspendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": "Invalid JSON body"})
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := apc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": err.Error()})
	}

	ctx, cancel := apc.requestContext()
	defer cancel()

	acct, err := apc.allocator.Suspend(ctx, c.Params("uuid"), req.Reason)
	if err != nil {
		return apc.handleError(c, err)
	}
	return c.JSON(acct)
}

// HandleRestoreAccount returns a suspended account to the pool
func (apc *AdminPoolController) HandleRestoreAccount(c *fiber.Ctx) error {
	ctx, cancel := apc.requestContext()
	defer cancel()

	acct, err := apc.allocator.Restore(ctx, c.Params("uuid"))
	if err != nil {
		return apc.handleError(c, err)
	}
	return c.JSON(acct)
}

// HandleGetAllocation looks up the account given to a transaction
func (apc *AdminPoolController) HandleGetAllocation(c *fiber.Ctx) error {
	ctx, cancel := apc.requestContext()
	defer cancel()

	alloc, err := apc.allocator.GetAllocation(ctx, c.Params("transaction"))
	if err != nil {
		return apc.handleError(c, err)
	}
	return c.JSON(alloc)
}

// HandleListWebhookEvents pages through the audit log, newest first
func (apc *AdminPoolController) HandleListWebhookEvents(c *fiber.Ctx) error {
	filter := audit.ListFilter{
		Source:    c.Query("source"),
		EventType: c.Query("event_type"),
		Limit:     c.QueryInt("limit", audit.DefaultListLimit),
		Offset:    c.QueryInt("offset", 0),
	}
	if raw := c.Query("signature_valid"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": "signature_valid must be a boolean"})
		}
		filter.SignatureValid = &v
	}

	ctx, cancel := apc.requestContext()
	defer cancel()

	events, total, err := apc.recorder.List(ctx, filter)
	if err != nil {
		return apc.handleError(c, err)
	}
	return c.JSON(fiber.Map{"events": events, "total": total})
}

// HandleReplayWebhookEvent routes a stored delivery again, e.g. after the
// pool was refilled
func (apc *AdminPoolController) HandleReplayWebhookEvent(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": "Invalid webhook event id"})
	}

	ctx, cancel := apc.requestContext()
	defer cancel()

	event, err := apc.recorder.Get(ctx, uint(id))
	if err != nil {
		return apc.handleError(c, err)
	}

	status, body := apc.webhooks.Replay(ctx, event)
	return c.Status(status).JSON(body)
}
