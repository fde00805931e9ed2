package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ciliosclick/ciliosclick/app/controllers"
	"github.com/ciliosclick/ciliosclick/internal/pkg/middleware"
)

type ApiRouter struct {
	admin      *controllers.AdminPoolController
	adminToken string
	limiter    fiber.Handler
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "CíliosClick API",
		})
	})

	handlers := []fiber.Handler{}
	if h.limiter != nil {
		handlers = append(handlers, h.limiter)
	}
	handlers = append(handlers, middleware.AdminTokenMiddleware(h.adminToken))
	admin := api.Group("/v1/admin", handlers...)

	admin.Get("/pool/stats", h.admin.HandlePoolStats)
	admin.Post("/pool/seed", h.admin.HandlePoolSeed)
	admin.Post("/pool/accounts/:uuid/suspend", h.admin.HandleSuspendAccount)
	admin.Post("/pool/accounts/:uuid/restore", h.admin.HandleRestoreAccount)
	admin.Get("/allocations/:transaction", h.admin.HandleGetAllocation)
	admin.Get("/webhook-events", h.admin.HandleListWebhookEvents)
	admin.Post("/webhook-events/:id/replay", h.admin.HandleReplayWebhookEvent)
}

func NewApiRouter(admin *controllers.AdminPoolController, adminToken string, limiter fiber.Handler) *ApiRouter {
	return &ApiRouter{admin: admin, adminToken: adminToken, limiter: limiter}
}
