package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ciliosclick/ciliosclick/app/controllers"
)

type WebhookRouter struct {
	controller *controllers.WebhookController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhook", h.controller.HandleHotmartWebhook)
	app.Post("/webhook/hotmart", h.controller.HandleHotmartWebhook)
}

func NewWebhookRouter(controller *controllers.WebhookController) *WebhookRouter {
	return &WebhookRouter{controller: controller}
}
