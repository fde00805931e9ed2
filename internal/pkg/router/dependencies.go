package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ciliosclick/ciliosclick/app/controllers"
)

// Dependencies are the controllers and settings the routers need.
type Dependencies struct {
	Webhooks *controllers.WebhookController
	Admin    *controllers.AdminPoolController
	Health   *controllers.HealthController

	AdminToken string
	// AdminLimiter guards the admin API; nil disables rate limiting.
	AdminLimiter fiber.Handler
	// MetricsUsers are the basic-auth credentials for /metrics; empty hides
	// the endpoint.
	MetricsUsers map[string]string
}
