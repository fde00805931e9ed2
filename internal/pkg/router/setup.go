package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router registers a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers system, webhook and API routes.
func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app,
		NewSystemRouter(deps.Health, deps.MetricsUsers),
		NewWebhookRouter(deps.Webhooks),
		NewApiRouter(deps.Admin, deps.AdminToken, deps.AdminLimiter),
	)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
