package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ciliosclick/ciliosclick/app/controllers"
)

type SystemRouter struct {
	health       *controllers.HealthController
	metricsUsers map[string]string
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", h.health.HandleHealth)

	if len(h.metricsUsers) == 0 {
		log.Warn("[Router] METRICS_PASSWORD not set, /metrics disabled")
		return
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: h.metricsUsers,
	}), adaptor.HTTPHandler(promhttp.Handler()))
}

func NewSystemRouter(health *controllers.HealthController, metricsUsers map[string]string) *SystemRouter {
	return &SystemRouter{health: health, metricsUsers: metricsUsers}
}
