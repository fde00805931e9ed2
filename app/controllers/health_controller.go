package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Pinger is a dependency the health check pings.
type Pinger func(ctx context.Context) error

type HealthController struct {
	db    *gorm.DB
	cache Pinger
}

// NewHealthController creates the health controller. cache may be nil.
func NewHealthController(db *gorm.DB, cache Pinger) *HealthController {
	return &HealthController{db: db, cache: cache}
}

// HandleHealth reports 503 when the database is unreachable. A Redis outage
// only degrades e-mail and archival, so it is reported but not fatal.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	body := fiber.Map{"status": "ok", "database": "ok"}
	status := fiber.StatusOK

	if err := hc.pingDB(ctx); err != nil {
		log.Errorf("[Health] Database ping failed: %v", err)
		body["status"] = "unavailable"
		body["database"] = "unavailable"
		status = fiber.StatusServiceUnavailable
	}

	if hc.cache != nil {
		body["cache"] = "ok"
		if err := hc.cache(ctx); err != nil {
			log.Warnf("[Health] Cache ping failed: %v", err)
			body["cache"] = "unavailable"
		}
	}

	return c.Status(status).JSON(body)
}

func (hc *HealthController) pingDB(ctx context.Context) error {
	sqlDB, err := hc.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
