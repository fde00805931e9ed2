package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ciliosclick/ciliosclick/app/controllers"
	"github.com/ciliosclick/ciliosclick/internal/pkg/archive"
	"github.com/ciliosclick/ciliosclick/internal/pkg/audit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/cache"
	"github.com/ciliosclick/ciliosclick/internal/pkg/database"
	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
	"github.com/ciliosclick/ciliosclick/internal/pkg/hotmart"
	"github.com/ciliosclick/ciliosclick/internal/pkg/jobqueue"
	"github.com/ciliosclick/ciliosclick/internal/pkg/mail"
	"github.com/ciliosclick/ciliosclick/internal/pkg/provisioning"
	"github.com/ciliosclick/ciliosclick/internal/pkg/ratelimit"
	"github.com/ciliosclick/ciliosclick/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		fiberlog.Info("[Server] Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			fiberlog.Errorf("[Server] Shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))

	manager.Stop()
	if cerr := cache.Close(); cerr != nil {
		fiberlog.Warnf("[Server] Closing Redis client: %v", cerr)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires configuration, storage, background jobs and routes.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()

	hotmartCfg, err := hotmart.LoadConfig()
	if err != nil {
		log.Fatalf("hotmart config: %v", err)
	}
	provisioningCfg, err := provisioning.LoadConfig()
	if err != nil {
		log.Fatalf("provisioning config: %v", err)
	}
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		log.Fatalf("archive config: %v", err)
	}
	mailCfg := mail.LoadConfig()

	allocator := provisioning.NewServiceFromDB(db, *provisioningCfg)
	recorder := audit.NewRecorderFromDB(db)

	// JOB QUEUE
	queue := jobqueue.NewQueue(cache.GetClient(), env.GetEnvInt("JOBQUEUE_WORKERS", 3))

	sender, err := mail.NewSender(mailCfg)
	if err != nil {
		log.Fatalf("mail templates: %v", err)
	}
	if !mailCfg.IsEnabled() {
		fiberlog.Warn("[Server] SMTP_HOST not set, welcome e-mails are skipped")
	}
	queue.Handle(jobqueue.JobTypeWelcomeEmail, jobqueue.WelcomeEmailHandler(sender, mailCfg.LoginURL))

	if archiveCfg.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		store, err := archive.NewClient(ctx, archiveCfg)
		cancel()
		if err != nil {
			log.Fatalf("archive client: %v", err)
		}
		queue.Handle(jobqueue.JobTypeAuditArchive, jobqueue.AuditArchiveHandler(recorder, store, archiveCfg.ObjectKey))
		recorder.WithArchiver(queue)
		fiberlog.Infof("[Server] Archiving webhook payloads to s3://%s/%s", archiveCfg.BucketName, archiveCfg.Prefix)
	}

	manager := jobqueue.NewManager(queue, func(ctx context.Context) error {
		_, err := allocator.Stats(ctx)
		return err
	}, time.Minute)
	manager.Start()

	// CONTROLLERS
	webhooks := controllers.NewWebhookController(
		hotmart.NewVerifier(*hotmartCfg),
		hotmart.NewRouter(allocator),
		recorder,
		queue,
	).WithWelcomeTemplate(mailCfg.WelcomeTemplate).
		WithTrustedProxyHeaders(env.GetEnvBool("TRUST_PROXY_HEADERS", false))

	health := controllers.NewHealthController(db, cache.Ping)
	admin := controllers.NewAdminPoolController(allocator, recorder, webhooks)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "ciliosclick",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	if _, err := os.Stat(openAPICfg.FilePath); err == nil {
		app.Use(swagger.New(openAPICfg))
	} else {
		fiberlog.Warnf("[Server] OpenAPI document not found at %s, /docs disabled", openAPICfg.FilePath)
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Webhooks:     webhooks,
		Admin:        admin,
		Health:       health,
		AdminToken:   env.GetEnv("ADMIN_API_TOKEN", ""),
		AdminLimiter: adminLimiter(),
		MetricsUsers: metricsUsers(),
	})

	return app, manager
}

// adminLimiter keeps limiter counters in Redis when it answers and falls
// back to process memory otherwise.
func adminLimiter() fiber.Handler {
	cfg := ratelimit.LoadConfig()
	if !cfg.UseRedis {
		return ratelimit.New(cfg, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := cache.Ping(ctx); err != nil {
		fiberlog.Warnf("[Server] Redis unavailable, admin rate limit is per process: %v", err)
		return ratelimit.New(cfg, nil)
	}
	return ratelimit.New(cfg, ratelimit.NewStorage())
}

func metricsUsers() map[string]string {
	password := env.GetEnv("METRICS_PASSWORD", "")
	if password == "" {
		return nil
	}
	return map[string]string{env.GetEnv("METRICS_USER", "metrics"): password}
}
