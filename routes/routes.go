package routes

import (
	controller "listproc/controllers"
	"listproc/middleware"
	"listproc/monitoring"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
)

const Version = "1.0.0"

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Processor      controller.Processor
	Lists          controller.ListSource
	Settings       middleware.KeySource
	FallbackKey    string
	RateLimit      int
	RateLimitStore fiber.Storage
	Metrics        *monitoring.Metrics
	Logger         *logrus.Entry
}

func SetupRoutes(app *fiber.App, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	app.Use(middleware.RequestMetrics(deps.Metrics))

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": Version,
		})
	})

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
	guard := middleware.CronKey(deps.Settings, deps.FallbackKey)

	cronController := controller.NewCronController(deps.Processor, deps.Logger.WithField("component", "cron"))
	app.Get("/cron", requestLog,
		middleware.CronRateLimiter(deps.RateLimit, deps.RateLimitStore, deps.Metrics),
		guard,
		cronController.Handle,
	)

	moderationController := controller.NewModerationController(deps.Processor, deps.Logger.WithField("component", "moderation"))
	moderation := app.Group("/moderation", requestLog, guard)
	moderation.Get("/pending", moderationController.Pending)
	moderation.Get("/folder/:name", moderationController.Folder)

	if deps.Lists != nil {
		listController := controller.NewListController(deps.Lists, deps.Logger.WithField("component", "lists"))
		lists := app.Group("/lists", requestLog, guard)
		lists.Get("/", listController.Index)
		lists.Get("/:slug/export", listController.Export)
	}

	deps.Logger.Info("Routes initialized successfully")
}
