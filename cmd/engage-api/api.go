// Package main provides the Engage API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/doctorsflow/engage/pkg/campaign"
	"github.com/doctorsflow/engage/pkg/cmd"
	"github.com/doctorsflow/engage/pkg/eventbus"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/scheduler"
	"github.com/doctorsflow/engage/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	redisURL    string
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	redisURL string,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		eventBus:    eventBus,
		redisURL:    redisURL,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, error) {
	limiter, cacheStore, err := cmd.NewLimiterAndCache(a.redisURL)
	if err != nil {
		return nil, err
	}

	dispatcher := cmd.NewDispatcher(a.persistence, a.logger)
	runner := campaign.NewRunner(dispatcher, a.logger)
	sched := scheduler.NewScheduler(a.persistence, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(a.persistence, sched, runner, limiter, cacheStore, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Engage API")
	})

	web.RegisterRoutes(app, handlers)

	return app, nil
}

func (a *API) Start(port int) error {
	app, err := a.App()
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
