// Package main provides the Vigil API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/vigil-hq/vigil/pkg/auth"
	"github.com/vigil-hq/vigil/pkg/callback"
	"github.com/vigil-hq/vigil/pkg/eventbus"
	"github.com/vigil-hq/vigil/pkg/persistence"
	"github.com/vigil-hq/vigil/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	callbacks   *callback.Service
	verifier    auth.Verifier
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	callbacks *callback.Service,
	verifier auth.Verifier,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		callbacks:   callbacks,
		verifier:    verifier,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.callbacks, a.verifier, a.eventBus, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Vigil API")
	})

	app.Post("/validation-callbacks", handlers.PostCallback)

	r := app.Group("/runs")
	r.Post("/", handlers.CreateRun)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/cancel", handlers.CancelRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
