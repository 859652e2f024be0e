// Package main provides the duetflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/duetflow/duetflow/pkg/broadcast"
	"github.com/duetflow/duetflow/pkg/checkpoint"
	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/eventbus"
	"github.com/duetflow/duetflow/pkg/interpreter"
	"github.com/duetflow/duetflow/pkg/persistence"
	"github.com/duetflow/duetflow/pkg/registry"
	"github.com/duetflow/duetflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate

	engine      *engine.Engine
	checkpoints *checkpoint.Manager
	interpreter *interpreter.Interpreter
	broadcaster *broadcast.Broadcaster
}

func NewAPI(
	logger *slog.Logger,
	persist persistence.Persistence,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	broadcaster := broadcast.NewBroadcaster(broadcast.Config{}, persist.Deltas(), eventBus, logger)
	eng := engine.NewEngine(engine.DefaultConfig(), persist, reg, broadcaster, eventBus, logger)
	checkpoints := checkpoint.NewManager(persist, eng, eventBus, logger)
	interp := interpreter.NewInterpreter(interpreter.NewKeywordNLU(), eng, 0, logger)

	return &API{
		logger:      logger,
		persistence: persist,
		registry:    reg,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		engine:      eng,
		checkpoints: checkpoints,
		interpreter: interp,
		broadcaster: broadcaster,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.engine, a.checkpoints, a.interpreter, a.broadcaster,
		a.persistence, a.registry, a.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Duetflow API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetGraphs)
	w.Post("/", handlers.CreateGraph)
	w.Get("/:id", handlers.GetGraph)
	w.Patch("/:id", handlers.UpdateGraph)
	w.Delete("/:id", handlers.DeleteGraph)
	w.Post("/:id/publish", handlers.PublishGraph)
	w.Get("/:id/journey", handlers.GetJourney)

	r := app.Group("/runs")
	r.Post("/", handlers.CreateRun)
	r.Get("/:id", handlers.GetRunState)
	r.Post("/:id/commands", handlers.SubmitCommand)
	r.Post("/:id/mode", handlers.SwitchMode)
	r.Post("/:id/checkpoints", handlers.CreateCheckpoint)
	r.Get("/:id/checkpoints", handlers.ListCheckpoints)
	r.Post("/:id/checkpoints/:checkpointId/restore", handlers.RestoreCheckpoint)
	r.Post("/:id/utterances", handlers.SubmitUtterance)
	r.Get("/:id/deltas", handlers.StreamDeltas)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
