package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/soltixdb/meshcoord/internal/config"
	"github.com/soltixdb/meshcoord/internal/coordination"
	"github.com/soltixdb/meshcoord/internal/handlers"
	"github.com/soltixdb/meshcoord/internal/logging"
	"github.com/soltixdb/meshcoord/internal/middleware"
	"github.com/soltixdb/meshcoord/internal/utils"
)

// Deps are the collaborators the routes serve
type Deps struct {
	Service   *coordination.Service
	Directory handlers.LeaderDirectory
	Version   string
}

// Setup configures all routes and middlewares
func Setup(app *fiber.App, logger *logging.Logger, deps Deps, cfg config.Config) *handlers.Handler {
	h := handlers.New(logger, deps.Service, deps.Directory, deps.Version)

	// Global middlewares
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Request-ID",
	}))
	app.Use(logging.FiberMiddleware(logger))

	// Probes (no auth required)
	app.Get("/health", h.Health)
	if cfg.Metrics.Enabled && deps.Service.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		app.Get(path, adaptor.HTTPHandler(deps.Service.Metrics.Handler()))
	}

	authMiddleware := middleware.APIKeyAuth(logger, cfg.Auth.APIKeys, cfg.Auth.Enabled)

	v1 := app.Group("/v1", authMiddleware, middleware.RequestTimeout(utils.DefaultRequestTimeout))

	// Node registry
	v1.Post("/nodes", h.RegisterNode)
	v1.Get("/nodes/:node_id", h.GetNode)
	v1.Patch("/nodes/:node_id", h.UpdateNode)
	v1.Post("/nodes/:node_id/heartbeat", h.Heartbeat)

	// Levels and leadership
	v1.Get("/levels/:node_type/nodes", h.ListLevelNodes)
	v1.Get("/levels/:node_type/main", h.GetMainNode)
	v1.Post("/levels/:node_type/elect", h.ElectMainNode)
	v1.Get("/levels/:node_type/elections", h.ListElections)

	// Mailbox
	v1.Post("/messages", h.SendMessage)
	v1.Post("/messages/:id/ack", h.AckMessage)
	v1.Post("/levels/:node_type/broadcast", h.Broadcast)
	v1.Get("/nodes/:node_id/messages", h.PollMessages)

	admin := app.Group("/admin", authMiddleware, middleware.RequestTimeout(utils.HealthCheckRequestTimeout))
	admin.Post("/health-check", h.HealthCheck)
	admin.Get("/leaders", h.ListLeaders)

	// 404 handler
	app.Use(h.NotFound)

	return h
}

// New creates a new Fiber app with configuration
func New(logger *logging.Logger, deps Deps, cfg config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "meshcoord",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		ErrorHandler:          middleware.ErrorHandler(logger),
	})

	Setup(app, logger, deps, cfg)

	return app
}
