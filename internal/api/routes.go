package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	ResultTTL         time.Duration // how long finished runs stay in the queue store
	BaseURL           string        // base URL for full URLs in responses
}

// RouteConfigFrom derives route settings from the service configuration
func RouteConfigFrom(cfg *config.Config) RouteConfig {
	return RouteConfig{
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		ResultTTL:         cfg.ResultTTL,
		BaseURL:           cfg.APIBaseURL(),
	}
}

// NewApp creates the fiber app with the shared error handler
func NewApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               config.AppName,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
		BodyLimit:             security.MaxBodySize,
	})
}

// SetupRoutes configures all API routes and returns the rate limiter so the
// caller can stop it on shutdown
func SetupRoutes(app *fiber.App, handler *Handler, runs *RunHandler, cfg RouteConfig) *security.RateLimiter {
	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitRequests,
		WindowDuration:    cfg.RateLimitWindow,
		BurstMax:          10,
	})
	secMiddleware := security.NewMiddleware(rateLimiter)

	// Health check (no rate limit)
	app.Get("/health", handler.HealthCheck)

	root := app.Group("/atlasprobe")
	root.Use(security.SecurityHeadersMiddleware())

	root.Get("/browser/status", handler.BrowserStatus)
	root.Get("/scenarios", handler.ListScenarios)

	runsGroup := root.Group("/runs")
	runsGroup.Post("", secMiddleware.RateLimitMiddleware(), security.RequestValidationMiddleware(), runs.CreateRun)
	runsGroup.Get("", runs.ListRuns)
	runsGroup.Get("/:run_id", runs.GetRun)
	runsGroup.Get("/:run_id/screenshot", runs.GetScreenshot)
	runsGroup.Get("/:run_id/events", runs.StreamEvents)
	runsGroup.Post("/:run_id/cancel", secMiddleware.RateLimitMiddleware(), runs.CancelRun)

	root.Use("/ws", WebSocketUpgrade)
	root.Get("/ws", websocket.New(runs.HandleWebSocket))

	return rateLimiter
}
