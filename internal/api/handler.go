package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahrdadan/atlasprobe/internal/browser"
	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// Handler serves the service-level endpoints
type Handler struct {
	browser   browser.Client
	catalog   *scenario.Catalog
	startedAt time.Time
}

// NewHandler creates a new handler
func NewHandler(client browser.Client, catalog *scenario.Catalog) *Handler {
	return &Handler{
		browser:   client,
		catalog:   catalog,
		startedAt: time.Now(),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"status":    "ok",
			"version":   config.Version,
			"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BrowserStatus returns browser status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"running":  h.browser.IsRunning(),
			"endpoint": h.browser.GetEndpoint(),
		},
	})
}

// ScenarioSummary describes a scenario without its full step list
type ScenarioSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

// ListScenarios returns the scenarios runs may name
// GET /atlasprobe/scenarios
func (h *Handler) ListScenarios(c *fiber.Ctx) error {
	list := h.catalog.List()
	out := make([]ScenarioSummary, 0, len(list))
	for _, sc := range list {
		summary := ScenarioSummary{Name: sc.Name, Description: sc.Description}
		for _, step := range sc.Steps {
			summary.Steps = append(summary.Steps, step.String())
		}
		out = append(out, summary)
	}

	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"scenarios": out,
			"total":     len(out),
		},
	})
}
