package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/atlasprobe/internal/history"
	"github.com/ahrdadan/atlasprobe/internal/queue"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// RunQueue is the queue the run endpoints talk to
type RunQueue interface {
	EnqueueWithIdempotency(ctx context.Context, run *queue.Run) (*queue.Run, bool, error)
	GetRun(runID string) (*queue.Run, error)
	ListRuns() []*queue.Run
	CancelRun(runID string) (*queue.Run, error)
	Subscribe(runID string) <-chan queue.Event
	Unsubscribe(runID string, ch <-chan queue.Event)
}

// HistoryReader reads finished runs
type HistoryReader interface {
	Get(ctx context.Context, runID string) (*history.Entry, error)
	List(ctx context.Context, limit int) ([]*history.Entry, error)
}

// ResolveFunc checks that a request names a runnable scenario
type ResolveFunc func(req queue.RunRequest) (*scenario.Scenario, error)

// RunHandler handles run-related API requests
type RunHandler struct {
	queue     RunQueue
	history   HistoryReader
	resolve   ResolveFunc
	baseURL   string
	resultTTL time.Duration
}

// NewRunHandler creates a run handler. history may be nil.
func NewRunHandler(q RunQueue, h HistoryReader, resolve ResolveFunc, cfg RouteConfig) *RunHandler {
	return &RunHandler{
		queue:     q,
		history:   h,
		resolve:   resolve,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		resultTTL: cfg.ResultTTL,
	}
}

// CreateRunRequest is the body of POST /atlasprobe/runs
type CreateRunRequest struct {
	Scenario       string             `json:"scenario,omitempty"`
	ScenarioDef    *scenario.Scenario `json:"scenario_def,omitempty"`
	BaseURL        string             `json:"base_url,omitempty"`
	FullPage       *bool              `json:"full_page,omitempty"`
	Timeout        int                `json:"timeout,omitempty"`
	WebhookURL     string             `json:"webhook_url,omitempty"`
	WebhookSecret  string             `json:"webhook_secret,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

func (r CreateRunRequest) toRunRequest() queue.RunRequest {
	req := queue.RunRequest{
		Scenario:       r.Scenario,
		Definition:     r.ScenarioDef,
		BaseURL:        r.BaseURL,
		FullPage:       r.FullPage,
		Timeout:        r.Timeout,
		IdempotencyKey: r.IdempotencyKey,
	}
	if r.WebhookURL != "" {
		req.Notify = &queue.NotifyConfig{WebhookURL: r.WebhookURL, WebhookSecret: r.WebhookSecret}
	}
	return req
}

func validHTTPURL(raw string) bool {
	return scenario.IsHTTPURL(raw)
}

// CreateRun queues a scenario run
// POST /atlasprobe/runs
func (h *RunHandler) CreateRun(c *fiber.Ctx) error {
	var body CreateRunRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	if body.BaseURL != "" && !validHTTPURL(body.BaseURL) {
		return fiber.NewError(fiber.StatusBadRequest, "base_url must be an absolute http(s) URL")
	}
	if body.WebhookURL != "" && !validHTTPURL(body.WebhookURL) {
		return fiber.NewError(fiber.StatusBadRequest, "webhook_url must be an absolute http(s) URL")
	}

	// header wins over body
	if key := c.Get("Idempotency-Key"); key != "" {
		body.IdempotencyKey = key
	} else if key := c.Get("X-Idempotency-Key"); key != "" {
		body.IdempotencyKey = key
	}

	req := body.toRunRequest()
	if h.resultTTL > 0 {
		req.ResultTTL = int(h.resultTTL.Seconds())
	}

	if h.resolve != nil {
		if _, err := h.resolve(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	run, duplicate, err := h.queue.EnqueueWithIdempotency(c.UserContext(), queue.NewRun(req))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("Failed to enqueue run: %v", err))
	}

	if duplicate {
		c.Set("X-Idempotency-Hit", "true")
	}

	return c.Status(fiber.StatusAccepted).JSON(Response{
		Success: true,
		Data:    h.createdResponse(run, duplicate),
	})
}

func (h *RunHandler) createdResponse(run *queue.Run, duplicate bool) queue.RunCreatedResponse {
	statusURL := fmt.Sprintf("%s/atlasprobe/runs/%s", h.baseURL, run.ID)
	return queue.RunCreatedResponse{
		RunID:         run.ID,
		Status:        run.Status,
		StatusURL:     statusURL,
		ScreenshotURL: statusURL + "/screenshot",
		EventsURL:     fmt.Sprintf("%s/atlasprobe/ws?run_id=%s", wsBase(h.baseURL), run.ID),
		Duplicate:     duplicate,
	}
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// ListRuns returns recent runs from history, or the live queue when history is off
// GET /atlasprobe/runs?limit=
func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 200 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 200")
	}

	active := h.queue.ListRuns()
	data := fiber.Map{"active": active}

	if h.history != nil {
		entries, err := h.history.List(c.UserContext(), limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if entries == nil {
			entries = []*history.Entry{}
		}
		data["history"] = entries
	}

	return c.JSON(Response{Success: true, Data: data})
}

// GetRun returns a live run, falling back to its history record
// GET /atlasprobe/runs/:run_id
func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	if run, err := h.queue.GetRun(runID); err == nil {
		return c.JSON(Response{Success: true, Data: run})
	}

	entry, err := h.lookupHistory(c.UserContext(), runID)
	if err != nil {
		return err
	}
	return c.JSON(Response{Success: true, Data: entry})
}

func (h *RunHandler) lookupHistory(ctx context.Context, runID string) (*history.Entry, error) {
	if h.history == nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	entry, err := h.history.Get(ctx, runID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fiber.NewError(fiber.StatusNotFound, "Run not found")
	}
	if err != nil {
		return nil, fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return entry, nil
}

// GetScreenshot serves the PNG a run produced
// GET /atlasprobe/runs/:run_id/screenshot
func (h *RunHandler) GetScreenshot(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	var path string
	if run, err := h.queue.GetRun(runID); err == nil {
		if run.Status != queue.RunStatusSucceeded {
			return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("Run is %s, no screenshot available", run.Status))
		}
		path = run.Screenshot
	} else {
		entry, err := h.lookupHistory(c.UserContext(), runID)
		if err != nil {
			return err
		}
		if !entry.Passed {
			return fiber.NewError(fiber.StatusConflict, "Run failed, no screenshot available")
		}
		path = entry.Screenshot
	}

	if path == "" {
		return fiber.NewError(fiber.StatusNotFound, "Run has no screenshot")
	}

	data, err := os.ReadFile(path) //nolint:gosec // path was written by this service
	if errors.Is(err, os.ErrNotExist) {
		return fiber.NewError(fiber.StatusGone, "Screenshot file is no longer available")
	}
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`inline; filename="%s.png"`, runID))
	return c.Send(data)
}

// CancelRun cancels a queued or running run
// POST /atlasprobe/runs/:run_id/cancel
func (h *RunHandler) CancelRun(c *fiber.Ctx) error {
	run, err := h.queue.CancelRun(c.Params("run_id"))
	switch {
	case errors.Is(err, queue.ErrRunNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	case errors.Is(err, queue.ErrRunFinished):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"run_id": run.ID,
			"status": run.Status,
		},
	})
}

func initialEvent(run *queue.Run) queue.Event {
	return queue.Event{
		RunID:     run.ID,
		Status:    run.Status,
		Progress:  run.Progress,
		Message:   run.Message,
		Timestamp: time.Now().UnixMilli(),
	}
}

func isFinal(status queue.RunStatus) bool {
	return status == queue.RunStatusSucceeded || status == queue.RunStatusFailed || status == queue.RunStatusCanceled
}

// StreamEvents streams run events via SSE
// GET /atlasprobe/runs/:run_id/events
func (h *RunHandler) StreamEvents(c *fiber.Ctx) error {
	runID := c.Params("run_id")

	run, err := h.queue.GetRun(runID)
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "Run not found")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// subscribe before writing so no transition is lost in between
	var events <-chan queue.Event
	if !isFinal(run.Status) {
		events = h.queue.Subscribe(runID)
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.queue.Unsubscribe(runID, events)
		}

		if !writeSSE(w, initialEvent(run)) || events == nil {
			return
		}

		for event := range events {
			if !writeSSE(w, event) || isFinal(event.Status) {
				return
			}
		}
	})

	return nil
}

func writeSSE(w *bufio.Writer, event queue.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, data); err != nil {
		return false
	}
	return w.Flush() == nil
}

// WebSocketUpgrade rejects plain HTTP requests to the websocket endpoint
func WebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleWebSocket streams run events over a websocket
// GET /atlasprobe/ws?run_id=
func (h *RunHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	runID := c.Query("run_id")
	if runID == "" {
		_ = c.WriteJSON(fiber.Map{"error": "run_id is required"})
		return
	}

	run, err := h.queue.GetRun(runID)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": "run not found"})
		return
	}

	if isFinal(run.Status) {
		_ = c.WriteJSON(initialEvent(run))
		return
	}

	events := h.queue.Subscribe(runID)
	defer h.queue.Unsubscribe(runID, events)

	if err := c.WriteJSON(initialEvent(run)); err != nil {
		return
	}

	for event := range events {
		if err := c.WriteJSON(event); err != nil {
			return
		}
		if isFinal(event.Status) {
			return
		}
	}
}
