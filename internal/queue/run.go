package queue

import (
	"encoding/json"
	"time"

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// Default values for run configuration
const (
	DefaultRunTimeout = 2 * time.Minute
	MaxRunTimeout     = 10 * time.Minute
	DefaultResultTTL  = 24 * time.Hour
)

// RunStatus represents the status of a queued run
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// NotifyConfig holds notification settings for a run
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // For HMAC signature
}

// RunRequest is what a client submits
type RunRequest struct {
	Scenario       string             `json:"scenario,omitempty"`     // catalog name, defaults to timeline-alignment
	Definition     *scenario.Scenario `json:"scenario_def,omitempty"` // inline scenario, wins over Scenario
	BaseURL        string             `json:"base_url,omitempty"`
	FullPage       *bool              `json:"full_page,omitempty"`
	Timeout        int                `json:"timeout,omitempty"` // seconds
	Notify         *NotifyConfig      `json:"notify,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	ResultTTL      int                `json:"result_ttl,omitempty"` // seconds
}

// Run is a queued scenario execution
type Run struct {
	ID             string           `json:"run_id"`
	Status         RunStatus        `json:"status"`
	Progress       int              `json:"progress"`
	Message        string           `json:"message,omitempty"`
	Request        RunRequest       `json:"request"`
	Report         *scenario.Report `json:"report,omitempty"`
	Screenshot     string           `json:"screenshot,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
	StartedAt      int64            `json:"started_at,omitempty"`
	CompletedAt    int64            `json:"completed_at,omitempty"`
	ExpiresAt      int64            `json:"expires_at,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Timeout        int              `json:"timeout"`
}

// NewRun creates a queued run from a request
func NewRun(req RunRequest) *Run {
	now := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultRunTimeout.Seconds())
	}
	if max := int(MaxRunTimeout.Seconds()); timeout > max {
		timeout = max
	}

	resultTTL := DefaultResultTTL
	if req.ResultTTL > 0 {
		resultTTL = time.Duration(req.ResultTTL) * time.Second
	}

	return &Run{
		ID:             scenario.NewRunID(),
		Status:         RunStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(resultTTL).Unix(),
		IdempotencyKey: req.IdempotencyKey,
		Timeout:        timeout,
	}
}

// ScenarioName returns the name of the scenario this run executes
func (r *Run) ScenarioName() string {
	if r.Request.Definition != nil {
		return r.Request.Definition.Name
	}
	if r.Request.Scenario != "" {
		return r.Request.Scenario
	}
	return scenario.TimelineAlignmentName
}

// SetStatus updates the run status
func (r *Run) SetStatus(status RunStatus) {
	now := time.Now().Unix()
	r.Status = status
	r.UpdatedAt = now

	if status == RunStatusRunning && r.StartedAt == 0 {
		r.StartedAt = now
	}
	if r.IsTerminal() {
		r.CompletedAt = now
	}
}

// SetProgress updates the run progress
func (r *Run) SetProgress(progress int, message string) {
	r.Progress = progress
	r.Message = message
	r.UpdatedAt = time.Now().Unix()
}

// SetResult marks the run succeeded with its report
func (r *Run) SetResult(report *scenario.Report) {
	r.Report = report
	if report != nil && len(report.Artifacts) > 0 {
		r.Screenshot = report.Artifacts[len(report.Artifacts)-1].Path
	}
	r.Progress = 100
	r.Message = "Run completed"
	r.SetStatus(RunStatusSucceeded)
}

// SetError marks the run failed; report may be nil when the page never opened
func (r *Run) SetError(err string, report *scenario.Report) {
	r.Error = err
	r.Report = report
	r.SetStatus(RunStatusFailed)
}

// IsTerminal reports whether the run can no longer change
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed || r.Status == RunStatusCanceled
}

// IsExpired checks if the run result has expired
func (r *Run) IsExpired() bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > r.ExpiresAt
}

// GetTimeoutDuration returns the run timeout as a time.Duration
func (r *Run) GetTimeoutDuration() time.Duration {
	if r.Timeout <= 0 {
		return DefaultRunTimeout
	}
	return time.Duration(r.Timeout) * time.Second
}

// Clone returns a copy safe to hand to readers while the worker keeps updating the original
func (r *Run) Clone() *Run {
	cp := *r
	return &cp
}

// ToJSON serializes a run to JSON
func (r *Run) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a run from JSON
func FromJSON(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunCreatedResponse is returned when a run is queued
type RunCreatedResponse struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	StatusURL     string    `json:"status_url"`
	ScreenshotURL string    `json:"screenshot_url"`
	EventsURL     string    `json:"events_url"`
	Duplicate     bool      `json:"duplicate,omitempty"`
}
