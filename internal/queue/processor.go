package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
	"github.com/ahrdadan/atlasprobe/internal/security"
)

// Recorder persists finished reports
type Recorder interface {
	Record(ctx context.Context, report *scenario.Report) error
}

// ScenarioProcessor runs queued scenarios on a shared browser
type ScenarioProcessor struct {
	catalog *scenario.Catalog
	opener  scenario.Opener
	cfg     *config.Config
	history Recorder
	log     logrus.FieldLogger

	// HTTPClient sends webhooks
	HTTPClient *http.Client
	// webhooks are sent synchronously when set, which tests rely on
	syncWebhooks bool
}

// NewScenarioProcessor creates a processor. history may be nil.
func NewScenarioProcessor(catalog *scenario.Catalog, opener scenario.Opener, cfg *config.Config, history Recorder, log logrus.FieldLogger) *ScenarioProcessor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ScenarioProcessor{
		catalog:    catalog,
		opener:     opener,
		cfg:        cfg,
		history:    history,
		log:        log,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ScreenshotPath returns where a run's screenshot is written
func (p *ScenarioProcessor) ScreenshotPath(runID string) string {
	return filepath.Join(p.cfg.OutputDir, runID+".png")
}

// Resolve returns the scenario a request asks for, with its overrides applied
func (p *ScenarioProcessor) Resolve(req RunRequest) (*scenario.Scenario, error) {
	var sc *scenario.Scenario

	if req.Definition != nil {
		cfg := *p.cfg
		if req.BaseURL != "" {
			cfg.BaseURL = req.BaseURL
		}
		sc = req.Definition.Clone()
		if err := scenario.Normalize(sc, &cfg); err != nil {
			return nil, err
		}
	} else {
		name := req.Scenario
		if name == "" {
			name = scenario.TimelineAlignmentName
		}
		var err error
		if sc, err = p.catalog.Get(name); err != nil {
			return nil, err
		}
		if req.BaseURL != "" {
			rebase(sc, p.cfg.BaseURL, req.BaseURL)
		}
	}

	if req.FullPage != nil {
		for i := range sc.Steps {
			if sc.Steps[i].Kind == scenario.StepScreenshot {
				sc.Steps[i].FullPage = *req.FullPage
			}
		}
	}
	return sc, nil
}

// rebase points navigate steps that target from at to instead
func rebase(sc *scenario.Scenario, from, to string) {
	from = strings.TrimRight(from, "/")
	to = strings.TrimRight(to, "/")
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if step.Kind == scenario.StepNavigate && strings.HasPrefix(step.URL, from) {
			step.URL = to + strings.TrimPrefix(step.URL, from)
		}
	}
}

// Process runs the scenario for run and returns its report
func (p *ScenarioProcessor) Process(ctx context.Context, run *Run, progress func(int, string)) (*scenario.Report, error) {
	log := p.log.WithFields(logrus.Fields{"run_id": run.ID})

	sc, err := p.Resolve(run.Request)
	if err != nil {
		p.notify(run, RunStatusFailed, err.Error())
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	progress(5, "Opening browser page")

	session, err := p.opener.OpenSession(ctx)
	if err != nil {
		p.notify(run, RunStatusFailed, err.Error())
		return nil, fmt.Errorf("failed to open browser page: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.WithError(cerr).Debug("Failed to close page")
		}
	}()

	runner := scenario.NewRunner(log)
	runner.Output = p.ScreenshotPath(run.ID)
	runner.Progress = func(done, total int, message string) {
		progress(10+done*85/total, message)
	}

	report, runErr := runner.Run(ctx, run.ID, session, sc)

	if p.history != nil && report != nil {
		// the run context may already be done
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.history.Record(recCtx, report); err != nil {
			log.WithError(err).Warn("Failed to record run history")
		}
		cancel()
	}

	status := RunStatusSucceeded
	message := ""
	if runErr != nil {
		status = RunStatusFailed
		message = runErr.Error()
		if errors.Is(ctx.Err(), context.Canceled) {
			status = RunStatusCanceled
		}
	}
	p.notify(run, status, message)

	return report, runErr
}

// WebhookPayload is the body POSTed to a run's webhook
type WebhookPayload struct {
	RunID         string    `json:"run_id"`
	Scenario      string    `json:"scenario"`
	Status        RunStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
	StatusURL     string    `json:"status_url"`
	ScreenshotURL string    `json:"screenshot_url,omitempty"`
	FinishedAt    int64     `json:"finished_at"`
}

func (p *ScenarioProcessor) notify(run *Run, status RunStatus, errMsg string) {
	n := run.Request.Notify
	if n == nil || n.WebhookURL == "" {
		return
	}

	base := strings.TrimRight(p.cfg.APIBaseURL(), "/")
	payload := WebhookPayload{
		RunID:      run.ID,
		Scenario:   run.ScenarioName(),
		Status:     status,
		Error:      errMsg,
		StatusURL:  fmt.Sprintf("%s/atlasprobe/runs/%s", base, run.ID),
		FinishedAt: time.Now().Unix(),
	}
	if status == RunStatusSucceeded {
		payload.ScreenshotURL = payload.StatusURL + "/screenshot"
	}

	send := func() {
		if err := p.sendWebhook(n, payload); err != nil {
			p.log.WithError(err).WithField("run_id", run.ID).Warn("Webhook delivery failed")
		}
	}
	if p.syncWebhooks {
		send()
		return
	}
	go send()
}

func (p *ScenarioProcessor) sendWebhook(n *NotifyConfig, payload WebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atlasprobe-Event", "run."+string(payload.Status))
	if n.WebhookSecret != "" {
		req.Header.Set(security.SignatureHeader, security.SignPayload(data, n.WebhookSecret))
	}

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
