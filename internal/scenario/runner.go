package scenario

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/atlasprobe/internal/artifact"
)

// Page is the browser surface a scenario drives. Every call must honour the
// context deadline; the runner sets one per step.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitHidden(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	ClickNth(ctx context.Context, selector string, n int) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// SaveFunc persists a screenshot and returns what was written
type SaveFunc func(path string, data []byte) (*artifact.Info, error)

// ProgressFunc is called after each step with the number of steps done
type ProgressFunc func(done, total int, message string)

// Runner executes scenarios step by step
type Runner struct {
	Logger logrus.FieldLogger

	// Save defaults to artifact.Save
	Save SaveFunc

	// Output, when set, replaces the path of every screenshot step. With more
	// than one screenshot step each file gets the step index as a suffix.
	// The service sets it so each run gets its own file.
	Output string

	Progress ProgressFunc
}

// NewRunner returns a runner logging to logger
func NewRunner(logger logrus.FieldLogger) *Runner {
	return &Runner{Logger: logger, Save: artifact.Save}
}

// Run executes sc on page in order and stops at the first failing step.
// The report is always returned; err is a *StepError when a step failed.
func (r *Runner) Run(ctx context.Context, runID string, page Page, sc *Scenario) (*Report, error) {
	if runID == "" {
		runID = NewRunID()
	}

	report := &Report{
		RunID:     runID,
		Scenario:  sc.Name,
		StartedAt: time.Now().UTC(),
		Steps:     make([]StepResult, len(sc.Steps)),
	}
	for i, step := range sc.Steps {
		report.Steps[i] = StepResult{Index: i, Kind: step.Kind, Label: step.String(), Status: StepSkipped}
	}

	log := r.logger().WithFields(logrus.Fields{"scenario": sc.Name, "run_id": runID})

	if err := sc.Validate(); err != nil {
		report.FinishedAt = time.Now().UTC()
		report.Error = err.Error()
		return report, err
	}

	log.Infof("Starting scenario with %d steps", len(sc.Steps))

	shots := sc.Screenshots()

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			stepErr := &StepError{Scenario: sc.Name, Index: i, Step: step, Err: err}
			report.FinishedAt = time.Now().UTC()
			report.Error = stepErr.Error()
			return report, stepErr
		}

		stepLog := log.WithFields(logrus.Fields{"step": step.Kind, "index": i})
		start := time.Now()

		info, err := r.runStep(ctx, page, step, r.outputFor(i, shots))

		result := &report.Steps[i]
		result.Duration = time.Since(start)

		if err != nil {
			result.Status = StepFailed
			result.Error = err.Error()
			stepErr := &StepError{Scenario: sc.Name, Index: i, Step: step, Err: err}
			stepLog.WithError(err).Errorf("Step failed after %s", result.Duration.Round(time.Millisecond))

			report.FinishedAt = time.Now().UTC()
			report.Error = stepErr.Error()
			return report, stepErr
		}

		result.Status = StepPassed
		if info != nil {
			report.Artifacts = append(report.Artifacts, *info)
			stepLog.Infof("Screenshot saved to %s (%dx%d, %d bytes)", info.Path, info.Width, info.Height, info.Size)
		}

		if step.Kind == StepLog {
			stepLog.Info(step.Message)
		} else {
			stepLog.Debugf("%s done in %s", step, result.Duration.Round(time.Millisecond))
		}

		if r.Progress != nil {
			r.Progress(i+1, len(sc.Steps), step.String())
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Infof("Scenario passed in %s", report.Duration().Round(time.Millisecond))
	return report, nil
}

// outputFor returns the path replacing step i's own, or "" to keep it
func (r *Runner) outputFor(i, shots int) string {
	if r.Output == "" || shots < 2 {
		return r.Output
	}
	ext := filepath.Ext(r.Output)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(r.Output, ext), i, ext)
}

func (r *Runner) runStep(ctx context.Context, page Page, step Step, output string) (*artifact.Info, error) {
	if step.Kind == StepLog {
		return nil, nil
	}

	stepCtx, cancel := withTimeout(ctx, step.Timeout)
	defer cancel()

	var err error
	switch step.Kind {
	case StepNavigate:
		err = page.Navigate(stepCtx, step.URL)
	case StepWaitHidden:
		err = page.WaitHidden(stepCtx, step.Selector)
	case StepWaitVisible:
		err = page.WaitVisible(stepCtx, step.Selector)
	case StepClick:
		err = page.Click(stepCtx, step.Selector)
	case StepClickNth:
		err = page.ClickNth(stepCtx, step.Selector, step.Index)
	case StepScreenshot:
		return r.screenshot(stepCtx, page, step, output)
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}

	return nil, classify(stepCtx, step, err)
}

func (r *Runner) screenshot(ctx context.Context, page Page, step Step, output string) (*artifact.Info, error) {
	data, err := page.Screenshot(ctx, step.FullPage)
	if err != nil {
		return nil, classify(ctx, step, err)
	}

	path := step.Path
	if output != "" {
		path = output
	}
	if path == "" {
		return nil, errors.New("screenshot step has no output path")
	}

	save := r.Save
	if save == nil {
		save = artifact.Save
	}
	return save(path, data)
}

// classify makes deadline failures match ErrTimeout whatever the page returned
func classify(ctx context.Context, step Step, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, step.Timeout, err)
	}
	return err
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
