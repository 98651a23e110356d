package scenario

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/atlasprobe/internal/artifact"
)

// Errors a Page implementation reports so callers can tell failures apart
var (
	ErrTimeout     = errors.New("timed out")
	ErrUnreachable = errors.New("target unreachable")
	ErrNotFound    = errors.New("element not found")
)

// StepStatus is the outcome of one step
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records how one step went
type StepResult struct {
	Index    int           `json:"index"`
	Kind     StepKind      `json:"kind"`
	Label    string        `json:"label"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of one scenario run
type Report struct {
	RunID      string          `json:"run_id"`
	Scenario   string          `json:"scenario"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Steps      []StepResult    `json:"steps"`
	Artifacts  []artifact.Info `json:"artifacts,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Passed reports whether every step passed
func (r *Report) Passed() bool {
	if r.Error != "" {
		return false
	}
	for _, s := range r.Steps {
		if s.Status != StepPassed {
			return false
		}
	}
	return true
}

// Duration is the wall time of the run
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedStep returns the first failed step, or nil
func (r *Report) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == StepFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

// StepError ties a failure to the step that produced it
type StepError struct {
	Scenario string
	Index    int
	Step     Step
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %d (%s): %v", e.Scenario, e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// NewRunID returns a short run identifier like run_1a2b3c4d
func NewRunID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
