// Package scenario describes a UI smoke run as an ordered list of steps and
// executes it against a browser page.
package scenario

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahrdadan/atlasprobe/internal/config"
)

// TimelineAlignmentName is the name of the built-in scenario
const TimelineAlignmentName = "timeline-alignment"

// Scenario is a named sequence of steps run in order on one page
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Validate checks the scenario shape. The first non-log step must navigate,
// otherwise every later step would act on about:blank.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %s has no steps", s.Name)
	}

	navigated := false
	for i, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("scenario %s step %d: %w", s.Name, i, err)
		}
		if step.Kind == StepLog {
			continue
		}
		if !navigated && step.Kind != StepNavigate {
			return fmt.Errorf("scenario %s: first action must be %s, got %s", s.Name, StepNavigate, step.Kind)
		}
		navigated = true
	}
	return nil
}

// Screenshots returns the number of screenshot steps
func (s *Scenario) Screenshots() int {
	n := 0
	for _, step := range s.Steps {
		if step.Kind == StepScreenshot {
			n++
		}
	}
	return n
}

// TimelineAlignment builds the default smoke run: wait for the atlas to
// finish loading, switch to the timeline view, link the first two timeline
// bars and capture the result.
func TimelineAlignment(cfg *config.Config) *Scenario {
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = config.DefaultStepTimeout
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = config.DefaultLoadTimeout
	}

	return &Scenario{
		Name:        TimelineAlignmentName,
		Description: "Switch to the timeline view, link two bars and capture the alignment",
		Steps: []Step{
			{Kind: StepNavigate, URL: cfg.BaseURL, Timeout: stepTimeout},
			{Kind: StepWaitHidden, Selector: "#loading-overlay", Timeout: loadTimeout},
			{Kind: StepLog, Message: "Switching to Timeline view..."},
			{Kind: StepClick, Selector: "#btn-view-timeline", Timeout: stepTimeout},
			{Kind: StepWaitVisible, Selector: "#view-timeline", Timeout: stepTimeout},
			{Kind: StepLog, Message: "Creating a connection..."},
			{Kind: StepClick, Selector: "#btn-timeline-link", Timeout: stepTimeout},
			{Kind: StepClickNth, Selector: ".timeline-bar", Index: 0, Timeout: stepTimeout},
			{Kind: StepClickNth, Selector: ".timeline-bar", Index: 1, Timeout: stepTimeout},
			{Kind: StepLog, Message: "Taking screenshot..."},
			{Kind: StepScreenshot, Path: cfg.Output, FullPage: cfg.FullPage, Timeout: stepTimeout},
		},
	}
}

func withDefaultTimeout(steps []Step, d time.Duration) {
	for i := range steps {
		if steps[i].Kind != StepLog && steps[i].Timeout == 0 {
			steps[i].Timeout = d
		}
	}
}
