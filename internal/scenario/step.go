package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// StepKind identifies what a step does to the page
type StepKind string

const (
	StepNavigate    StepKind = "navigate"
	StepWaitHidden  StepKind = "wait_hidden"
	StepWaitVisible StepKind = "wait_visible"
	StepClick       StepKind = "click"
	StepClickNth    StepKind = "click_nth"
	StepScreenshot  StepKind = "screenshot"
	StepLog         StepKind = "log"
)

// Step is a single UI action
type Step struct {
	Kind     StepKind      `yaml:"kind" json:"kind"`
	URL      string        `yaml:"url,omitempty" json:"url,omitempty"`
	Selector string        `yaml:"selector,omitempty" json:"selector,omitempty"`
	Index    int           `yaml:"index,omitempty" json:"index,omitempty"` // click_nth, 0-based
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Message  string        `yaml:"message,omitempty" json:"message,omitempty"`
	Path     string        `yaml:"path,omitempty" json:"path,omitempty"`
	FullPage bool          `yaml:"full_page,omitempty" json:"full_page,omitempty"`
}

var errMissingSelector = errors.New("selector is required")

// ErrUnsupportedURL is returned for navigate targets that are not absolute http(s) URLs
var ErrUnsupportedURL = errors.New("navigate url must be an absolute http(s) URL")

// IsHTTPURL reports whether raw is an absolute http or https URL with a host
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate checks that the fields the step kind needs are present
func (s Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return errors.New("url is required")
		}
		if !IsHTTPURL(s.URL) {
			return fmt.Errorf("%w, got %q", ErrUnsupportedURL, s.URL)
		}
	case StepWaitHidden, StepWaitVisible, StepClick:
		if s.Selector == "" {
			return errMissingSelector
		}
	case StepClickNth:
		if s.Selector == "" {
			return errMissingSelector
		}
		if s.Index < 0 {
			return fmt.Errorf("index must not be negative, got %d", s.Index)
		}
	case StepScreenshot:
	case StepLog:
		if s.Message == "" {
			return errors.New("message is required")
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}

	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", s.Timeout)
	}
	return nil
}

// MarshalJSON writes the timeout as a duration string such as "10s"
func (s Step) MarshalJSON() ([]byte, error) {
	type plain Step
	out := struct {
		plain
		Timeout string `json:"timeout,omitempty"`
	}{plain: plain(s)}
	if s.Timeout != 0 {
		out.Timeout = s.Timeout.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the timeout as a duration string ("10s") like the
// YAML form, or as integer nanoseconds
func (s *Step) UnmarshalJSON(data []byte) error {
	type plain Step
	aux := struct {
		*plain
		Timeout json.RawMessage `json:"timeout,omitempty"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.Timeout = 0
	if len(aux.Timeout) == 0 || string(aux.Timeout) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(aux.Timeout, &text); err == nil {
		d, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", text, err)
		}
		s.Timeout = d
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(aux.Timeout, &nanos); err != nil {
		return fmt.Errorf("timeout must be a duration string or nanoseconds: %s", aux.Timeout)
	}
	s.Timeout = time.Duration(nanos)
	return nil
}

// String renders a short human label, e.g. `click_nth .timeline-bar[1]`
func (s Step) String() string {
	switch s.Kind {
	case StepNavigate:
		return fmt.Sprintf("%s %s", s.Kind, s.URL)
	case StepClickNth:
		return fmt.Sprintf("%s %s[%d]", s.Kind, s.Selector, s.Index)
	case StepScreenshot:
		if s.Path != "" {
			return fmt.Sprintf("%s %s", s.Kind, s.Path)
		}
		return string(s.Kind)
	case StepLog:
		return fmt.Sprintf("%s %q", s.Kind, s.Message)
	default:
		return fmt.Sprintf("%s %s", s.Kind, s.Selector)
	}
}
