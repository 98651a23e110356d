package scenario

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrdadan/atlasprobe/internal/config"
)

// Load reads a YAML scenario file and normalizes it against cfg
func Load(path string, cfg *config.Config) (*Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // scenario path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}

	sc, err := Parse(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a YAML scenario. Relative navigate URLs resolve against
// cfg.BaseURL, steps without a timeout get cfg.StepTimeout, and screenshot
// steps without a path write to <name>.png.
func Parse(data []byte, cfg *config.Config) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}

	if err := Normalize(&sc, cfg); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Normalize fills defaults in place and validates the result
func Normalize(sc *Scenario, cfg *config.Config) error {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}

	for i := range sc.Steps {
		step := &sc.Steps[i]
		switch step.Kind {
		case StepNavigate:
			if step.URL == "" {
				step.URL = cfg.BaseURL
				continue
			}
			ref, err := url.Parse(step.URL)
			if err != nil {
				return fmt.Errorf("step %d: invalid url %q: %w", i, step.URL, err)
			}
			step.URL = base.ResolveReference(ref).String()
		case StepScreenshot:
			if step.Path == "" && sc.Name != "" {
				step.Path = sc.Name + ".png"
			}
		}
	}

	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = config.DefaultStepTimeout
	}
	withDefaultTimeout(sc.Steps, timeout)

	return sc.Validate()
}
