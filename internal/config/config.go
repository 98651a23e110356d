package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/mstoykov/envconfig"
)

const (
	// Version is the current version of atlasprobe
	Version = "0.1.0"
	// AppName is the application name
	AppName = "atlasprobe"
)

// Default values for a one-shot run against a local atlas
const (
	DefaultBaseURL        = "http://localhost:8000"
	DefaultOutput         = "verify_alignment.png"
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 800
	DefaultLoadTimeout    = 10 * time.Second
	DefaultStepTimeout    = 30 * time.Second
)

// Config holds all configuration options for atlasprobe
type Config struct {
	// Target
	BaseURL string `yaml:"base_url" envconfig:"ATLASPROBE_BASE_URL"`

	// Browser
	Headless       bool   `yaml:"headless" envconfig:"ATLASPROBE_HEADLESS"`
	ChromeBin      string `yaml:"chrome_bin" envconfig:"ATLASPROBE_CHROME_BIN"`
	ChromeRevision int    `yaml:"chrome_revision" envconfig:"ATLASPROBE_CHROME_REVISION"`
	AutoInstall    bool   `yaml:"auto_install" envconfig:"ATLASPROBE_AUTO_INSTALL"`
	ViewportWidth  int    `yaml:"viewport_width" envconfig:"ATLASPROBE_VIEWPORT_WIDTH"`
	ViewportHeight int    `yaml:"viewport_height" envconfig:"ATLASPROBE_VIEWPORT_HEIGHT"`

	// Timing
	LoadTimeout time.Duration `yaml:"load_timeout" envconfig:"ATLASPROBE_LOAD_TIMEOUT"` // wait budget for the loading overlay
	StepTimeout time.Duration `yaml:"step_timeout" envconfig:"ATLASPROBE_STEP_TIMEOUT"` // default budget for every other step

	// Output
	Output    string `yaml:"output" envconfig:"ATLASPROBE_OUTPUT"`
	OutputDir string `yaml:"output_dir" envconfig:"ATLASPROBE_OUTPUT_DIR"` // serve mode only
	FullPage  bool   `yaml:"full_page" envconfig:"ATLASPROBE_FULL_PAGE"`

	// Scenarios
	ScenarioFiles []string `yaml:"scenarios" envconfig:"ATLASPROBE_SCENARIOS"`
	Concurrency   int      `yaml:"concurrency" envconfig:"ATLASPROBE_CONCURRENCY"`

	// History
	HistoryDir    string `yaml:"history_dir" envconfig:"ATLASPROBE_HISTORY_DIR"`
	RecordHistory bool   `yaml:"history" envconfig:"ATLASPROBE_HISTORY"`       // run: opt in, a plain run persists nothing
	NoHistory     bool   `yaml:"no_history" envconfig:"ATLASPROBE_NO_HISTORY"` // serve: opt out

	// Logging
	LogLevel  string `yaml:"log_level" envconfig:"ATLASPROBE_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"ATLASPROBE_LOG_FORMAT"`

	// Server
	Host    string `yaml:"host" envconfig:"ATLASPROBE_HOST"`
	Port    int    `yaml:"port" envconfig:"ATLASPROBE_PORT"`
	BaseAPI string `yaml:"api_base_url" envconfig:"ATLASPROBE_API_BASE_URL"` // full base URL for API responses

	// Queue (NATS JetStream)
	NatsURL    string `yaml:"nats_url" envconfig:"ATLASPROBE_NATS_URL"`
	NatsStore  string `yaml:"nats_store" envconfig:"ATLASPROBE_NATS_STORE"`
	NatsAutoDL bool   `yaml:"nats_autodl" envconfig:"ATLASPROBE_NATS_AUTODL"`
	NatsBin    string `yaml:"nats_bin" envconfig:"ATLASPROBE_NATS_BIN"`

	// Security
	RateLimitRequests int           `yaml:"rate_limit" envconfig:"ATLASPROBE_RATE_LIMIT"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" envconfig:"ATLASPROBE_RATE_LIMIT_WINDOW"`
	ResultTTL         time.Duration `yaml:"result_ttl" envconfig:"ATLASPROBE_RESULT_TTL"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		Headless:          true,
		ViewportWidth:     DefaultViewportWidth,
		ViewportHeight:    DefaultViewportHeight,
		LoadTimeout:       DefaultLoadTimeout,
		StepTimeout:       DefaultStepTimeout,
		Output:            DefaultOutput,
		OutputDir:         filepath.Join(XDGDataDir(), "screenshots"),
		FullPage:          true,
		Concurrency:       2,
		HistoryDir:        XDGDataDir(),
		LogLevel:          "info",
		LogFormat:         "text",
		Host:              "0.0.0.0",
		Port:              8090,
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsAutoDL:        true,
		NatsBin:           "./bin/nats-server",
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
		ResultTTL:         24 * time.Hour,
	}
}

// XDGDataDir returns the per-user data directory used for history and screenshots.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// ApplyEnv overrides fields from ATLASPROBE_* environment variables.
// Variables that are not set leave the current value untouched.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := envconfig.Process("", c, lookup); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// APIBaseURL returns the base URL used in API responses, derived from Host and Port when unset.
func (c *Config) APIBaseURL() string {
	if c.BaseAPI != "" {
		return c.BaseAPI
	}
	host := c.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// Validation errors
var (
	ErrInvalidBaseURL  = errors.New("base URL must be an absolute http(s) URL")
	ErrInvalidViewport = errors.New("viewport width and height must be positive")
	ErrInvalidTimeout  = errors.New("timeouts must be positive")
	ErrEmptyOutput     = errors.New("output path must not be empty")
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
)

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return ErrInvalidViewport
	}
	if c.LoadTimeout <= 0 || c.StepTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Output == "" {
		return ErrEmptyOutput
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}

	// Clamp like the server flags always did
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Concurrency > 8 {
		c.Concurrency = 8
	}
	if c.RateLimitRequests < 1 {
		c.RateLimitRequests = 30
	}

	return nil
}
