package browser

import "github.com/ahrdadan/atlasprobe/internal/scenario"

// Client defines the browser operations used by the runner and the API handlers.
type Client interface {
	scenario.Opener
	IsRunning() bool
	GetEndpoint() string
}

var _ Client = (*ChromeManager)(nil)
