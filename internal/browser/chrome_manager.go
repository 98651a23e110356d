package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// ChromeOptions configures how Chromium is launched
type ChromeOptions struct {
	Bin            string // empty lets rod find or download a browser
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	Logger         logrus.FieldLogger
}

// ChromeManager manages a Chromium/Chrome instance launched by rod.
type ChromeManager struct {
	opts      ChromeOptions
	log       logrus.FieldLogger
	mu        sync.Mutex
	restartMu sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	wsURL     string
	running   bool
}

// NewChromeManager creates a new Chrome manager.
func NewChromeManager(opts ChromeOptions) *ChromeManager {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ChromeManager{
		opts: opts,
		log:  log.WithField("component", "chrome"),
	}
}

// Start launches Chrome and connects via CDP.
func (m *ChromeManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	l := launcher.New().Headless(m.opts.Headless)
	if m.opts.Bin != "" {
		l.Bin(m.opts.Bin)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	m.log.WithField("headless", m.opts.Headless).Infof("Chrome started with endpoint %s", wsURL)
	return nil
}

// Stop closes the browser and removes its temporary profile.
func (m *ChromeManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.log.WithError(err).Warn("Failed to close chrome")
		}
	}

	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	m.log.Info("Chrome stopped")
	return nil
}

// IsRunning reports whether Chrome is running.
func (m *ChromeManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetEndpoint returns the Chrome DevTools endpoint.
func (m *ChromeManager) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsURL
}

// NewPage creates a new blank page, restarting the browser once if the CDP
// connection has dropped.
func (m *ChromeManager) NewPage(ctx context.Context) (*rod.Page, error) {
	if err := m.ensureStarted(); err != nil {
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	page, err := m.currentBrowser().Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if !isConnectionError(err) {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}

		if restartErr := m.restartBrowser(); restartErr != nil {
			return nil, fmt.Errorf("failed to restart chrome after connection error: %w", restartErr)
		}

		page, err = m.currentBrowser().Context(ctx).Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}
	}

	return page, nil
}

// OpenSession creates a page sized to the configured viewport.
func (m *ChromeManager) OpenSession(ctx context.Context) (scenario.Session, error) {
	page, err := m.NewPage(ctx)
	if err != nil {
		return nil, err
	}

	session := NewSession(page, m.log)
	if err := session.SetViewport(m.opts.ViewportWidth, m.opts.ViewportHeight); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func (m *ChromeManager) currentBrowser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

func (m *ChromeManager) ensureStarted() error {
	if m.IsRunning() {
		return nil
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if m.IsRunning() {
		return nil
	}

	return m.Start()
}

func (m *ChromeManager) restartBrowser() error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		m.log.WithError(err).Warn("Failed to stop chrome before restart")
	}

	return m.Start()
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "eof")
}
