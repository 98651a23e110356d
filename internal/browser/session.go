package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// hiddenJS matches Playwright's "hidden" state: the element is missing,
// not displayed, invisible, or has no box.
const hiddenJS = `(selector) => {
	const el = document.querySelector(selector);
	if (!el) return true;
	const style = window.getComputedStyle(el);
	if (style.display === 'none' || style.visibility === 'hidden') return true;
	return el.getClientRects().length === 0;
}`

// Session drives one page for the duration of a scenario
type Session struct {
	page *rod.Page
	log  logrus.FieldLogger
}

var _ scenario.Session = (*Session)(nil)

// NewSession wraps an existing rod page
func NewSession(page *rod.Page, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{page: page, log: log}
}

// SetViewport fixes the page size; zero values keep the browser default
func (s *Session) SetViewport(width, height int) error {
	if width <= 0 || height <= 0 {
		return nil
	}
	err := s.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// Navigate loads url and waits for the load event
func (s *Session) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx)

	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, mapError(err))
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", mapError(err))
	}
	return nil
}

// WaitHidden blocks until selector is hidden or absent
func (s *Session) WaitHidden(ctx context.Context, selector string) error {
	if err := s.page.Context(ctx).Wait(rod.Eval(hiddenJS, selector)); err != nil {
		return fmt.Errorf("waiting for %s to be hidden: %w", selector, mapError(err))
	}
	return nil
}

// WaitVisible blocks until selector exists and is visible
func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", scenario.ErrNotFound, selector, mapError(err))
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("waiting for %s to be visible: %w", selector, mapError(err))
	}
	return nil
}

// Click clicks the first element matching selector once it is visible
func (s *Session) Click(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", scenario.ErrNotFound, selector, mapError(err))
	}
	return s.click(el, selector)
}

// ClickNth clicks the n-th (0-based) element matching selector
func (s *Session) ClickNth(ctx context.Context, selector string, n int) error {
	page := s.page.Context(ctx)

	if err := page.WaitElementsMoreThan(selector, n); err != nil {
		return fmt.Errorf("%w: %s[%d]: %w", scenario.ErrNotFound, selector, n, mapError(err))
	}

	els, err := page.Elements(selector)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", selector, mapError(err))
	}
	if len(els) <= n {
		return fmt.Errorf("%w: %s[%d], only %d present", scenario.ErrNotFound, selector, n, len(els))
	}

	return s.click(els[n], fmt.Sprintf("%s[%d]", selector, n))
}

func (s *Session) click(el *rod.Element, label string) error {
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("waiting for %s to be visible: %w", label, mapError(err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", label, mapError(err))
	}
	s.log.WithField("selector", label).Debug("Clicked")
	return nil
}

// Screenshot captures the page as PNG
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	data, err := s.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", mapError(err))
	}
	return data, nil
}

// Close closes the page
func (s *Session) Close() error {
	return s.page.Close()
}

// mapError turns rod failures into the scenario sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", scenario.ErrTimeout, err)
	}

	var navErr *rod.NavigationError
	if errors.As(err, &navErr) && strings.HasPrefix(navErr.Reason, "net::") {
		return fmt.Errorf("%w: %w", scenario.ErrUnreachable, err)
	}
	return err
}
