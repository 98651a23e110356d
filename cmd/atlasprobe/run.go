package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ahrdadan/atlasprobe/internal/browser"
	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/history"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run smoke scenarios once and exit",
		Long: `Run launches Chromium, executes each scenario on its own page and prints a
PASS/FAIL summary. The exit status is 1 when any scenario fails. Nothing but
the screenshots is written unless --history asks for the run to be recorded.

Examples:
  # The built-in timeline-alignment check against localhost:8000
  atlasprobe run

  # Against another host, with a longer wait for the loading overlay
  atlasprobe run --base-url http://staging:8000 --load-timeout 30s

  # Scenario files instead of the built-in check
  atlasprobe run --scenario map.yaml --scenario search.yaml --concurrency 2`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.StringP("output", "o", config.DefaultOutput, "Screenshot path for the built-in scenario")
	f.StringArrayP("scenario", "s", nil, "Scenario YAML file to run (repeatable)")
	f.Int("concurrency", 2, "Scenarios run at once")
	f.Bool("history", false, "Record the run in the history database")

	addBrowserFlags(cmd)
}

// addBrowserFlags registers the flags shared by run and serve
func addBrowserFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.String("base-url", config.DefaultBaseURL, "URL of the app under test")
	f.Duration("load-timeout", config.DefaultLoadTimeout, "How long to wait for the loading overlay to hide")
	f.Duration("step-timeout", config.DefaultStepTimeout, "Default timeout for every other step")
	f.Bool("headless", true, "Run Chromium without a window")
	f.Bool("full-page", true, "Capture the whole scrollable page")
	f.String("chrome-bin", "", "Chromium/Chrome binary (default: system browser)")
	f.Bool("auto-install", false, "Download Chromium when none is installed")
	f.Int("viewport-width", config.DefaultViewportWidth, "Viewport width in CSS pixels")
	f.Int("viewport-height", config.DefaultViewportHeight, "Viewport height in CSS pixels")
	f.String("history-dir", "", "History database directory (default: XDG data dir)")
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := setupLogger(cmd, cfg)
	if err != nil {
		return err
	}

	scenarios, err := loadScenarios(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chrome, err := startChrome(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// the browser is closed whatever happens to the run
	defer stopChrome(chrome, logger)

	rec, closeHistory := openRecorder(cfg, logger)
	defer closeHistory()

	return execute(ctx, cfg, scenarios, chrome, rec, logger, cmd.OutOrStdout())
}

// startChrome resolves a browser binary and launches it
func startChrome(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*browser.ChromeManager, error) {
	bin, err := browser.ResolveChrome(ctx, cfg.ChromeBin, cfg.ChromeRevision, cfg.AutoInstall, logger)
	if err != nil {
		return nil, err
	}

	chrome := browser.NewChromeManager(browser.ChromeOptions{
		Bin:            bin,
		Headless:       cfg.Headless,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		Logger:         logger,
	})
	if err := chrome.Start(); err != nil {
		return nil, err
	}
	return chrome, nil
}

func stopChrome(chrome *browser.ChromeManager, logger logrus.FieldLogger) {
	if err := chrome.Stop(); err != nil {
		logger.WithError(err).Warn("Failed to stop browser")
	}
}

// recorder is the part of the history store a run writes to
type recorder interface {
	Record(ctx context.Context, report *scenario.Report) error
}

// openRecorder opens the history store when the run opted in. A nil recorder
// means nothing is written to disk.
func openRecorder(cfg *config.Config, logger logrus.FieldLogger) (recorder, func()) {
	if !cfg.RecordHistory {
		return nil, func() {}
	}

	store, err := history.Open(cfg.HistoryDir)
	if err != nil {
		logger.WithError(err).Warn("History disabled")
		return nil, func() {}
	}
	return store, func() { _ = store.Close() }
}

// loadScenarios returns the scenario files named in cfg, or the built-in check
func loadScenarios(cfg *config.Config) ([]*scenario.Scenario, error) {
	if len(cfg.ScenarioFiles) == 0 {
		return []*scenario.Scenario{scenario.TimelineAlignment(cfg)}, nil
	}

	scenarios := make([]*scenario.Scenario, 0, len(cfg.ScenarioFiles))
	for _, path := range cfg.ScenarioFiles {
		sc, err := scenario.Load(path, cfg)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// execute runs scenarios on pages from opener, records them and prints the summary
func execute(ctx context.Context, cfg *config.Config, scenarios []*scenario.Scenario, opener scenario.Opener, rec recorder, logger logrus.FieldLogger, out io.Writer) error {
	batch := &scenario.Batch{
		Runner:      scenario.NewRunner(logger),
		Opener:      opener,
		Concurrency: cfg.Concurrency,
	}

	reports, runErr := batch.Run(ctx, scenarios)

	if rec != nil {
		recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, report := range reports {
			if report == nil {
				continue
			}
			if err := rec.Record(recCtx, report); err != nil {
				logger.WithError(err).Warn("Failed to record run history")
			}
		}
	}

	printSummary(out, reports)

	if runErr != nil {
		logger.WithError(runErr).Debug("Run finished with failures")
		return errRunFailed
	}
	return nil
}
