package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/history"
	"github.com/ahrdadan/atlasprobe/internal/logging"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestNewRootCmd(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, config.AppName, cmd.Use)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
	assert.NotNil(t, cmd.RunE, "root runs the built-in scenario without a subcommand")

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"run", "serve", "history", "version"} {
		assert.Contains(t, names, want)
	}

	for _, name := range []string{"config", "log-level", "log-format", "verbose", "no-color"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "persistent flag %q", name)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
}

func TestRunFlags(t *testing.T) {
	run := NewRunCmd()
	flags := map[string]string{
		"output":         "o",
		"scenario":       "s",
		"base-url":       "",
		"load-timeout":   "",
		"step-timeout":   "",
		"headless":       "",
		"full-page":      "",
		"chrome-bin":     "",
		"auto-install":   "",
		"concurrency":    "",
		"history":        "",
		"history-dir":    "",
		"viewport-width": "",
	}
	for name, short := range flags {
		f := run.Flags().Lookup(name)
		if assert.NotNil(t, f, "flag %q", name) {
			assert.Equal(t, short, f.Shorthand, "flag %q", name)
		}
	}

	assert.Equal(t, config.DefaultBaseURL, run.Flags().Lookup("base-url").DefValue)
	assert.Equal(t, config.DefaultOutput, run.Flags().Lookup("output").DefValue)
	assert.Equal(t, "10s", run.Flags().Lookup("load-timeout").DefValue)

	serve := NewServeCmd()
	for _, name := range []string{"host", "port", "output-dir", "nats-url", "no-history", "base-url", "chrome-bin"} {
		assert.NotNil(t, serve.Flags().Lookup(name), "serve flag %q", name)
	}
	assert.Nil(t, serve.Flags().Lookup("scenario"))
	assert.Nil(t, run.Flags().Lookup("no-history"), "run records nothing unless --history is given")
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"base_url: http://file:8000\nlog_level: warn\noutput: from-file.png\nconcurrency: 3\n"), 0o644))
	t.Setenv("ATLASPROBE_OUTPUT", "from-env.png")
	t.Setenv("ATLASPROBE_CONCURRENCY", "4")

	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--base-url", "http://flag:9000",
		"--load-timeout", "30s",
		"--headless=false",
		"--scenario", "a.yaml", "--scenario", "b.yaml",
	}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "http://flag:9000", cfg.BaseURL, "flag beats file")
	assert.Equal(t, "from-env.png", cfg.Output, "env beats file")
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "warn", cfg.LogLevel, "file beats default")
	assert.Equal(t, 30*time.Second, cfg.LoadTimeout)
	assert.Equal(t, config.DefaultStepTimeout, cfg.StepTimeout, "unset flags keep lower layers")
	assert.False(t, cfg.Headless)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.ScenarioFiles)
}

func TestLoadConfigVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o644))

	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "-v"}))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))

	_, err := loadConfig(cmd)
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestPlainRunPersistsNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlasprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))
	dataDir := t.TempDir()
	t.Setenv("ATLASPROBE_HISTORY_DIR", dataDir)

	cmd := NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", path}))
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.False(t, cfg.RecordHistory)

	rec, closeHistory := openRecorder(cfg, logging.Discard())
	closeHistory()
	assert.Nil(t, rec)

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no database is created")

	cmd = NewRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "--history"}))
	cfg, err = loadConfig(cmd)
	require.NoError(t, err)
	require.True(t, cfg.RecordHistory)

	rec, closeHistory = openRecorder(cfg, logging.Discard())
	defer closeHistory()
	require.NotNil(t, rec)
	assert.FileExists(t, filepath.Join(dataDir, history.DBFile))
}

func TestVersionCmd(t *testing.T) {
	cmd := NewVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "atlasprobe version "+getVersion())
	assert.Contains(t, out.String(), "commit:")
}

func TestLoadScenarios(t *testing.T) {
	cfg := config.DefaultConfig()

	scenarios, err := loadScenarios(cfg)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)
	assert.Equal(t, scenario.TimelineAlignmentName, scenarios[0].Name)

	cfg.ScenarioFiles = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = loadScenarios(cfg)
	assert.Error(t, err)
}

// page fakes a browser tab; failOn names a selector whose click fails
type page struct {
	failOn string
	shot   []byte
	closed bool
}

func (p *page) Navigate(context.Context, string) error      { return nil }
func (p *page) WaitHidden(context.Context, string) error    { return nil }
func (p *page) WaitVisible(context.Context, string) error   { return nil }
func (p *page) ClickNth(context.Context, string, int) error { return nil }

func (p *page) Click(_ context.Context, selector string) error {
	if selector == p.failOn {
		return fmt.Errorf("element %s not found", selector)
	}
	return nil
}

func (p *page) Screenshot(context.Context, bool) ([]byte, error) { return p.shot, nil }

func (p *page) Close() error {
	p.closed = true
	return nil
}

type opener struct {
	mu     sync.Mutex
	failOn string
	shot   []byte
	pages  []*page
}

func (o *opener) OpenSession(context.Context) (scenario.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &page{failOn: o.failOn, shot: o.shot}
	o.pages = append(o.pages, p)
	return p, nil
}

type memRecorder struct {
	mu      sync.Mutex
	reports []*scenario.Report
}

func (r *memRecorder) Record(_ context.Context, report *scenario.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 6, 4))))
	return buf.Bytes()
}

func TestExecutePasses(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "verify_alignment.png")

	op := &opener{shot: tinyPNG(t)}
	rec := &memRecorder{}
	var out bytes.Buffer

	err := execute(context.Background(), cfg, []*scenario.Scenario{scenario.TimelineAlignment(cfg)},
		op, rec, logging.Discard(), &out)
	require.NoError(t, err)

	assert.FileExists(t, cfg.Output)
	require.Len(t, op.pages, 1)
	assert.True(t, op.pages[0].closed, "page is closed after the run")
	require.Len(t, rec.reports, 1)
	assert.True(t, rec.reports[0].Passed())

	assert.Contains(t, out.String(), "PASS  "+scenario.TimelineAlignmentName)
	assert.Contains(t, out.String(), "screenshot: "+cfg.Output+" (6x4)")
	assert.Contains(t, out.String(), "1/1 scenarios passed")
}

func TestExecuteFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "verify_alignment.png")

	op := &opener{shot: tinyPNG(t), failOn: "#btn-timeline-link"}
	rec := &memRecorder{}
	var out bytes.Buffer

	err := execute(context.Background(), cfg, []*scenario.Scenario{scenario.TimelineAlignment(cfg)},
		op, rec, logging.Discard(), &out)
	require.ErrorIs(t, err, errRunFailed)

	assert.NoFileExists(t, cfg.Output)
	require.Len(t, op.pages, 1)
	assert.True(t, op.pages[0].closed, "page is closed even when a step fails")
	require.Len(t, rec.reports, 1)
	assert.False(t, rec.reports[0].Passed())

	assert.Contains(t, out.String(), "FAIL  "+scenario.TimelineAlignmentName)
	assert.Contains(t, out.String(), "#btn-timeline-link")
	assert.Contains(t, out.String(), "0/1 scenarios passed")
}

func TestExecuteWithoutRecorder(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "shot.png")

	var out bytes.Buffer
	err := execute(context.Background(), cfg, []*scenario.Scenario{scenario.TimelineAlignment(cfg)},
		&opener{shot: tinyPNG(t)}, nil, logging.Discard(), &out)
	require.NoError(t, err)
}

func TestPrintSummarySkipsMissingReports(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reports := []*scenario.Report{
		{RunID: "run_a", Scenario: "one", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
		nil,
		{RunID: "run_b", Scenario: "two", StartedAt: start, FinishedAt: start, Error: "no browser"},
	}

	var out bytes.Buffer
	printSummary(&out, reports)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, "PASS  one (run_a, 1.5s)", lines[0])
	assert.Equal(t, "FAIL  two (run_b, 0s)", lines[1])
	assert.Equal(t, "      no browser", lines[2])
	assert.Equal(t, "1/2 scenarios passed", lines[len(lines)-1])
}

func TestShowHistory(t *testing.T) {
	store, err := history.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().Add(-time.Minute).UTC()

	require.NoError(t, store.Record(ctx, &scenario.Report{
		RunID: "run_old", Scenario: "timeline-alignment", StartedAt: old, FinishedAt: old.Add(time.Second),
		Error: "timeout",
	}))
	require.NoError(t, store.Record(ctx, &scenario.Report{
		RunID: "run_new", Scenario: "timeline-alignment", StartedAt: recent, FinishedAt: recent.Add(time.Second),
	}))

	t.Run("table", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, store, &out, 10, false, 0))
		text := out.String()
		assert.Contains(t, text, "RUN")
		assert.Contains(t, text, "run_new")
		assert.Contains(t, text, "run_old")
		assert.Contains(t, text, "PASS")
		assert.Contains(t, text, "FAIL")
		assert.Less(t, strings.Index(text, "run_new"), strings.Index(text, "run_old"), "newest first")
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, store, &out, 1, true, 0))
		assert.Contains(t, out.String(), `"run_id": "run_new"`)
		assert.NotContains(t, out.String(), "run_old")
	})

	t.Run("prune", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, showHistory(ctx, store, &out, 10, false, 24*time.Hour))
		assert.Contains(t, out.String(), "Pruned 1 runs")

		_, err := store.Get(ctx, "run_old")
		assert.True(t, errors.Is(err, history.ErrNotFound))
	})
}
