package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/logging"
)

// fakePage records calls and fails on demand
type fakePage struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	failErr error
	block   string // call that waits for the context to expire
	shot    []byte
	closed  bool
}

func (p *fakePage) record(ctx context.Context, call string) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()

	if call == p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if call == p.failOn {
		return p.failErr
	}
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	return p.record(ctx, "navigate "+url)
}

func (p *fakePage) WaitHidden(ctx context.Context, selector string) error {
	return p.record(ctx, "hidden "+selector)
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	return p.record(ctx, "visible "+selector)
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	return p.record(ctx, "click "+selector)
}

func (p *fakePage) ClickNth(ctx context.Context, selector string, n int) error {
	return p.record(ctx, fmt.Sprintf("click %s[%d]", selector, n))
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := p.record(ctx, fmt.Sprintf("screenshot full=%v", fullPage)); err != nil {
		return nil, err
	}
	return p.shot, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Output = filepath.Join(t.TempDir(), "verify_alignment.png")
	return cfg
}

func TestTimelineAlignmentRunsInOrder(t *testing.T) {
	cfg := testConfig(t)
	page := &fakePage{shot: tinyPNG(t)}
	runner := NewRunner(logging.Discard())

	report, err := runner.Run(context.Background(), "", page, TimelineAlignment(cfg))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"navigate http://localhost:8000",
		"hidden #loading-overlay",
		"click #btn-view-timeline",
		"visible #view-timeline",
		"click #btn-timeline-link",
		"click .timeline-bar[0]",
		"click .timeline-bar[1]",
		"screenshot full=true",
	}, page.calls)

	assert.True(t, report.Passed())
	assert.Regexp(t, `^run_[0-9a-f]{8}$`, report.RunID)
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, cfg.Output, report.Artifacts[0].Path)

	info, err := os.Stat(cfg.Output)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestUnreachableServerFailsBeforeScreenshot(t *testing.T) {
	cfg := testConfig(t)
	page := &fakePage{
		shot:    tinyPNG(t),
		failOn:  "navigate http://localhost:8000",
		failErr: fmt.Errorf("dial tcp: %w", ErrUnreachable),
	}

	report, err := NewRunner(logging.Discard()).Run(context.Background(), "", page, TimelineAlignment(cfg))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 0, stepErr.Index)
	assert.Equal(t, StepNavigate, stepErr.Step.Kind)

	assert.False(t, report.Passed())
	assert.Equal(t, StepFailed, report.Steps[0].Status)
	assert.Equal(t, StepSkipped, report.Steps[len(report.Steps)-1].Status)
	assert.Empty(t, report.Artifacts)

	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestOverlayTimeoutStopsTheRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.LoadTimeout = 30 * time.Millisecond
	page := &fakePage{shot: tinyPNG(t), block: "hidden #loading-overlay"}

	start := time.Now()
	report, err := NewRunner(logging.Discard()).Run(context.Background(), "", page, TimelineAlignment(cfg))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, page.calls, 2, "nothing after the overlay wait may run")

	failed := report.FailedStep()
	require.NotNil(t, failed)
	assert.Equal(t, StepWaitHidden, failed.Kind)
}

func TestRunRejectsInvalidScenario(t *testing.T) {
	sc := &Scenario{Name: "bad", Steps: []Step{{Kind: StepClick, Selector: "#x"}}}
	page := &fakePage{}

	report, err := NewRunner(logging.Discard()).Run(context.Background(), "run_test", page, sc)
	require.Error(t, err)
	assert.Empty(t, page.calls)
	assert.Equal(t, "run_test", report.RunID)
}

func TestRunnerOutputOverridesStepPath(t *testing.T) {
	cfg := testConfig(t)
	override := filepath.Join(t.TempDir(), "run_1.png")
	page := &fakePage{shot: tinyPNG(t)}

	runner := NewRunner(logging.Discard())
	runner.Output = override

	var progress []int
	runner.Progress = func(done, total int, _ string) { progress = append(progress, done) }

	report, err := runner.Run(context.Background(), "", page, TimelineAlignment(cfg))
	require.NoError(t, err)
	assert.Equal(t, override, report.Artifacts[0].Path)
	assert.Len(t, progress, len(report.Steps))

	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunnerOutputKeepsEveryScreenshot(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "run_1.png")
	page := &fakePage{shot: tinyPNG(t)}

	runner := NewRunner(logging.Discard())
	runner.Output = override

	sc := &Scenario{
		Name: "two-shots",
		Steps: []Step{
			{Kind: StepNavigate, URL: "http://localhost:8000", Timeout: time.Second},
			{Kind: StepScreenshot, Path: "before.png", Timeout: time.Second},
			{Kind: StepClick, Selector: "#btn-view-timeline", Timeout: time.Second},
			{Kind: StepScreenshot, Path: "after.png", Timeout: time.Second},
		},
	}

	report, err := runner.Run(context.Background(), "", page, sc)
	require.NoError(t, err)
	require.Len(t, report.Artifacts, 2)
	assert.Equal(t, filepath.Join(dir, "run_1-1.png"), report.Artifacts[0].Path)
	assert.Equal(t, filepath.Join(dir, "run_1-3.png"), report.Artifacts[1].Path)

	for _, a := range report.Artifacts {
		_, statErr := os.Stat(a.Path)
		assert.NoError(t, statErr)
	}
	_, statErr := os.Stat(override)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEmptyScreenshotFails(t *testing.T) {
	cfg := testConfig(t)
	page := &fakePage{}

	_, err := NewRunner(logging.Discard()).Run(context.Background(), "", page, TimelineAlignment(cfg))
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepScreenshot, stepErr.Step.Kind)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := &fakePage{}
	_, err := NewRunner(logging.Discard()).Run(ctx, "", page, TimelineAlignment(testConfig(t)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, page.calls)
}

type fakeOpener struct {
	mu    sync.Mutex
	pages []*fakePage
	shot  []byte
	fail  bool
}

func (o *fakeOpener) OpenSession(context.Context) (Session, error) {
	if o.fail {
		return nil, errors.New("no browser")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &fakePage{shot: o.shot}
	o.pages = append(o.pages, p)
	return p, nil
}

func TestBatchKeepsOrderAndClosesPages(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	var scenarios []*Scenario
	for i := 0; i < 4; i++ {
		sc := TimelineAlignment(cfg)
		sc.Name = fmt.Sprintf("s%d", i)
		sc.Steps[len(sc.Steps)-1].Path = filepath.Join(dir, sc.Name+".png")
		scenarios = append(scenarios, sc)
	}

	opener := &fakeOpener{shot: tinyPNG(t)}
	batch := &Batch{Runner: NewRunner(logging.Discard()), Opener: opener, Concurrency: 2}

	reports, err := batch.Run(context.Background(), scenarios)
	require.NoError(t, err)
	require.Len(t, reports, 4)
	for i, r := range reports {
		assert.Equal(t, fmt.Sprintf("s%d", i), r.Scenario)
		assert.True(t, r.Passed())
	}
	for _, p := range opener.pages {
		assert.True(t, p.closed)
	}
}

func TestBatchReportsOpenFailure(t *testing.T) {
	batch := &Batch{Runner: NewRunner(logging.Discard()), Opener: &fakeOpener{fail: true}}

	reports, err := batch.Run(context.Background(), []*Scenario{TimelineAlignment(testConfig(t))})
	require.Error(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Passed())
	assert.Contains(t, reports[0].Error, "no browser")
}
