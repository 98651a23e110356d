package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/atlasprobe/internal/artifact"
	"github.com/ahrdadan/atlasprobe/internal/config"
	"github.com/ahrdadan/atlasprobe/internal/logging"
	"github.com/ahrdadan/atlasprobe/internal/scenario"
	"github.com/ahrdadan/atlasprobe/internal/security"
)

func artifactAt(path string) artifact.Info {
	return artifact.Info{Path: path}
}

// fakeSession records what the scenario did to it
type fakeSession struct {
	mu       sync.Mutex
	visited  []string
	fullPage []bool
	shot     []byte
	closed   bool
	failWait error
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visited = append(s.visited, url)
	return nil
}

func (s *fakeSession) WaitHidden(context.Context, string) error { return s.failWait }

func (s *fakeSession) WaitVisible(context.Context, string) error { return nil }

func (s *fakeSession) Click(context.Context, string) error { return nil }

func (s *fakeSession) ClickNth(context.Context, string, int) error { return nil }

func (s *fakeSession) Screenshot(_ context.Context, fullPage bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullPage = append(s.fullPage, fullPage)
	return s.shot, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	session *fakeSession
	err     error
}

func (o *fakeOpener) OpenSession(context.Context) (scenario.Session, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.session, nil
}

type fakeRecorder struct {
	reports []*scenario.Report
}

func (r *fakeRecorder) Record(_ context.Context, report *scenario.Report) error {
	r.reports = append(r.reports, report)
	return nil
}

func newTestProcessor(t *testing.T, opener scenario.Opener) (*ScenarioProcessor, *fakeRecorder) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()

	catalog, err := scenario.NewCatalog(cfg)
	require.NoError(t, err)

	rec := &fakeRecorder{}
	p := NewScenarioProcessor(catalog, opener, cfg, rec, logging.Discard())
	p.syncWebhooks = true
	return p, rec
}

func TestProcessorRunsScenario(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(security.SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	session := &fakeSession{shot: tinyPNG(t)}
	p, rec := newTestProcessor(t, &fakeOpener{session: session})

	run := NewRun(RunRequest{Notify: &NotifyConfig{WebhookURL: hook.URL, WebhookSecret: "s3cret"}})

	var last int
	report, err := p.Process(context.Background(), run, func(pct int, _ string) {
		assert.GreaterOrEqual(t, pct, last)
		last = pct
	})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, 95, last)
	assert.True(t, session.closed)
	assert.Equal(t, []string{config.DefaultBaseURL}, session.visited)
	assert.Equal(t, []bool{true}, session.fullPage)

	path := p.ScreenshotPath(run.ID)
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, path, report.Artifacts[0].Path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, run.ID, rec.reports[0].RunID)

	require.NotEmpty(t, gotBody)
	assert.True(t, security.VerifySignature(gotBody, gotSig, "s3cret"))
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, run.ID, payload.RunID)
	assert.Equal(t, RunStatusSucceeded, payload.Status)
	assert.Contains(t, payload.ScreenshotURL, "/atlasprobe/runs/"+run.ID+"/screenshot")
}

func TestProcessorOverrides(t *testing.T) {
	session := &fakeSession{shot: tinyPNG(t)}
	p, _ := newTestProcessor(t, &fakeOpener{session: session})

	viewportOnly := false
	run := NewRun(RunRequest{BaseURL: "http://staging:9000/", FullPage: &viewportOnly})

	_, err := p.Process(context.Background(), run, func(int, string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://staging:9000"}, session.visited)
	assert.Equal(t, []bool{false}, session.fullPage)
}

func TestProcessorInlineScenario(t *testing.T) {
	session := &fakeSession{shot: tinyPNG(t)}
	p, _ := newTestProcessor(t, &fakeOpener{session: session})

	def := &scenario.Scenario{
		Name: "map",
		Steps: []scenario.Step{
			{Kind: scenario.StepNavigate, URL: "/map"},
			{Kind: scenario.StepScreenshot, FullPage: true},
		},
	}
	run := NewRun(RunRequest{Definition: def, BaseURL: "http://atlas.test"})

	_, err := p.Process(context.Background(), run, func(int, string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://atlas.test/map"}, session.visited)
	assert.Empty(t, def.Steps[1].Path, "request definition is not modified")
}

func TestProcessorRejectsLocalFileDefinition(t *testing.T) {
	session := &fakeSession{shot: tinyPNG(t)}
	p, rec := newTestProcessor(t, &fakeOpener{session: session})

	def := &scenario.Scenario{
		Name: "leak",
		Steps: []scenario.Step{
			{Kind: scenario.StepNavigate, URL: "file:///etc/passwd"},
			{Kind: scenario.StepScreenshot, FullPage: true},
		},
	}

	_, err := p.Resolve(RunRequest{Definition: def})
	assert.ErrorIs(t, err, scenario.ErrUnsupportedURL)

	_, err = p.Process(context.Background(), NewRun(RunRequest{Definition: def}), func(int, string) {})
	assert.ErrorIs(t, err, scenario.ErrUnsupportedURL)
	assert.Empty(t, session.visited, "the page is never pointed at the file")
	assert.Empty(t, rec.reports)
}

func TestProcessorFailures(t *testing.T) {
	t.Run("unknown scenario", func(t *testing.T) {
		p, rec := newTestProcessor(t, &fakeOpener{session: &fakeSession{}})
		_, err := p.Process(context.Background(), NewRun(RunRequest{Scenario: "nope"}), func(int, string) {})
		assert.Error(t, err)
		assert.Empty(t, rec.reports)
	})

	t.Run("browser unavailable", func(t *testing.T) {
		p, _ := newTestProcessor(t, &fakeOpener{err: errors.New("no chrome")})
		_, err := p.Process(context.Background(), NewRun(RunRequest{}), func(int, string) {})
		assert.ErrorContains(t, err, "no chrome")
	})

	t.Run("step fails", func(t *testing.T) {
		session := &fakeSession{failWait: scenario.ErrTimeout}
		p, rec := newTestProcessor(t, &fakeOpener{session: session})
		run := NewRun(RunRequest{})

		report, err := p.Process(context.Background(), run, func(int, string) {})
		require.Error(t, err)
		assert.ErrorIs(t, err, scenario.ErrTimeout)
		require.NotNil(t, report)
		assert.False(t, report.Passed())
		assert.True(t, session.closed)
		require.Len(t, rec.reports, 1, "failed runs are recorded too")

		_, statErr := os.Stat(filepath.Join(p.cfg.OutputDir, run.ID+".png"))
		assert.True(t, os.IsNotExist(statErr))
	})
}
