// cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/observability"
	"github.com/sourabhkumawat/healops/internal/remediation/eventlog"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/repository"
	"github.com/sourabhkumawat/healops/internal/store"
)

func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// executeWithCapture runs the real root command with an extra subcommand that
// captures the loaded configuration.
func executeWithCapture(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	resetForTest(t)
	var captured *config.Config
	root := NewRootCommand()
	root.AddCommand(&cobra.Command{
		Use: "capture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			captured = cfg
			return err
		},
	})
	root.SetArgs(append([]string{"capture"}, args...))
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	err := root.ExecuteContext(context.Background())
	return captured, err
}

func TestConfigLoading(t *testing.T) {
	t.Run("config file and env override", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "healops.yaml", `
logger:
  level: fatal
engine:
  max_iterations: 12
  concurrency: 3
repository:
  type: git
  local_path: /srv/shop
`)
		t.Setenv("HEALOPS_ENGINE_CONCURRENCY", "5")

		cfg, err := executeWithCapture(t, "--config", path)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, 12, cfg.Engine().MaxIterations)
		assert.Equal(t, 5, cfg.Engine().Concurrency)
		assert.Equal(t, "/srv/shop", cfg.Repository().LocalPath)
		assert.Equal(t, 3, cfg.Engine().MaxRetriesPerStep, "defaults survive")
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bad.yaml", "logger:\n  level: fatal\nrepository:\n  type: svn\n")
		_, err := executeWithCapture(t, "--config", path)
		assert.ErrorContains(t, err, "repository.type")
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		_, err := executeWithCapture(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestVersionCommand(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestLoadIncidents(t *testing.T) {
	dir := t.TempDir()
	single := writeFile(t, dir, "one.json", `{"id":"inc-1","title":"cart 500s","root_cause":"nil map write","affected_files":["cart/handler.go"]}`)
	list := writeFile(t, dir, "many.json", `[{"root_cause":"pool exhausted"},{"id":"inc-3","root_cause":"bad migration"}]`)
	empty := writeFile(t, dir, "empty.json", `{"id":"inc-4","root_cause":"  "}`)
	broken := writeFile(t, dir, "broken.json", `{"id":`)
	panicLog := writeFile(t, dir, "panic.log", strings.Join([]string{
		"panic: assignment to entry in nil map",
		"goroutine 1 [running]:",
		"main.add()",
		"\t" + filepath.Join(dir, "cart", "cart.go") + ":19 +0x1",
	}, "\n"))

	t.Run("files and panic log", func(t *testing.T) {
		got, err := loadIncidents([]string{single, list}, panicLog, dir, "shop")
		require.NoError(t, err)
		require.Len(t, got, 4)

		want := schemas.Incident{ID: "inc-1", Title: "cart 500s", RootCause: "nil map write", AffectedFiles: []string{"cart/handler.go"}}
		got[0].DetectedAt = want.DetectedAt
		if diff := cmp.Diff(want, got[0]); diff != "" {
			t.Errorf("first incident mismatch (-want +got):\n%s", diff)
		}
		assert.NotEmpty(t, got[1].ID, "missing IDs are generated")
		assert.False(t, got[1].DetectedAt.IsZero())
		assert.Equal(t, "inc-3", got[2].ID)
		assert.Equal(t, []string{"cart/cart.go"}, got[3].AffectedFiles)
		assert.Equal(t, "shop", got[3].Service)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := loadIncidents(nil, "", dir, "")
		assert.Error(t, err)
		_, err = loadIncidents([]string{empty}, "", dir, "")
		assert.ErrorContains(t, err, "root_cause")
		_, err = loadIncidents([]string{broken}, "", dir, "")
		assert.ErrorContains(t, err, "broken.json")
		_, err = loadIncidents([]string{filepath.Join(dir, "missing.json")}, "", dir, "")
		assert.Error(t, err)
	})
}

func TestWriteResultsAndSummarize(t *testing.T) {
	results := []models.RunResult{
		{RunID: "r1", IncidentID: "inc-1", Success: true},
		{RunID: "r2", IncidentID: "inc-2"},
	}

	out := new(bytes.Buffer)
	require.NoError(t, writeResults(out, "", results))
	assert.Contains(t, out.String(), `"run_id": "r1"`)

	path := filepath.Join(t.TempDir(), "results.json")
	resetForTest(t)
	require.NoError(t, writeResults(out, path, results))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"incident_id": "inc-2"`)

	err = summarize(results)
	assert.ErrorContains(t, err, "1 of 2 runs did not succeed: inc-2")
	assert.NoError(t, summarize(results[:1]))
}

type fakeLoader struct {
	events []models.Event
	err    error
}

func (f fakeLoader) LoadEvents(context.Context, string) ([]models.Event, error) {
	return f.events, f.err
}

func TestPrintEvents(t *testing.T) {
	out := new(bytes.Buffer)
	loader := fakeLoader{events: []models.Event{
		{Seq: 1, Type: models.EventUserRequest},
		{Seq: 2, Type: models.EventPlanCreated},
	}}
	require.NoError(t, printEvents(context.Background(), loader, "run-1", false, out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"plan-created"`)

	err := printEvents(context.Background(), fakeLoader{err: store.ErrRunNotFound}, "run-x", false, out)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestPrintEventsCondensed(t *testing.T) {
	resetForTest(t)
	// Bounds arrive as float64 after the JSONB round trip.
	loader := fakeLoader{events: []models.Event{
		{Seq: 1, Type: models.EventUserRequest},
		{Seq: 2, Type: models.EventObservation},
		{Seq: 3, Type: models.EventObservation},
		{Seq: 4, Type: models.EventPlanStepCompleted},
		{Seq: 5, Type: models.EventCompression, Data: map[string]interface{}{
			"from_seq": float64(2), "to_seq": float64(3), "summary": "two reads of the handler",
		}},
	}}

	out := new(bytes.Buffer)
	require.NoError(t, printEvents(context.Background(), loader, "run-1", true, out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "two reads of the handler")
	assert.Contains(t, lines[2], `"plan-step-completed"`)

	gap := fakeLoader{events: []models.Event{{Seq: 1}, {Seq: 3}}}
	err := printEvents(context.Background(), gap, "run-2", true, new(bytes.Buffer))
	assert.ErrorIs(t, err, eventlog.ErrSequenceGap)
}

type mockOpener struct {
	mock.Mock
}

func (m *mockOpener) Open(ctx context.Context, incident schemas.Incident, result models.RunResult) (string, error) {
	args := m.Called(ctx, incident, result)
	return args.String(0), args.Error(1)
}

func TestPullRequestSink(t *testing.T) {
	ctx := context.Background()
	inc := schemas.Incident{ID: "inc-1"}
	fixed := models.RunResult{RunID: "r1", Success: true, Fixes: []models.FileChange{{Path: "a.go"}}}

	opener := new(mockOpener)
	opener.On("Open", mock.Anything, inc, fixed).Return("https://github.com/acme/shop/pull/7", nil).Once()
	sink := pullRequestSink(opener, zaptest.NewLogger(t))

	require.NoError(t, sink.Handle(ctx, inc, fixed))
	require.NoError(t, sink.Handle(ctx, inc, models.RunResult{Success: false, Fixes: fixed.Fixes}))
	require.NoError(t, sink.Handle(ctx, inc, models.RunResult{Success: true}))
	partial := fixed
	partial.PlanProgress = models.PlanProgress{Total: 3, Completed: 2, Failed: 1}
	require.NoError(t, sink.Handle(ctx, inc, partial), "runs with failed steps do not open pull requests")
	opener.AssertExpectations(t)

	failing := new(mockOpener)
	failing.On("Open", mock.Anything, inc, fixed).Return("", errors.New("403")).Once()
	assert.ErrorContains(t, pullRequestSink(failing, zaptest.NewLogger(t)).Handle(ctx, inc, fixed), "403")

	noFixes := new(mockOpener)
	noFixes.On("Open", mock.Anything, inc, fixed).Return("", repository.ErrNoFixes).Once()
	assert.NoError(t, pullRequestSink(noFixes, zaptest.NewLogger(t)).Handle(ctx, inc, fixed))
}

func TestResultPrinter(t *testing.T) {
	out := new(bytes.Buffer)
	sink := resultPrinter(out)
	res := models.RunResult{RunID: "r1", Success: true, Iterations: 4, PlanProgress: models.PlanProgress{Total: 3, Completed: 3}}
	require.NoError(t, sink.Handle(context.Background(), schemas.Incident{Title: "cart 500s"}, res))
	assert.Equal(t, "OK\tr1\tcart 500s\titerations=4\tsteps=3/3\tfixes=0\n", out.String())
}

type fakeWatcher struct {
	startErr error
	started  bool
	waited   bool
}

func (f *fakeWatcher) Start(context.Context) error { f.started = true; return f.startErr }
func (f *fakeWatcher) Wait()                       { f.waited = true }

type fakeEngine struct {
	started, stopped bool
}

func (f *fakeEngine) Start(context.Context, <-chan schemas.Incident) { f.started = true }
func (f *fakeEngine) Stop()                                          { f.stopped = true }

func TestRunWatch(t *testing.T) {
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w, e := &fakeWatcher{}, &fakeEngine{}
	require.NoError(t, runWatch(ctx, logger, w, e, make(chan schemas.Incident)))
	assert.True(t, w.started && w.waited)
	assert.True(t, e.started && e.stopped)

	w, e = &fakeWatcher{startErr: errors.New("no such file")}, &fakeEngine{}
	assert.Error(t, runWatch(context.Background(), logger, w, e, nil))
	assert.False(t, e.started)
}
