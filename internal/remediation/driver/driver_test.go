// internal/remediation/driver/driver_test.go
package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/mocks"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

// scriptedExecutor answers each call through fn and records what it saw.
type scriptedExecutor struct {
	mu       sync.Mutex
	calls    []models.Step
	contexts []string
	fn       func(step models.Step, ws *workspace.Workspace) (models.ActionOutcome, error)
}

func (s *scriptedExecutor) Execute(_ context.Context, step models.Step, contextString string, ws *workspace.Workspace) (models.ActionOutcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	s.contexts = append(s.contexts, contextString)
	s.mu.Unlock()
	return s.fn(step, ws)
}

func (s *scriptedExecutor) callsFor(stepNumber int) int {
	n := 0
	for _, c := range s.calls {
		if c.StepNumber == stepNumber {
			n++
		}
	}
	return n
}

func incident() schemas.Incident {
	return schemas.Incident{
		ID:            "inc-42",
		Title:         "checkout 500s",
		RootCause:     "nil map write in cart handler",
		AffectedFiles: []string{"cart/handler.go"},
	}
}

func threeSteps() []models.StepSpec {
	return []models.StepSpec{
		{Description: "read the cart handler", FilesToRead: []string{"cart/handler.go"}, ExpectedOutput: "handler understood"},
		{Description: "initialize the map", ExpectedOutput: "patched handler"},
		{Description: "add a regression test", ExpectedOutput: "test file"},
	}
}

func plannerFor(specs []models.StepSpec) *mocks.MockPlanner {
	p := new(mocks.MockPlanner)
	p.On("CreatePlan", mock.Anything, "nil map write in cart handler", []string{"cart/handler.go"}, mock.Anything).Return(specs, nil)
	return p
}

func newDriver(t *testing.T, cfg Config, planner *mocks.MockPlanner, exec ActionExecutor, extra ...func(*Dependencies)) *Driver {
	t.Helper()
	deps := Dependencies{Planner: planner, Executor: exec, Logger: zaptest.NewLogger(t)}
	for _, fn := range extra {
		fn(&deps)
	}
	d, err := New(cfg, deps)
	require.NoError(t, err)
	d.newID = func() string { return "run-test" }
	return d
}

func eventsOf(res models.RunResult, eventType models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range res.Events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func succeed(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
	return models.ActionOutcome{Success: true, Result: "done " + step.Description}, nil
}

func TestNewValidates(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{Executor: &scriptedExecutor{}})
	assert.ErrorContains(t, err, "planner")
	_, err = New(DefaultConfig(), Dependencies{Planner: new(mocks.MockPlanner)})
	assert.ErrorContains(t, err, "executor")
	bad := DefaultConfig()
	bad.MaxIterations = 0
	_, err = New(bad, Dependencies{Planner: new(mocks.MockPlanner), Executor: &scriptedExecutor{}})
	assert.Error(t, err)
}

func TestRunHappyPath(t *testing.T) {
	exec := &scriptedExecutor{fn: succeed}
	planner := plannerFor(threeSteps())
	d := newDriver(t, DefaultConfig(), planner, exec)

	res := d.Run(context.Background(), incident())

	assert.True(t, res.Success)
	assert.Equal(t, "run-test", res.RunID)
	assert.Equal(t, "inc-42", res.IncidentID)
	assert.Equal(t, 3, res.Iterations, "exactly one executor call per turn")
	assert.Len(t, exec.calls, 3)
	assert.Equal(t, 3, res.PlanProgress.Completed)
	assert.Len(t, eventsOf(res, models.EventPlanStepCompleted), 3)
	assert.Len(t, eventsOf(res, models.EventPlanStepStarted), 3)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, models.EventUserRequest, res.Events[0].Type)
	assert.Equal(t, models.EventRunCompleted, res.Events[len(res.Events)-1].Type)
	assert.Contains(t, res.WorkspaceSnapshot, "[x] 3. add a regression test")

	t.Run("executor receives an assembled context", func(t *testing.T) {
		assert.Contains(t, exec.contexts[0], "Step 1: read the cart handler")
		assert.Contains(t, exec.contexts[0], "nil map write in cart handler")
		assert.Contains(t, exec.contexts[1], "## Recent Events")
	})
	planner.AssertNotCalled(t, "Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSuccessResetsAndAdvances(t *testing.T) {
	exec := &scriptedExecutor{fn: succeed}
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	d := newDriver(t, cfg, plannerFor(threeSteps()), exec)

	res := d.Run(context.Background(), incident())

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.PlanProgress.Completed)
	assert.Equal(t, 2, res.PlanProgress.CurrentStep, "cursor moved to step 2")
	assert.Equal(t, models.StepCompleted, res.PlanProgress.Steps[0].Status)
	assert.Equal(t, models.StepPending, res.PlanProgress.Steps[1].Status)
}

func TestRetryableErrorExhaustsRetries(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 2 {
			return models.ActionOutcome{Success: false, Error: "Connection timeout"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(threeSteps())
	d := newDriver(t, DefaultConfig(), planner, exec)

	res := d.Run(context.Background(), incident())

	assert.Equal(t, 3, exec.callsFor(2), "two retries, three attempts")
	step2 := res.PlanProgress.Steps[1]
	assert.Equal(t, models.StepFailed, step2.Status)
	assert.Equal(t, 2, step2.RetryCount)
	assert.Len(t, eventsOf(res, models.EventPlanStepRetry), 2)

	failed := eventsOf(res, models.EventPlanStepFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Data["consecutive_failures"])
	assert.Equal(t, string(models.ErrorRetryable), failed[0].Data["error_type"])

	// All steps terminal, so the run reports success even with a failed step.
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PlanProgress.Failed)
	planner.AssertNotCalled(t, "Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNonRetryableErrorRetriedExactlyOnce(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 1 {
			return models.ActionOutcome{Error: "generated patch does not compile"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), exec)

	res := d.Run(context.Background(), incident())

	assert.Equal(t, 2, exec.callsFor(1))
	assert.Equal(t, models.StepFailed, res.PlanProgress.Steps[0].Status)
	assert.Equal(t, 1, res.PlanProgress.Steps[0].RetryCount)
}

func TestCriticalErrorFailsImmediatelyAndReplans(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 1 {
			return models.ActionOutcome{Error: "fatal: repository is corrupt"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(threeSteps())
	planner.On("Replan", mock.Anything, ReasonCriticalError, mock.Anything, mock.Anything).
		Return([]models.StepSpec{{Description: "re-clone and retry the fix"}}, nil).Once()
	d := newDriver(t, DefaultConfig(), planner, exec)

	res := d.Run(context.Background(), incident())

	assert.Equal(t, 1, exec.callsFor(1), "critical errors are never retried")
	assert.Empty(t, eventsOf(res, models.EventPlanStepRetry))
	updated := eventsOf(res, models.EventPlanUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, ReasonCriticalError, updated[0].Data["reason"])
	assert.Equal(t, 1, res.PlanProgress.ReplanCount)
	assert.Equal(t, 2, res.PlanProgress.Total, "failed step kept, pending tail replaced")
	assert.Equal(t, "re-clone and retry the fix", res.PlanProgress.Steps[1].Description)
	assert.True(t, res.Success)
	planner.AssertExpectations(t)
}

func TestRecurringFileNotFoundFailsWithHint(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 1 {
			// The timeout marker keeps it retryable so the retry count can reach 2.
			return models.ActionOutcome{Error: "File not found: /build/cart/handler.go (fetch timeout)"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	cfg := DefaultConfig()
	cfg.MaxRetriesPerStep = 10
	d := newDriver(t, cfg, plannerFor(threeSteps()), exec)

	res := d.Run(context.Background(), incident())

	assert.Equal(t, 3, exec.callsFor(1), "fails on the attempt where retry_count is 2 despite remaining budget")
	step1 := res.PlanProgress.Steps[0]
	assert.Equal(t, models.StepFailed, step1.Status)
	assert.Contains(t, step1.Result, "relative to the repository root")
	failed := eventsOf(res, models.EventPlanStepFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data["error"], "Hint:")
}

func TestConsecutiveFailuresTriggerReplan(t *testing.T) {
	specs := append(threeSteps(), models.StepSpec{Description: "deploy canary"})
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber <= 3 {
			return models.ActionOutcome{Error: "patch rejected by linter"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(specs)
	var captured models.ReplanContext
	planner.On("Replan", mock.Anything, ReasonConsecutiveFailures, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).(models.ReplanContext) }).
		Return([]models.StepSpec{{Description: "rewrite the handler"}}, nil).Once()
	cfg := DefaultConfig()
	cfg.MaxRetriesPerStep = 1
	d := newDriver(t, cfg, planner, exec)

	res := d.Run(context.Background(), incident())

	planner.AssertNumberOfCalls(t, "Replan", 1)
	failed := eventsOf(res, models.EventPlanStepFailed)
	require.Len(t, failed, 3)
	for i, ev := range failed {
		assert.Equal(t, i+1, ev.Data["consecutive_failures"])
	}
	assert.Len(t, captured.FailedSteps, 3)
	assert.Len(t, captured.RecentFailures, 3)
	assert.Equal(t, "nil map write in cart handler", captured.RootCause)

	// The replan happened before step 4 ran.
	var replanSeq, step4Seq int
	for _, ev := range res.Events {
		if ev.Type == models.EventPlanUpdated {
			replanSeq = ev.Seq
		}
		if ev.Type == models.EventPlanStepStarted && ev.Data["step_number"] == 4 && step4Seq == 0 {
			step4Seq = ev.Seq
		}
	}
	require.NotZero(t, replanSeq)
	assert.Less(t, replanSeq, step4Seq)
	assert.Equal(t, "rewrite the handler", res.PlanProgress.Steps[3].Description)
	assert.True(t, res.Success)
}

func TestConsecutiveFailuresResetOnlyOnSuccess(t *testing.T) {
	specs := append(threeSteps(), models.StepSpec{Description: "step four"})
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 2 {
			return models.ActionOutcome{Success: true}, nil
		}
		return models.ActionOutcome{Error: "bad patch"}, nil
	}}
	planner := plannerFor(specs)
	cfg := DefaultConfig()
	cfg.MaxRetriesPerStep = 1
	d := newDriver(t, cfg, planner, exec)

	res := d.Run(context.Background(), incident())

	var counts []interface{}
	for _, ev := range eventsOf(res, models.EventPlanStepFailed) {
		counts = append(counts, ev.Data["consecutive_failures"])
	}
	assert.Equal(t, []interface{}{1, 1, 2}, counts)
	planner.AssertNotCalled(t, "Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScopeChangeTriggersReplan(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 1 {
			return models.ActionOutcome{Error: "the bug is in the pricing service, not the cart", ScopeChange: true}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(threeSteps())
	planner.On("Replan", mock.Anything, ReasonScopeChange, mock.Anything, mock.Anything).
		Return([]models.StepSpec{{Description: "inspect pricing"}}, nil)
	cfg := DefaultConfig()
	cfg.MaxRetriesPerStep = 1
	d := newDriver(t, cfg, planner, exec)

	res := d.Run(context.Background(), incident())

	planner.AssertCalled(t, "Replan", mock.Anything, ReasonScopeChange, mock.Anything, mock.Anything)
	assert.Equal(t, 1, res.PlanProgress.ReplanCount)
}

func TestReplanFailureIsRecordedAndRunContinues(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		if step.StepNumber == 1 {
			return models.ActionOutcome{Error: "impossible to patch generated file"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(threeSteps())
	planner.On("Replan", mock.Anything, ReasonCriticalError, mock.Anything, mock.Anything).Return(nil, errors.New("llm unavailable"))
	d := newDriver(t, DefaultConfig(), planner, exec)

	res := d.Run(context.Background(), incident())

	var replanErrors int
	for _, ev := range eventsOf(res, models.EventError) {
		if ev.Data["stage"] == "replan" {
			replanErrors++
			assert.Contains(t, ev.Data["error"], "llm unavailable")
		}
	}
	assert.Equal(t, 1, replanErrors)
	assert.Equal(t, 0, res.PlanProgress.ReplanCount)
	assert.Equal(t, 2, res.PlanProgress.Completed, "prior plan resumed")
	assert.True(t, res.Success)
}

func TestIterationBudgetAlwaysFailing(t *testing.T) {
	exec := &scriptedExecutor{fn: func(models.Step, *workspace.Workspace) (models.ActionOutcome, error) {
		return models.ActionOutcome{Error: "patch does not apply"}, nil
	}}
	planner := plannerFor(threeSteps())
	planner.On("Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]models.StepSpec{{Description: "try again differently"}}, nil)
	cfg := DefaultConfig()
	cfg.MaxIterations = 5
	d := newDriver(t, cfg, planner, exec)

	res := d.Run(context.Background(), incident())

	assert.Equal(t, 5, res.Iterations)
	assert.Len(t, exec.calls, 5)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Events)
}

func TestExecutorErrorsAndPanicsBecomeObservations(t *testing.T) {
	exec := &scriptedExecutor{fn: func(step models.Step, _ *workspace.Workspace) (models.ActionOutcome, error) {
		switch step.StepNumber {
		case 1:
			return models.ActionOutcome{}, errors.New("tool dispatch failed")
		case 2:
			panic("nil pointer in tool")
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	planner := plannerFor(threeSteps())
	cfg := DefaultConfig()
	cfg.MaxRetriesPerStep = 1
	d := newDriver(t, cfg, planner, exec)

	var res models.RunResult
	require.NotPanics(t, func() { res = d.Run(context.Background(), incident()) })

	obs := eventsOf(res, models.EventObservation)
	require.Len(t, obs, 3)
	assert.Equal(t, false, obs[0].Data["success"])
	assert.Equal(t, "tool dispatch failed", obs[0].Data["error"])
	assert.Contains(t, obs[1].Data["error"], "action executor panicked")
	assert.Equal(t, models.StepFailed, res.PlanProgress.Steps[1].Status)
	assert.Equal(t, models.StepCompleted, res.PlanProgress.Steps[2].Status)
}

func TestPlanningFailureStillReturnsBundle(t *testing.T) {
	planner := new(mocks.MockPlanner)
	planner.On("CreatePlan", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("model quota exceeded"))
	exec := &scriptedExecutor{fn: succeed}
	d := newDriver(t, DefaultConfig(), planner, exec)

	res := d.Run(context.Background(), incident())

	assert.False(t, res.Success)
	assert.Zero(t, res.Iterations)
	assert.Empty(t, exec.calls)
	errs := eventsOf(res, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "planning", errs[0].Data["stage"])
}

func TestKnowledgeRetrieval(t *testing.T) {
	t.Run("hits feed the planner and the context", func(t *testing.T) {
		kb := new(mocks.MockKnowledgeRetriever)
		kb.On("Retrieve", mock.Anything, "nil map write in cart handler", 5).Return([]schemas.KnowledgeItem{
			{Content: "Initialize maps in the constructor.", RelevanceScore: 0.9, Source: "postmortem-17"},
		}, nil)
		planner := new(mocks.MockPlanner)
		planner.On("CreatePlan", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(kc string) bool {
			return strings.Contains(kc, "postmortem-17")
		})).Return(threeSteps(), nil)
		exec := &scriptedExecutor{fn: succeed}
		d := newDriver(t, DefaultConfig(), planner, exec, func(deps *Dependencies) { deps.Knowledge = kb })

		res := d.Run(context.Background(), incident())

		assert.Len(t, eventsOf(res, models.EventKnowledge), 1)
		assert.Contains(t, exec.contexts[0], "Initialize maps in the constructor.")
		planner.AssertExpectations(t)
	})

	t.Run("failures are best-effort", func(t *testing.T) {
		kb := new(mocks.MockKnowledgeRetriever)
		kb.On("Retrieve", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
		d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), &scriptedExecutor{fn: succeed},
			func(deps *Dependencies) { deps.Knowledge = kb })

		res := d.Run(context.Background(), incident())

		assert.True(t, res.Success)
		errs := eventsOf(res, models.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "knowledge", errs[0].Data["stage"])
	})
}

func TestPrefetchAndFixes(t *testing.T) {
	files := new(mocks.MockFileSource)
	files.On("ReadFile", mock.Anything, "cart/handler.go").Return("package cart", nil).Once()
	exec := &scriptedExecutor{fn: func(step models.Step, ws *workspace.Workspace) (models.ActionOutcome, error) {
		content, ok := ws.GetFile("cart/handler.go")
		if !ok {
			return models.ActionOutcome{Error: "File not found: cart/handler.go"}, nil
		}
		if step.StepNumber == 2 {
			ws.WriteFile("cart/handler.go", content+"\n// fixed")
		}
		return models.ActionOutcome{Success: true}, nil
	}}
	d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), exec, func(deps *Dependencies) { deps.Files = files })

	res := d.Run(context.Background(), incident())

	assert.True(t, res.Success)
	require.Len(t, res.Fixes, 1)
	assert.Equal(t, "package cart\n// fixed", res.Fixes[0].Content)
	files.AssertExpectations(t)
}

func TestBroadcastAndCancellation(t *testing.T) {
	t.Run("broadcaster sees every event", func(t *testing.T) {
		rec := mocks.NewRecordingBroadcaster()
		d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), &scriptedExecutor{fn: succeed},
			func(deps *Dependencies) { deps.Broadcaster = rec })

		res := d.Run(context.Background(), incident())
		assert.Equal(t, len(res.Events), len(rec.Events("run-test")))
	})

	t.Run("cancellation stops at the next turn boundary", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		exec := &scriptedExecutor{fn: func(models.Step, *workspace.Workspace) (models.ActionOutcome, error) {
			cancel()
			return models.ActionOutcome{Success: true}, nil
		}}
		d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), exec)

		res := d.Run(ctx, incident())

		assert.Len(t, exec.calls, 1)
		assert.False(t, res.Success)
		errs := eventsOf(res, models.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "cancelled", errs[0].Data["stage"])
	})
}

func TestAtMostOneStepInProgress(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.fn = func(step models.Step, ws *workspace.Workspace) (models.ActionOutcome, error) {
		inProgress := 0
		for _, item := range ws.Todo() {
			if item.Status == models.StepInProgress {
				inProgress++
				assert.Equal(t, step.StepNumber, item.StepNumber, "the executing step is the one in progress")
			}
		}
		assert.Equal(t, 1, inProgress)
		if step.StepNumber == 2 && step.RetryCount == 0 {
			return models.ActionOutcome{Error: "503 from registry"}, nil
		}
		return models.ActionOutcome{Success: true}, nil
	}
	d := newDriver(t, DefaultConfig(), plannerFor(threeSteps()), exec)

	res := d.Run(context.Background(), incident())
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Iterations)
}
