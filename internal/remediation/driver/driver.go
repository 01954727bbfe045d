// internal/remediation/driver/driver.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/observability"
	"github.com/sourabhkumawat/healops/internal/remediation/contextasm"
	"github.com/sourabhkumawat/healops/internal/remediation/eventlog"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/plan"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

const (
	agentDriver   = "driver"
	agentPlanner  = "planner"
	agentExecutor = "executor"

	recentWindow     = 5
	incidentPriority = 10
)

// ActionExecutor performs the work of one step. A returned error is treated
// exactly like a failed outcome carrying that error's message.
type ActionExecutor interface {
	Execute(ctx context.Context, step models.Step, contextString string, ws *workspace.Workspace) (models.ActionOutcome, error)
}

// Config bounds a run.
type Config struct {
	MaxIterations          int
	MaxRetriesPerStep      int
	MaxConsecutiveFailures int
	MaxContextTokens       int
	EventWindow            int
	KnowledgeResults       int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:          50,
		MaxRetriesPerStep:      3,
		MaxConsecutiveFailures: 3,
		MaxContextTokens:       contextasm.DefaultMaxTokens,
		EventWindow:            20,
		KnowledgeResults:       5,
	}
}

// ConfigFromEngine adapts the engine section of the application config.
func ConfigFromEngine(e config.EngineConfig) Config {
	return Config{
		MaxIterations:          e.MaxIterations,
		MaxRetriesPerStep:      e.MaxRetriesPerStep,
		MaxConsecutiveFailures: e.MaxConsecutiveFailures,
		MaxContextTokens:       e.MaxContextTokens,
		EventWindow:            e.EventWindow,
		KnowledgeResults:       e.KnowledgeResults,
	}
}

// Dependencies are the collaborators a Driver is constructed with.
// Knowledge, Files and Broadcaster are optional.
type Dependencies struct {
	Planner     plan.Planner
	Executor    ActionExecutor
	Knowledge   schemas.KnowledgeRetriever
	Files       workspace.FileSource
	Broadcaster eventlog.Broadcaster
	Logger      *zap.Logger
}

// Driver runs the single-action-per-turn remediation loop for an incident.
type Driver struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	newID  func() string
}

// New validates the collaborators and bounds.
func New(cfg Config, deps Dependencies) (*Driver, error) {
	if deps.Planner == nil {
		return nil, errors.New("driver requires a planner")
	}
	if deps.Executor == nil {
		return nil, errors.New("driver requires an action executor")
	}
	if cfg.MaxIterations <= 0 || cfg.MaxRetriesPerStep <= 0 || cfg.MaxConsecutiveFailures <= 0 {
		return nil, fmt.Errorf("driver bounds must be positive: %+v", cfg)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("driver"),
		newID:  uuid.NewString,
	}, nil
}

// run is the state exclusively owned by one invocation of Run.
type run struct {
	id        string
	incident  schemas.Incident
	log       *eventlog.Log
	ws        *workspace.Workspace
	plan      *plan.Manager
	asm       *contextasm.Assembler
	knowledge string
	logger    *zap.Logger

	iterations          int
	consecutiveFailures int
	startedAt           time.Time
}

// Run drives the incident to completion or until the iteration budget is
// spent. It always returns a result bundle and never panics past this call.
func (d *Driver) Run(ctx context.Context, incident schemas.Incident) models.RunResult {
	r := d.newRun(incident)
	r.logger.Info("Remediation run started.", zap.Int("max_iterations", d.cfg.MaxIterations))

	r.log.AppendAs("user", models.EventUserRequest, map[string]interface{}{
		"incident_id":    incident.ID,
		"title":          incident.Title,
		"root_cause":     incident.RootCause,
		"affected_files": append([]string(nil), incident.AffectedFiles...),
	})

	d.retrieveKnowledge(ctx, r)
	d.prefetch(ctx, r)
	if d.createPlan(ctx, r) {
		d.loop(ctx, r)
	}
	return d.finish(r)
}

func (d *Driver) newRun(incident schemas.Incident) *run {
	id := d.newID()
	ws := workspace.New()
	var opts []eventlog.Option
	if d.deps.Broadcaster != nil {
		opts = append(opts, eventlog.WithBroadcaster(d.deps.Broadcaster))
	}
	logger := observability.ForRun(d.logger, id, incident.ID)
	r := &run{
		id:        id,
		incident:  incident,
		log:       eventlog.New(id, logger, opts...),
		ws:        ws,
		plan:      plan.NewManager(ws, logger),
		asm:       contextasm.New(d.cfg.MaxContextTokens),
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	if incident.RootCause != "" {
		r.asm.Add("Incident root cause:\n"+incident.RootCause, incidentPriority, "incident")
	}
	return r
}

// retrieveKnowledge is best-effort: a failing retriever is recorded and ignored.
func (d *Driver) retrieveKnowledge(ctx context.Context, r *run) {
	if d.deps.Knowledge == nil || d.cfg.KnowledgeResults <= 0 || r.incident.RootCause == "" {
		return
	}
	items, err := d.deps.Knowledge.Retrieve(ctx, r.incident.RootCause, d.cfg.KnowledgeResults)
	if err != nil {
		r.logger.Warn("Knowledge retrieval failed; continuing without it.", zap.Error(err))
		r.log.AppendAs(agentDriver, models.EventError, map[string]interface{}{
			"stage": "knowledge",
			"error": err.Error(),
		})
		return
	}
	if len(items) == 0 {
		return
	}
	r.asm.AddKnowledge(items)
	r.knowledge = formatKnowledge(items)

	sources := make([]string, 0, len(items))
	for _, it := range items {
		sources = append(sources, it.Source)
	}
	r.log.AppendAs(agentDriver, models.EventKnowledge, map[string]interface{}{
		"count":   len(items),
		"sources": sources,
	})
}

// prefetch warms the workspace with the incident's affected files. Misses are
// left for the executor to report.
func (d *Driver) prefetch(ctx context.Context, r *run) {
	if d.deps.Files == nil {
		return
	}
	for _, p := range r.incident.AffectedFiles {
		if _, err := r.ws.ReadThrough(ctx, p, d.deps.Files); err != nil {
			r.logger.Debug("Could not prefetch affected file.", zap.String("path", p), zap.Error(err))
		}
	}
}

func (d *Driver) createPlan(ctx context.Context, r *run) bool {
	p, err := r.plan.CreatePlan(ctx, r.incident.RootCause, r.incident.AffectedFiles, d.deps.Planner, r.knowledge)
	if err != nil {
		r.logger.Error("Planning failed; run cannot start.", zap.Error(err))
		r.log.AppendAs(agentPlanner, models.EventError, map[string]interface{}{
			"stage": "planning",
			"error": err.Error(),
		})
		return false
	}
	r.log.AppendAs(agentPlanner, models.EventPlanCreated, map[string]interface{}{
		"steps":        len(p.Steps),
		"descriptions": stepDescriptions(p.Steps),
	})
	return true
}

func (d *Driver) loop(ctx context.Context, r *run) {
	for r.iterations < d.cfg.MaxIterations && !r.plan.IsComplete() {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("Run cancelled at turn boundary.", zap.Error(err))
			r.log.AppendAs(agentDriver, models.EventError, map[string]interface{}{
				"stage": "cancelled",
				"error": err.Error(),
			})
			return
		}
		step, ok := r.plan.GetCurrentStep()
		if !ok {
			return
		}
		r.iterations++
		d.turn(ctx, r, step)
	}
	if !r.plan.IsComplete() {
		r.logger.Warn("Iteration budget exhausted before the plan completed.", zap.Int("iterations", r.iterations))
	}
}

// turn is one SELECT_STEP -> BUILD_CONTEXT -> EXECUTE_ACTION -> OBSERVE -> UPDATE_STATE pass.
func (d *Driver) turn(ctx context.Context, r *run, step models.Step) {
	if step.Status == models.StepPending {
		if err := r.plan.MarkStepInProgress(step.StepNumber); err != nil {
			r.logger.Error("Could not start step.", zap.Int("step", step.StepNumber), zap.Error(err))
		}
		r.log.AppendAs(agentDriver, models.EventPlanStepStarted, map[string]interface{}{
			"step_number": step.StepNumber,
			"description": step.Description,
		})
		step.Status = models.StepInProgress
	}

	contextString := r.asm.Build(r.log.WindowedText(d.cfg.EventWindow), &step, r.ws.Snapshot())
	r.logger.Debug("Executing step.",
		zap.Int("iteration", r.iterations),
		zap.Int("step", step.StepNumber),
		zap.Int("attempt", step.RetryCount+1),
		zap.Int("context_tokens", contextasm.EstimateTokens(contextString)))

	outcome := d.execute(ctx, step, contextString, r.ws)
	errType := models.ErrorType("")
	if !outcome.Success {
		if strings.TrimSpace(outcome.Error) == "" {
			outcome.Error = "action failed without an error message"
		}
		errType = Classify(outcome.Error)
	}
	d.recordObservation(r, step, outcome, errType)

	if outcome.Success {
		d.onSuccess(r, step, outcome)
		return
	}
	d.onFailure(ctx, r, step, outcome, errType)
}

// execute invokes the executor exactly once and folds errors and panics into the outcome.
func (d *Driver) execute(ctx context.Context, step models.Step, contextString string, ws *workspace.Workspace) (outcome models.ActionOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Action executor panicked.", zap.Int("step", step.StepNumber), zap.Any("panic", rec))
			outcome = models.ActionOutcome{Success: false, Error: fmt.Sprintf("action executor panicked: %v", rec)}
		}
	}()
	out, err := d.deps.Executor.Execute(ctx, step, contextString, ws)
	if err != nil {
		return models.ActionOutcome{Success: false, Error: err.Error(), ErrorType: out.ErrorType}
	}
	return out
}

func (d *Driver) recordObservation(r *run, step models.Step, o models.ActionOutcome, errType models.ErrorType) {
	data := map[string]interface{}{
		"step_number": step.StepNumber,
		"attempt":     step.RetryCount + 1,
		"success":     o.Success,
	}
	if o.Result != "" {
		data["result"] = o.Result
	}
	if !o.Success {
		data["error"] = o.Error
		data["error_type"] = string(errType)
		if o.ErrorType != "" {
			data["executor_error_type"] = o.ErrorType
		}
		if len(o.ErrorHints) > 0 {
			data["error_hints"] = append([]string(nil), o.ErrorHints...)
		}
	}
	if o.CodeExecuted {
		data["code_executed"] = true
	}
	if o.ScopeChange {
		data["scope_change"] = true
	}
	if len(o.Discoveries) > 0 {
		data["discoveries"] = append([]string(nil), o.Discoveries...)
	}
	r.log.AppendAs(agentExecutor, models.EventObservation, data)
}

func (d *Driver) onSuccess(r *run, step models.Step, o models.ActionOutcome) {
	if err := r.plan.MarkStepCompleted(step.StepNumber, o.Result); err != nil {
		r.logger.Error("Could not complete step.", zap.Int("step", step.StepNumber), zap.Error(err))
	}
	r.consecutiveFailures = 0
	r.plan.AdvanceToNextStep()
	for _, note := range o.Discoveries {
		r.ws.AddNote(fmt.Sprintf("step %d: %s", step.StepNumber, note))
	}
	r.log.AppendAs(agentDriver, models.EventPlanStepCompleted, map[string]interface{}{
		"step_number": step.StepNumber,
		"description": step.Description,
		"result":      o.Result,
	})
	r.logger.Info("Step completed.", zap.Int("step", step.StepNumber), zap.Int("attempts", step.RetryCount+1))
}

func (d *Driver) onFailure(ctx context.Context, r *run, step models.Step, o models.ActionOutcome, errType models.ErrorType) {
	message := o.Error
	switch {
	case isRecurringFileNotFound(o.Error, step.RetryCount):
		message = o.Error + "\n" + fileNotFoundHint
		r.logger.Info("Recurring missing file; failing step without further retries.", zap.Int("step", step.StepNumber))
	case shouldRetry(errType, step.RetryCount, d.cfg.MaxRetriesPerStep):
		retries, err := r.plan.RecordRetry(step.StepNumber, o.Error)
		if err != nil {
			r.logger.Error("Could not record retry.", zap.Int("step", step.StepNumber), zap.Error(err))
		}
		r.log.AppendAs(agentDriver, models.EventPlanStepRetry, map[string]interface{}{
			"step_number": step.StepNumber,
			"retry_count": retries,
			"error":       o.Error,
			"error_type":  string(errType),
		})
		r.logger.Info("Retrying step.", zap.Int("step", step.StepNumber), zap.Int("retry", retries), zap.String("error_type", string(errType)))
		return
	}

	r.consecutiveFailures++
	if err := r.plan.MarkStepFailed(step.StepNumber, message); err != nil {
		r.logger.Error("Could not fail step.", zap.Int("step", step.StepNumber), zap.Error(err))
	}
	r.plan.AdvanceToNextStep()
	r.log.AppendAs(agentDriver, models.EventPlanStepFailed, map[string]interface{}{
		"step_number":          step.StepNumber,
		"description":          step.Description,
		"error":                message,
		"error_type":           string(errType),
		"retry_count":          step.RetryCount,
		"consecutive_failures": r.consecutiveFailures,
	})
	r.logger.Warn("Step failed.",
		zap.Int("step", step.StepNumber),
		zap.String("error_type", string(errType)),
		zap.Int("consecutive_failures", r.consecutiveFailures))

	if reason := replanReason(r.consecutiveFailures, d.cfg.MaxConsecutiveFailures, errType, o.ScopeChange); reason != "" {
		d.replan(ctx, r, reason)
	}
}

// replan asks for a new tail. Failure is recorded and the prior plan is kept.
func (d *Driver) replan(ctx context.Context, r *run, reason string) {
	rc := d.replanContext(r)
	p, err := r.plan.Replan(ctx, reason, rc, d.deps.Planner, r.knowledge)
	if err != nil {
		r.logger.Error("Replan failed; continuing with the existing plan.", zap.String("reason", reason), zap.Error(err))
		r.log.AppendAs(agentPlanner, models.EventError, map[string]interface{}{
			"stage":  "replan",
			"reason": reason,
			"error":  err.Error(),
		})
		return
	}
	r.log.AppendAs(agentPlanner, models.EventPlanUpdated, map[string]interface{}{
		"reason":       reason,
		"replan_count": p.ReplanCount,
		"steps":        len(p.Steps),
		"descriptions": stepDescriptions(p.Steps),
	})
}

func (d *Driver) replanContext(r *run) models.ReplanContext {
	rc := models.ReplanContext{
		RootCause:         r.incident.RootCause,
		AffectedFiles:     append([]string(nil), r.incident.AffectedFiles...),
		RecentFailures:    r.log.RecentFailures(recentWindow),
		RecentDiscoveries: r.log.RecentDiscoveries(recentWindow),
		WorkspaceSummary:  r.ws.Snapshot(),
	}
	p, err := r.plan.Plan()
	if err != nil {
		return rc
	}
	for _, s := range p.Steps {
		switch s.Status {
		case models.StepCompleted:
			rc.CompletedSteps = append(rc.CompletedSteps, s)
		case models.StepFailed:
			rc.FailedSteps = append(rc.FailedSteps, s)
		}
	}
	if n := len(rc.FailedSteps); n > recentWindow {
		rc.FailedSteps = rc.FailedSteps[n-recentWindow:]
	}
	return rc
}

func (d *Driver) finish(r *run) models.RunResult {
	success := r.plan.IsComplete()
	progress := r.plan.Progress()
	r.log.AppendAs(agentDriver, models.EventRunCompleted, map[string]interface{}{
		"success":    success,
		"iterations": r.iterations,
		"completed":  progress.Completed,
		"failed":     progress.Failed,
	})
	r.logger.Info("Remediation run finished.",
		zap.Bool("success", success),
		zap.Int("iterations", r.iterations),
		zap.Int("completed", progress.Completed),
		zap.Int("failed", progress.Failed))

	return models.RunResult{
		RunID:             r.id,
		IncidentID:        r.incident.ID,
		Success:           success,
		Iterations:        r.iterations,
		PlanProgress:      progress,
		WorkspaceSnapshot: r.ws.Snapshot(),
		WorkspaceState:    r.ws.GetWorkspaceState(),
		Fixes:             r.ws.ModifiedFiles(),
		Events:            r.log.All(),
		StartedAt:         r.startedAt,
		FinishedAt:        time.Now().UTC(),
	}
}

func stepDescriptions(steps []models.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = fmt.Sprintf("%d. %s", s.StepNumber, s.Description)
	}
	return out
}

func formatKnowledge(items []schemas.KnowledgeItem) string {
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "[%d] %s (relevance %.2f)\n%s\n", i+1, it.Source, it.RelevanceScore, it.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
