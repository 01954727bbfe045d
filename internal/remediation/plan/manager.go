// internal/remediation/plan/manager.go
package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var (
	ErrNoPlan            = errors.New("no plan has been created")
	ErrPlanExists        = errors.New("plan already created for this run")
	ErrEmptyPlan         = errors.New("planner returned no usable steps")
	ErrUnknownStep       = errors.New("unknown step")
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrStepInProgress    = errors.New("another step is already in progress")
)

// Planner is the planning collaborator. It returns step specs in execution order.
type Planner interface {
	CreatePlan(ctx context.Context, rootCause string, affectedFiles []string, knowledgeContext string) ([]models.StepSpec, error)
	Replan(ctx context.Context, reason string, rc models.ReplanContext, knowledgeContext string) ([]models.StepSpec, error)
}

// TodoMirror receives every plan mutation synchronously.
type TodoMirror interface {
	SetTodo(steps []models.Step)
	UpdateTodoStep(stepNumber int, status models.StepStatus, result string) error
}

// Manager owns the ordered steps of one run and their transitions.
type Manager struct {
	plan   *models.Plan
	mirror TodoMirror
	logger *zap.Logger
}

// NewManager returns a manager with no plan. mirror may be nil.
func NewManager(mirror TodoMirror, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{mirror: mirror, logger: logger.Named("plan")}
}

// CreatePlan asks the planner for steps and numbers them 1..N, all pending.
func (m *Manager) CreatePlan(ctx context.Context, rootCause string, affectedFiles []string, planner Planner, knowledgeContext string) (models.Plan, error) {
	if m.plan != nil {
		return models.Plan{}, ErrPlanExists
	}
	specs, err := callPlanner(func() ([]models.StepSpec, error) {
		return planner.CreatePlan(ctx, rootCause, affectedFiles, knowledgeContext)
	})
	if err != nil {
		return models.Plan{}, fmt.Errorf("planner failed to create plan: %w", err)
	}
	specs = usable(specs)
	if len(specs) == 0 {
		return models.Plan{}, ErrEmptyPlan
	}

	p := &models.Plan{Steps: appendSpecs(nil, specs)}
	m.plan = p
	m.syncMirror()
	m.logger.Info("Plan created.", zap.Int("steps", len(p.Steps)))
	return p.Clone(), nil
}

// HasPlan reports whether CreatePlan has succeeded.
func (m *Manager) HasPlan() bool { return m.plan != nil }

// Plan returns a deep copy of the current plan.
func (m *Manager) Plan() (models.Plan, error) {
	if m.plan == nil {
		return models.Plan{}, ErrNoPlan
	}
	return m.plan.Clone(), nil
}

// GetCurrentStep returns the step under the cursor, or false when past the end.
func (m *Manager) GetCurrentStep() (models.Step, bool) {
	if m.plan == nil || m.plan.CurrentStepIndex >= len(m.plan.Steps) {
		return models.Step{}, false
	}
	return m.plan.Steps[m.plan.CurrentStepIndex].Clone(), true
}

// Step returns a copy of the numbered step.
func (m *Manager) Step(stepNumber int) (models.Step, error) {
	s, err := m.find(stepNumber)
	if err != nil {
		return models.Step{}, err
	}
	return s.Clone(), nil
}

// MarkStepInProgress moves a pending step to in_progress. Calling it again on
// the step already in progress is a no-op, which is how retries re-enter.
func (m *Manager) MarkStepInProgress(stepNumber int) error {
	s, err := m.find(stepNumber)
	if err != nil {
		return err
	}
	switch s.Status {
	case models.StepInProgress:
		return nil
	case models.StepPending:
	default:
		return fmt.Errorf("%w: step %d is %s", ErrInvalidTransition, stepNumber, s.Status)
	}
	for _, other := range m.plan.Steps {
		if other.Status == models.StepInProgress {
			return fmt.Errorf("%w: step %d", ErrStepInProgress, other.StepNumber)
		}
	}
	s.Status = models.StepInProgress
	m.mirrorStep(s)
	return nil
}

// MarkStepCompleted finishes an in-progress step successfully.
func (m *Manager) MarkStepCompleted(stepNumber int, result string) error {
	s, err := m.findInProgress(stepNumber, models.StepCompleted)
	if err != nil {
		return err
	}
	s.Status = models.StepCompleted
	s.Result = result
	m.mirrorStep(s)
	return nil
}

// MarkStepFailed finishes an in-progress step as failed and records the error.
func (m *Manager) MarkStepFailed(stepNumber int, errMsg string) error {
	s, err := m.findInProgress(stepNumber, models.StepFailed)
	if err != nil {
		return err
	}
	s.Status = models.StepFailed
	s.Result = errMsg
	s.Errors = append(s.Errors, errMsg)
	m.mirrorStep(s)
	return nil
}

// RecordRetry notes a failed attempt that will be retried. The step stays in progress.
func (m *Manager) RecordRetry(stepNumber int, errMsg string) (int, error) {
	s, err := m.findInProgress(stepNumber, models.StepInProgress)
	if err != nil {
		return 0, err
	}
	s.RetryCount++
	s.Errors = append(s.Errors, errMsg)
	return s.RetryCount, nil
}

// AdvanceToNextStep moves the cursor forward to the first non-terminal step
// and returns the new index. It never moves backwards.
func (m *Manager) AdvanceToNextStep() int {
	if m.plan == nil {
		return 0
	}
	i := m.plan.CurrentStepIndex
	for i < len(m.plan.Steps) && m.plan.Steps[i].Status.IsTerminal() {
		i++
	}
	m.plan.CurrentStepIndex = i
	return i
}

// IsComplete is true once every step is terminal or the cursor is past the end.
func (m *Manager) IsComplete() bool {
	if m.plan == nil {
		return false
	}
	if m.plan.CurrentStepIndex >= len(m.plan.Steps) {
		return true
	}
	for _, s := range m.plan.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Replan keeps every terminal step, replaces the rest with the planner's new
// steps and moves the cursor to the first pending step. On any failure the
// existing plan is left exactly as it was.
func (m *Manager) Replan(ctx context.Context, reason string, rc models.ReplanContext, planner Planner, knowledgeContext string) (models.Plan, error) {
	if m.plan == nil {
		return models.Plan{}, ErrNoPlan
	}
	specs, err := callPlanner(func() ([]models.StepSpec, error) {
		return planner.Replan(ctx, reason, rc, knowledgeContext)
	})
	if err != nil {
		return models.Plan{}, fmt.Errorf("planner failed to replan (%s): %w", reason, err)
	}
	specs = usable(specs)
	if len(specs) == 0 {
		return models.Plan{}, ErrEmptyPlan
	}

	kept := make([]models.Step, 0, len(m.plan.Steps))
	for _, s := range m.plan.Steps {
		if s.Status.IsTerminal() {
			s = s.Clone()
			s.StepNumber = len(kept) + 1
			kept = append(kept, s)
		}
	}
	next := &models.Plan{
		Steps:       appendSpecs(kept, specs),
		ReplanCount: m.plan.ReplanCount + 1,
	}
	for next.CurrentStepIndex < len(next.Steps) && next.Steps[next.CurrentStepIndex].Status != models.StepPending {
		next.CurrentStepIndex++
	}

	m.plan = next
	m.syncMirror()
	m.logger.Info("Plan regenerated.",
		zap.String("reason", reason),
		zap.Int("kept_steps", len(kept)),
		zap.Int("new_steps", len(specs)),
		zap.Int("replan_count", next.ReplanCount))
	return next.Clone(), nil
}

// Progress summarizes the plan.
func (m *Manager) Progress() models.PlanProgress {
	if m.plan == nil {
		return models.PlanProgress{}
	}
	p := models.PlanProgress{
		Total:       len(m.plan.Steps),
		ReplanCount: m.plan.ReplanCount,
		Steps:       m.plan.Clone().Steps,
	}
	for _, s := range m.plan.Steps {
		switch s.Status {
		case models.StepCompleted:
			p.Completed++
		case models.StepFailed:
			p.Failed++
		case models.StepInProgress:
			p.InProgress++
		default:
			p.Pending++
		}
	}
	if m.plan.CurrentStepIndex < len(m.plan.Steps) {
		p.CurrentStep = m.plan.Steps[m.plan.CurrentStepIndex].StepNumber
	}
	return p
}

func (m *Manager) find(stepNumber int) (*models.Step, error) {
	if m.plan == nil {
		return nil, ErrNoPlan
	}
	if stepNumber < 1 || stepNumber > len(m.plan.Steps) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, stepNumber)
	}
	// Step numbers are contiguous from 1.
	return &m.plan.Steps[stepNumber-1], nil
}

func (m *Manager) findInProgress(stepNumber int, target models.StepStatus) (*models.Step, error) {
	s, err := m.find(stepNumber)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StepInProgress {
		return nil, fmt.Errorf("%w: step %d cannot go from %s to %s", ErrInvalidTransition, stepNumber, s.Status, target)
	}
	return s, nil
}

func (m *Manager) mirrorStep(s *models.Step) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.UpdateTodoStep(s.StepNumber, s.Status, s.Result); err != nil {
		// Mirror is out of step; rebuild it from the plan.
		m.logger.Warn("Todo mirror rejected update; resyncing.", zap.Int("step", s.StepNumber), zap.Error(err))
		m.syncMirror()
	}
}

func (m *Manager) syncMirror() {
	if m.mirror != nil {
		m.mirror.SetTodo(m.plan.Clone().Steps)
	}
}

func callPlanner(fn func() ([]models.StepSpec, error)) (specs []models.StepSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			specs, err = nil, fmt.Errorf("planner panicked: %v", r)
		}
	}()
	return fn()
}

func usable(specs []models.StepSpec) []models.StepSpec {
	out := make([]models.StepSpec, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s.Description) != "" {
			out = append(out, s)
		}
	}
	return out
}

func appendSpecs(steps []models.Step, specs []models.StepSpec) []models.Step {
	for _, spec := range specs {
		steps = append(steps, models.Step{
			StepNumber:     len(steps) + 1,
			Description:    strings.TrimSpace(spec.Description),
			FilesToRead:    append([]string(nil), spec.FilesToRead...),
			ExpectedOutput: spec.ExpectedOutput,
			Status:         models.StepPending,
		})
	}
	return steps
}
