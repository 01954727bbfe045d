// internal/remediation/models/models.go
package models

import (
	"time"
)

// EventType is the closed set of event kinds a run records.
type EventType string

const (
	EventUserRequest       EventType = "user-request"
	EventPlanCreated       EventType = "plan-created"
	EventPlanUpdated       EventType = "plan-updated"
	EventPlanStepStarted   EventType = "plan-step-started"
	EventPlanStepCompleted EventType = "plan-step-completed"
	EventPlanStepFailed    EventType = "plan-step-failed"
	EventPlanStepRetry     EventType = "plan-step-retry"
	EventObservation       EventType = "observation"
	EventKnowledge         EventType = "knowledge-retrieved"
	EventError             EventType = "error"
	EventCompression       EventType = "compression"
	EventRunCompleted      EventType = "run-completed"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventUserRequest, EventPlanCreated, EventPlanUpdated, EventPlanStepStarted,
		EventPlanStepCompleted, EventPlanStepFailed, EventPlanStepRetry, EventObservation,
		EventKnowledge, EventError, EventCompression, EventRunCompleted:
		return true
	}
	return false
}

// Event is one immutable entry of a run's event log.
type Event struct {
	Seq       int                    `json:"seq"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Agent     string                 `json:"agent,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// IsTerminal is true for completed and failed.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// StepSpec is what a planner produces for one step, before numbering.
type StepSpec struct {
	Description    string   `json:"description"`
	FilesToRead    []string `json:"files_to_read"`
	ExpectedOutput string   `json:"expected_output"`
}

// Step is one unit of planned work.
type Step struct {
	StepNumber     int        `json:"step_number"`
	Description    string     `json:"description"`
	FilesToRead    []string   `json:"files_to_read"`
	ExpectedOutput string     `json:"expected_output"`
	Status         StepStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	Errors         []string   `json:"errors,omitempty"`
	Result         string     `json:"result,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.FilesToRead = append([]string(nil), s.FilesToRead...)
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

// Plan is the ordered list of steps plus its replan counter and cursor.
type Plan struct {
	Steps            []Step `json:"steps"`
	ReplanCount      int    `json:"replan_count"`
	CurrentStepIndex int    `json:"current_step_index"`
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// ErrorType classifies an executor failure for the retry policy.
type ErrorType string

const (
	ErrorRetryable    ErrorType = "retryable"
	ErrorCritical     ErrorType = "critical"
	ErrorNonRetryable ErrorType = "non_retryable"
)

// ActionOutcome is what the action executor reports for one invocation.
// ErrorType here is the executor's own label (for example "timeout" from the
// sandbox); the driver classifies Error independently.
type ActionOutcome struct {
	Success      bool     `json:"success"`
	Result       string   `json:"result,omitempty"`
	Error        string   `json:"error,omitempty"`
	ErrorType    string   `json:"error_type,omitempty"`
	ErrorHints   []string `json:"error_hints,omitempty"`
	CodeExecuted bool     `json:"code_executed,omitempty"`
	ScopeChange  bool     `json:"scope_change,omitempty"`
	Discoveries  []string `json:"discoveries,omitempty"`
}

// ReplanContext is what the driver hands the planner when it asks for a new tail.
type ReplanContext struct {
	RootCause         string   `json:"root_cause"`
	AffectedFiles     []string `json:"affected_files"`
	CompletedSteps    []Step   `json:"completed_steps"`
	FailedSteps       []Step   `json:"failed_steps"`
	RecentFailures    []string `json:"recent_failures"`
	RecentDiscoveries []string `json:"recent_discoveries"`
	WorkspaceSummary  string   `json:"workspace_summary"`
}

// PlanProgress summarizes a plan for callers and persistence.
type PlanProgress struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Pending     int    `json:"pending"`
	InProgress  int    `json:"in_progress"`
	CurrentStep int    `json:"current_step"`
	ReplanCount int    `json:"replan_count"`
	Steps       []Step `json:"steps"`
}

// FileChange is a modified file produced during a run.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WorkspaceState is the structured workspace snapshot.
type WorkspaceState struct {
	Files map[string]int `json:"files"`
	Todo  []TodoItem     `json:"todo"`
	Notes []string       `json:"notes"`
}

// TodoItem mirrors one plan step inside the workspace.
type TodoItem struct {
	StepNumber  int        `json:"step_number"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// RunResult is the bundle a run always returns.
type RunResult struct {
	RunID             string         `json:"run_id"`
	IncidentID        string         `json:"incident_id"`
	Success           bool           `json:"success"`
	Iterations        int            `json:"iterations"`
	PlanProgress      PlanProgress   `json:"plan_progress"`
	WorkspaceSnapshot string         `json:"workspace_snapshot"`
	WorkspaceState    WorkspaceState `json:"workspace_state"`
	Fixes             []FileChange   `json:"fixes"`
	Events            []Event        `json:"events"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
}
