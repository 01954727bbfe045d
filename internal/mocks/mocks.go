// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}
func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}
func (m *MockConfig) Agent() config.AgentConfig {
	return m.Called().Get(0).(config.AgentConfig)
}
func (m *MockConfig) Engine() config.EngineConfig {
	return m.Called().Get(0).(config.EngineConfig)
}
func (m *MockConfig) Sandbox() config.SandboxConfig {
	return m.Called().Get(0).(config.SandboxConfig)
}
func (m *MockConfig) Repository() config.RepositoryConfig {
	return m.Called().Get(0).(config.RepositoryConfig)
}
func (m *MockConfig) GitHub() config.GitHubConfig {
	return m.Called().Get(0).(config.GitHubConfig)
}
func (m *MockConfig) Git() config.GitConfig {
	return m.Called().Get(0).(config.GitConfig)
}
func (m *MockConfig) Knowledge() config.KnowledgeConfig {
	return m.Called().Get(0).(config.KnowledgeConfig)
}
func (m *MockConfig) Autofix() config.AutofixConfig {
	return m.Called().Get(0).(config.AutofixConfig)
}
func (m *MockConfig) SetEngineConcurrency(n int)   { m.Called(n) }
func (m *MockConfig) SetEngineMaxIterations(n int) { m.Called(n) }
func (m *MockConfig) SetSandboxEnabled(b bool)     { m.Called(b) }

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Remediation Collaborator Mocks --

// MockPlanner mocks plan.Planner.
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) CreatePlan(ctx context.Context, rootCause string, affectedFiles []string, knowledgeContext string) ([]models.StepSpec, error) {
	args := m.Called(ctx, rootCause, affectedFiles, knowledgeContext)
	specs, _ := args.Get(0).([]models.StepSpec)
	return specs, args.Error(1)
}

func (m *MockPlanner) Replan(ctx context.Context, reason string, rc models.ReplanContext, knowledgeContext string) ([]models.StepSpec, error) {
	args := m.Called(ctx, reason, rc, knowledgeContext)
	specs, _ := args.Get(0).([]models.StepSpec)
	return specs, args.Error(1)
}

// MockActionExecutor mocks driver.ActionExecutor.
type MockActionExecutor struct {
	mock.Mock
}

func (m *MockActionExecutor) Execute(ctx context.Context, step models.Step, contextString string, ws *workspace.Workspace) (models.ActionOutcome, error) {
	args := m.Called(ctx, step, contextString, ws)
	outcome, _ := args.Get(0).(models.ActionOutcome)
	return outcome, args.Error(1)
}

// MockKnowledgeRetriever mocks schemas.KnowledgeRetriever.
type MockKnowledgeRetriever struct {
	mock.Mock
}

func (m *MockKnowledgeRetriever) Retrieve(ctx context.Context, query string, k int) ([]schemas.KnowledgeItem, error) {
	args := m.Called(ctx, query, k)
	items, _ := args.Get(0).([]schemas.KnowledgeItem)
	return items, args.Error(1)
}

// MockFileSource mocks workspace.FileSource.
type MockFileSource struct {
	mock.Mock
}

func (m *MockFileSource) ReadFile(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

// -- Broadcast Mock --

// RecordingBroadcaster collects broadcast events. It is safe for concurrent use.
type RecordingBroadcaster struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

func NewRecordingBroadcaster() *RecordingBroadcaster {
	return &RecordingBroadcaster{events: make(map[string][]models.Event)}
}

func (r *RecordingBroadcaster) Broadcast(runID string, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[runID] = append(r.events[runID], ev)
}

// Events returns what was broadcast for runID.
func (r *RecordingBroadcaster) Events(runID string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events[runID]...)
}
