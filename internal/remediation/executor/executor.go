// internal/remediation/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/llmutil"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
	"github.com/sourabhkumawat/healops/internal/remediation/workspace"
	"github.com/sourabhkumawat/healops/internal/repository"
	"github.com/sourabhkumawat/healops/internal/sandbox"
)

const (
	executorTemperature = 0.1
	maxFileRunes        = 20000
	maxOutputRunes      = 2000
)

const systemPrompt = `You are the execution component of an automated incident remediation agent.
You receive the context of ONE plan step and the files it needs. Perform only that step.
Respond with a single JSON object:
{"success":true,"summary":"what you did","changes":[{"path":"repo/relative/path","content":"FULL new file content"}],
 "validation":{"language":"python|sh|node","code":"optional snippet that exits non-zero on failure"},
 "scope_change":false,"notes":["facts worth remembering"],"discoveries":["facts that change the understanding of the incident"],
 "error":"set with success=false when the step cannot be done"}
Set scope_change to true only when the incident is not where the plan assumes it is.`

// CodeRunner executes validation snippets.
type CodeRunner interface {
	Supports(language string) bool
	Run(ctx context.Context, language, code string) (sandbox.Result, error)
}

type fileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type validation struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type reply struct {
	Success     *bool        `json:"success"`
	Summary     string       `json:"summary"`
	Changes     []fileChange `json:"changes"`
	Validation  *validation  `json:"validation"`
	ScopeChange bool         `json:"scope_change"`
	Notes       []string     `json:"notes"`
	Discoveries []string     `json:"discoveries"`
	Error       string       `json:"error"`
}

// LLMExecutor performs one plan step by asking the model for file changes.
type LLMExecutor struct {
	client schemas.LLMClient
	files  workspace.FileSource
	runner CodeRunner
	logger *zap.Logger
}

// Option configures an LLMExecutor.
type Option func(*LLMExecutor)

// WithCodeRunner enables validation snippets.
func WithCodeRunner(r CodeRunner) Option {
	return func(e *LLMExecutor) { e.runner = r }
}

// New creates an executor. files may be nil when all content is prefetched.
func New(client schemas.LLMClient, files workspace.FileSource, logger *zap.Logger, opts ...Option) (*LLMExecutor, error) {
	if client == nil {
		return nil, errors.New("executor requires an LLM client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &LLMExecutor{client: client, files: files, logger: logger.Named("executor")}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute performs step. Failures the model or sandbox report come back as an
// unsuccessful outcome; a returned error means the model could not be reached.
func (e *LLMExecutor) Execute(ctx context.Context, step models.Step, contextString string, ws *workspace.Workspace) (models.ActionOutcome, error) {
	files := make(map[string]string, len(step.FilesToRead))
	order := make([]string, 0, len(step.FilesToRead))
	for _, p := range step.FilesToRead {
		key := workspace.NormalizePath(p)
		if key == "" {
			continue
		}
		content, err := ws.ReadThrough(ctx, key, e.files)
		if err != nil {
			e.logger.Debug("Step file unavailable.", zap.String("path", key), zap.Error(err))
			if errors.Is(err, repository.ErrFileNotFound) {
				return models.ActionOutcome{
					Error:      fmt.Sprintf("File not found: %s", p),
					ErrorHints: []string{"Use paths relative to the repository root."},
				}, nil
			}
			return models.ActionOutcome{Error: fmt.Sprintf("failed to read %s: %v", p, err)}, nil
		}
		if _, seen := files[key]; !seen {
			order = append(order, key)
		}
		files[key] = content
	}

	raw, err := e.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(contextString, order, files),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: executorTemperature, ForceJSONFormat: true},
	})
	if err != nil {
		return models.ActionOutcome{}, fmt.Errorf("executor generation failed: %w", err)
	}

	r, err := llmutil.ParseJSONResponse[reply](raw)
	if err != nil {
		return models.ActionOutcome{
			Error:      fmt.Sprintf("invalid executor reply: %v", err),
			ErrorHints: []string{"Respond with a single JSON object."},
		}, nil
	}
	return e.apply(ctx, step, r, ws), nil
}

func (e *LLMExecutor) apply(ctx context.Context, step models.Step, r *reply, ws *workspace.Workspace) models.ActionOutcome {
	out := models.ActionOutcome{
		Result:      r.Summary,
		ScopeChange: r.ScopeChange,
		Discoveries: r.Discoveries,
	}
	if r.Success != nil && !*r.Success {
		out.Error = r.Error
		if out.Error == "" {
			out.Error = "executor reported the step could not be completed"
		}
		return out
	}

	for _, c := range r.Changes {
		if p := workspace.NormalizePath(c.Path); p == "" || p == ".." || strings.HasPrefix(p, "../") {
			out.Error = fmt.Sprintf("invalid change path %q", c.Path)
			out.ErrorHints = []string{"Change paths must stay inside the repository."}
			return out
		}
	}

	if v := r.Validation; v != nil && strings.TrimSpace(v.Code) != "" && e.runner != nil {
		if !e.runner.Supports(v.Language) {
			e.logger.Info("Skipping validation in unsupported language.", zap.String("language", v.Language))
		} else {
			res, err := e.runner.Run(ctx, v.Language, llmutil.CleanCodeOutput(v.Code))
			out.CodeExecuted = true
			if err != nil {
				out.Error = err.Error()
				var execErr *sandbox.ExecError
				if errors.As(err, &execErr) {
					out.ErrorType = execErr.Type
				}
				return out
			}
			if stdout := strings.TrimSpace(res.Stdout); stdout != "" {
				out.Result = strings.TrimSpace(out.Result + "\nValidation output:\n" + llmutil.Truncate(stdout, maxOutputRunes))
			}
		}
	}

	for _, c := range r.Changes {
		ws.WriteFile(c.Path, c.Content)
	}
	for _, n := range r.Notes {
		ws.AddNote(fmt.Sprintf("step %d: %s", step.StepNumber, n))
	}
	out.Success = true
	if out.Result == "" {
		out.Result = fmt.Sprintf("applied %d change(s)", len(r.Changes))
	}
	e.logger.Debug("Step executed.", zap.Int("step", step.StepNumber), zap.Int("changes", len(r.Changes)), zap.Bool("validated", out.CodeExecuted))
	return out
}

func buildPrompt(contextString string, order []string, files map[string]string) string {
	var sb strings.Builder
	sb.WriteString(contextString)
	if len(order) > 0 {
		sb.WriteString("\n\n## Files\n")
		for _, p := range order {
			fmt.Fprintf(&sb, "\n### %s\n```\n%s\n```\n", p, llmutil.Truncate(files[p], maxFileRunes))
		}
	}
	return sb.String()
}
