// internal/remediation/planner/planner.go
package planner

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/llmutil"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

//go:embed plan_schema.json
var planSchemaJSON string

const (
	planSchemaURL     = "mem://healops/plan_schema.json"
	planTemperature   = 0.2
	maxSummaryRunes   = 4000
	maxKnowledgeRunes = 6000
)

// ErrInvalidPlan is returned when the model reply does not match the plan schema.
var ErrInvalidPlan = errors.New("model returned an invalid plan")

const systemPrompt = `You are the planning component of an automated incident remediation agent.
Produce a short ordered plan of concrete steps that fix the incident in the repository.
Each step is executed by a separate agent that sees only that step, the files it lists and the run history.
Paths in files_to_read are relative to the repository root.
Respond with a single JSON object: {"steps":[{"description":"...","files_to_read":["..."],"expected_output":"..."}]}`

type planReply struct {
	Steps []models.StepSpec `json:"steps"`
}

// LLMPlanner drafts and revises plans with the powerful model tier.
type LLMPlanner struct {
	client schemas.LLMClient
	schema *jsonschema.Schema
	logger *zap.Logger
}

// NewLLMPlanner compiles the plan schema and returns a planner.
func NewLLMPlanner(client schemas.LLMClient, logger *zap.Logger) (*LLMPlanner, error) {
	if client == nil {
		return nil, errors.New("planner requires an LLM client")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(planSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to register plan schema: %w", err)
	}
	sch, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile plan schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMPlanner{client: client, schema: sch, logger: logger.Named("planner")}, nil
}

// CreatePlan drafts the initial plan for an incident.
func (p *LLMPlanner) CreatePlan(ctx context.Context, rootCause string, affectedFiles []string, knowledgeContext string) ([]models.StepSpec, error) {
	var sb strings.Builder
	sb.WriteString("Create a remediation plan.\n\n## Root Cause\n")
	sb.WriteString(rootCause)
	writeFiles(&sb, affectedFiles)
	writeKnowledge(&sb, knowledgeContext)
	return p.generate(ctx, sb.String())
}

// Replan drafts replacement steps for the unfinished part of a plan.
func (p *LLMPlanner) Replan(ctx context.Context, reason string, rc models.ReplanContext, knowledgeContext string) ([]models.StepSpec, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The current plan needs revision (reason: %s).\n", reason)
	sb.WriteString("Produce only the NEW steps to run next. Completed and failed steps are kept as history; do not repeat approaches that already failed.\n\n## Root Cause\n")
	sb.WriteString(rc.RootCause)
	writeFiles(&sb, rc.AffectedFiles)

	if len(rc.CompletedSteps) > 0 {
		sb.WriteString("\n\n## Completed Steps\n")
		for _, s := range rc.CompletedSteps {
			fmt.Fprintf(&sb, "- %d. %s -> %s\n", s.StepNumber, s.Description, llmutil.Truncate(s.Result, 300))
		}
	}
	if len(rc.FailedSteps) > 0 {
		sb.WriteString("\n\n## Failed Steps\n")
		for _, s := range rc.FailedSteps {
			last := ""
			if n := len(s.Errors); n > 0 {
				last = s.Errors[n-1]
			}
			fmt.Fprintf(&sb, "- %d. %s (retries: %d) error: %s\n", s.StepNumber, s.Description, s.RetryCount, llmutil.Truncate(last, 300))
		}
	}
	writeList(&sb, "Recent Failures", rc.RecentFailures)
	writeList(&sb, "Recent Discoveries", rc.RecentDiscoveries)
	if rc.WorkspaceSummary != "" {
		sb.WriteString("\n\n## Workspace\n")
		sb.WriteString(llmutil.Truncate(rc.WorkspaceSummary, maxSummaryRunes))
	}
	writeKnowledge(&sb, knowledgeContext)
	return p.generate(ctx, sb.String())
}

func (p *LLMPlanner) generate(ctx context.Context, userPrompt string) ([]models.StepSpec, error) {
	raw, err := p.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: planTemperature, ForceJSONFormat: true},
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	body, err := llmutil.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.schema.Validate(doc); err != nil {
		p.logger.Warn("Plan failed schema validation.", zap.Error(err), zap.String("reply", llmutil.Truncate(body, 500)))
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	reply, err := llmutil.ParseJSONResponse[planReply](body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	steps := make([]models.StepSpec, 0, len(reply.Steps))
	for _, s := range reply.Steps {
		s.Description = strings.TrimSpace(s.Description)
		if s.Description == "" {
			continue
		}
		steps = append(steps, s)
	}
	p.logger.Debug("Plan generated.", zap.Int("steps", len(steps)), zap.Int("dropped", len(reply.Steps)-len(steps)))
	return steps, nil
}

func writeFiles(sb *strings.Builder, files []string) {
	if len(files) == 0 {
		return
	}
	sb.WriteString("\n\n## Affected Files\n")
	for _, f := range files {
		sb.WriteString("- " + f + "\n")
	}
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("\n\n## " + title + "\n")
	for _, it := range items {
		sb.WriteString("- " + llmutil.Truncate(it, 300) + "\n")
	}
}

func writeKnowledge(sb *strings.Builder, knowledgeContext string) {
	if strings.TrimSpace(knowledgeContext) == "" {
		return
	}
	sb.WriteString("\n\n## Related Knowledge\n")
	sb.WriteString(llmutil.Truncate(knowledgeContext, maxKnowledgeRunes))
}
