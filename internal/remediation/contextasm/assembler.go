// internal/remediation/contextasm/assembler.go
package contextasm

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

const (
	// DefaultMaxTokens is the budget used when none is configured.
	DefaultMaxTokens = 80000

	charsPerToken = 3.5

	workspaceShare = 0.90
	eventLogShare  = 0.80
	fragmentShare  = 0.95

	// CategoryKnowledge is the category given to knowledge base hits.
	CategoryKnowledge = "knowledge"

	exampleChars = 60
	header       = "# Remediation Context\nYou are fixing a production incident one step at a time. Use only the information below.\n"
)

// Fragment is a prioritized piece of content considered for inclusion.
type Fragment struct {
	Content       string
	Priority      int
	Category      string
	TokenEstimate int
	order         int
}

// CategoryStats is the history kept per category across Clear calls.
type CategoryStats struct {
	Added       int
	MaxPriority int
}

// Assembler builds a single token-budgeted context string. It is owned by one run.
type Assembler struct {
	maxTokens int
	fragments []Fragment
	nextOrder int
	history   map[string]CategoryStats
}

// New returns an Assembler with the given budget; non-positive budgets use DefaultMaxTokens.
func New(maxTokens int) *Assembler {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Assembler{maxTokens: maxTokens, history: make(map[string]CategoryStats)}
}

// EstimateTokens is floor(runes / 3.5). It is a heuristic, not a tokenizer.
func EstimateTokens(s string) int {
	return int(float64(utf8.RuneCountInString(s)) / charsPerToken)
}

// MaxTokens returns the configured budget.
func (a *Assembler) MaxTokens() int { return a.maxTokens }

// Add registers a fragment. Priority is clamped to 1..10.
func (a *Assembler) Add(content string, priority int, category string) Fragment {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	if category == "" {
		category = "general"
	}
	f := Fragment{
		Content:       content,
		Priority:      priority,
		Category:      category,
		TokenEstimate: EstimateTokens(content),
		order:         a.nextOrder,
	}
	a.nextOrder++
	a.fragments = append(a.fragments, f)

	st := a.history[category]
	st.Added++
	if priority > st.MaxPriority {
		st.MaxPriority = priority
	}
	a.history[category] = st
	return f
}

// KnowledgePriority maps a relevance score to a fragment priority.
func KnowledgePriority(score float64) int {
	switch {
	case score > 0.8:
		return 10
	case score > 0.6:
		return 8
	default:
		return 5
	}
}

// AddKnowledge registers each item as a knowledge fragment prioritized by relevance.
func (a *Assembler) AddKnowledge(items []schemas.KnowledgeItem) {
	for _, it := range items {
		content := it.Content
		if it.Source != "" {
			content = fmt.Sprintf("Source: %s (relevance %.2f)\n%s", it.Source, it.RelevanceScore, it.Content)
		}
		a.Add(content, KnowledgePriority(it.RelevanceScore), CategoryKnowledge)
	}
}

// Clear drops all fragments. Category history is kept.
func (a *Assembler) Clear() {
	a.fragments = nil
}

// Fragments returns the registered fragments in insertion order.
func (a *Assembler) Fragments() []Fragment {
	return append([]Fragment(nil), a.fragments...)
}

// History returns per-category statistics since the assembler was created.
func (a *Assembler) History() map[string]CategoryStats {
	out := make(map[string]CategoryStats, len(a.history))
	for k, v := range a.history {
		out[k] = v
	}
	return out
}

// TotalTokens sums the estimates of the current fragments.
func (a *Assembler) TotalTokens() int {
	total := 0
	for _, f := range a.fragments {
		total += f.TokenEstimate
	}
	return total
}

// Build assembles the context for the current step. The header and step are
// always present; the workspace, event log and fragments are admitted against
// the 90%, 80% and 95% running-budget thresholds respectively. Fragments that
// do not fit are named in a grouped summary instead of being dropped.
func (a *Assembler) Build(eventLogText string, step *models.Step, workspaceSnapshot string) string {
	out, _ := a.assemble(eventLogText, step, workspaceSnapshot)
	return out
}

// report lists which fragments (by insertion order) went verbatim or into the summary.
type report struct {
	included []int
	excluded []int
	tokens   int
}

func (a *Assembler) assemble(eventLogText string, step *models.Step, workspaceSnapshot string) (string, report) {
	var sb strings.Builder
	var rep report
	budget := float64(a.maxTokens)

	sb.WriteString(header)
	if step != nil {
		sb.WriteString(formatStep(step))
	}
	used := EstimateTokens(sb.String())

	if workspaceSnapshot != "" {
		section := "\n## Workspace\n" + workspaceSnapshot + "\n"
		if t := EstimateTokens(section); float64(used+t) <= budget*workspaceShare {
			sb.WriteString(section)
			used += t
		}
	}

	if eventLogText != "" {
		section := "\n## Recent Events\n" + eventLogText + "\n"
		if t := EstimateTokens(section); float64(used+t) <= budget*eventLogShare {
			sb.WriteString(section)
			used += t
		}
	}

	ordered := append([]Fragment(nil), a.fragments...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var excluded []Fragment
	for _, f := range ordered {
		if len(excluded) > 0 || float64(used+f.TokenEstimate) > budget*fragmentShare {
			excluded = append(excluded, f)
			rep.excluded = append(rep.excluded, f.order)
			continue
		}
		fmt.Fprintf(&sb, "\n### %s (priority %d)\n%s\n", f.Category, f.Priority, f.Content)
		used += f.TokenEstimate
		rep.included = append(rep.included, f.order)
	}

	if len(excluded) > 0 {
		sb.WriteString(summarize(excluded))
	}
	rep.tokens = used
	return sb.String(), rep
}

func formatStep(step *models.Step) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n## Current Step\nStep %d: %s\n", step.StepNumber, step.Description)
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", step.ExpectedOutput)
	}
	if len(step.FilesToRead) > 0 {
		fmt.Fprintf(&sb, "Files to read: %s\n", strings.Join(step.FilesToRead, ", "))
	}
	if step.RetryCount > 0 {
		fmt.Fprintf(&sb, "Attempt: %d\n", step.RetryCount+1)
		if n := len(step.Errors); n > 0 {
			fmt.Fprintf(&sb, "Previous error: %s\n", step.Errors[n-1])
		}
	}
	return sb.String()
}

// summarize groups the excluded fragments by category in order of first appearance.
func summarize(excluded []Fragment) string {
	type group struct {
		count   int
		tokens  int
		example string
	}
	var order []string
	groups := make(map[string]*group)
	for _, f := range excluded {
		g, ok := groups[f.Category]
		if !ok {
			g = &group{example: example(f.Content)}
			groups[f.Category] = g
			order = append(order, f.Category)
		}
		g.count++
		g.tokens += f.TokenEstimate
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n## Additional Context (summarized)\n%d fragment(s) omitted to stay within the token budget.\n", len(excluded))
	for _, cat := range order {
		g := groups[cat]
		fmt.Fprintf(&sb, "- %s: %d item(s), ~%d tokens, e.g. %q\n", cat, g.count, g.tokens, g.example)
	}
	return sb.String()
}

// example returns the first line of s cut to at most half its length and exampleChars runes.
func example(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	r := []rune(line)
	limit := exampleChars
	if half := utf8.RuneCountInString(s) / 2; half < limit {
		limit = half
	}
	if len(r) <= limit {
		return line
	}
	return string(r[:limit]) + "..."
}
