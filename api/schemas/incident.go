package schemas

import "time"

// Severity grades how badly an incident affects the service.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is the unit of work handed to a remediation run. RootCause is the
// analysis text the planner works from; AffectedFiles are repository-root
// relative paths.
type Incident struct {
	ID            string            `json:"id" yaml:"id"`
	Title         string            `json:"title" yaml:"title"`
	RootCause     string            `json:"root_cause" yaml:"root_cause"`
	AffectedFiles []string          `json:"affected_files" yaml:"affected_files"`
	Service       string            `json:"service,omitempty" yaml:"service,omitempty"`
	Severity      Severity          `json:"severity,omitempty" yaml:"severity,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DetectedAt    time.Time         `json:"detected_at" yaml:"detected_at"`
}

// KnowledgeItem is a single retrieval hit from the knowledge base.
type KnowledgeItem struct {
	Content        string            `json:"content"`
	RelevanceScore float64           `json:"relevance_score"`
	Source         string            `json:"source"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
