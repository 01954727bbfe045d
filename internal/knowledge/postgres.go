// internal/knowledge/postgres.go
package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Querier is the subset of pgxpool.Pool the retriever needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the knowledge table and its full-text index.
const Schema = `
CREATE TABLE IF NOT EXISTS knowledge_items (
    id            BIGSERIAL PRIMARY KEY,
    source        TEXT NOT NULL,
    content       TEXT NOT NULL,
    metadata      JSONB NOT NULL DEFAULT '{}',
    search_vector TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS knowledge_items_search_idx ON knowledge_items USING GIN (search_vector);
`

const sqlSearch = `
        SELECT source, content, metadata, ts_rank(search_vector, query, 32) AS score
        FROM knowledge_items, plainto_tsquery('english', $1) AS query
        WHERE search_vector @@ query
        ORDER BY score DESC
        LIMIT $2;
    `

const sqlInsert = `
        INSERT INTO knowledge_items (source, content, metadata)
        VALUES ($1, $2, $3);
    `

// PostgresRetriever ranks stored postmortems and fixes with PostgreSQL full-text search.
type PostgresRetriever struct {
	db       Querier
	minScore float64
	logger   *zap.Logger
}

// NewPostgresRetriever creates a retriever. minScore is a fraction of the best
// hit's rank; hits below it are dropped.
func NewPostgresRetriever(db Querier, minScore float64, logger *zap.Logger) *PostgresRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRetriever{db: db, minScore: minScore, logger: logger.Named("knowledge")}
}

// EnsureSchema creates the knowledge table if needed.
func (r *PostgresRetriever) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create knowledge schema: %w", err)
	}
	return nil
}

// Retrieve returns at most k items matching query, most relevant first.
// Relevance is the ts_rank scaled so the best hit scores 1.
func (r *PostgresRetriever) Retrieve(ctx context.Context, query string, k int) ([]schemas.KnowledgeItem, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, sqlSearch, query, k)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	defer rows.Close()

	var items []schemas.KnowledgeItem
	for rows.Next() {
		var (
			item     schemas.KnowledgeItem
			metadata []byte
			score    float32
		)
		if err := rows.Scan(&item.Source, &item.Content, &metadata, &score); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		item.RelevanceScore = float64(score)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode knowledge metadata from %s: %w", item.Source, err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	items = normalizeScores(items, r.minScore)
	r.logger.Debug("Knowledge retrieved.", zap.Int("hits", len(items)), zap.Int("k", k))
	return items, nil
}

// Learn stores a successful run as a knowledge item so later incidents with
// a similar root cause can find it. Failed runs are ignored.
func (r *PostgresRetriever) Learn(ctx context.Context, incident schemas.Incident, result models.RunResult) error {
	if !result.Success || result.PlanProgress.Failed > 0 {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Incident: %s\nRoot cause: %s\nResolution steps:\n", incident.Title, incident.RootCause)
	for _, s := range result.PlanProgress.Steps {
		fmt.Fprintf(&sb, "%d. %s\n", s.StepNumber, s.Description)
	}
	if len(result.Fixes) > 0 {
		sb.WriteString("Files changed:")
		for _, f := range result.Fixes {
			sb.WriteString(" " + f.Path)
		}
		sb.WriteString("\n")
	}

	metadata, err := json.Marshal(map[string]string{
		"incident_id": incident.ID,
		"run_id":      result.RunID,
		"service":     incident.Service,
		"iterations":  strconv.Itoa(result.Iterations),
	})
	if err != nil {
		return fmt.Errorf("failed to encode knowledge metadata: %w", err)
	}
	source := "run:" + result.RunID
	if _, err := r.db.Exec(ctx, sqlInsert, source, sb.String(), metadata); err != nil {
		return fmt.Errorf("failed to store knowledge from run %s: %w", result.RunID, err)
	}
	r.logger.Info("Recorded run as knowledge.", zap.String("source", source))
	return nil
}

// normalizeScores rescales raw ranks into 0..1 relative to the best hit and
// drops items below minScore. Order is preserved.
func normalizeScores(items []schemas.KnowledgeItem, minScore float64) []schemas.KnowledgeItem {
	var top float64
	for _, it := range items {
		if it.RelevanceScore > top {
			top = it.RelevanceScore
		}
	}
	if top <= 0 {
		top = 1
	}
	kept := items[:0]
	for _, it := range items {
		it.RelevanceScore /= top
		if it.RelevanceScore < minScore {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}
