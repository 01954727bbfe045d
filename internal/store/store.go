// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned when no events exist for a run.
var ErrRunNotFound = errors.New("remediation run not found")

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the tables the store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS remediation_runs (
    run_id          TEXT PRIMARY KEY,
    incident_id     TEXT NOT NULL,
    incident        JSONB NOT NULL,
    success         BOOLEAN NOT NULL,
    iterations      INTEGER NOT NULL,
    plan_progress   JSONB NOT NULL,
    workspace_state JSONB NOT NULL,
    fixes           JSONB NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS remediation_events (
    run_id     TEXT NOT NULL REFERENCES remediation_runs(run_id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    agent      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    data       JSONB NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

const sqlInsertRun = `
        INSERT INTO remediation_runs (run_id, incident_id, incident, success, iterations, plan_progress, workspace_state, fixes, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (run_id) DO NOTHING;
    `

const sqlSelectEvents = `
        SELECT seq, type, agent, created_at, data
        FROM remediation_events
        WHERE run_id = $1
        ORDER BY seq ASC;
    `

var eventColumns = []string{"run_id", "seq", "type", "agent", "created_at", "data"}

// Store persists finished remediation runs to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// EnsureSchema creates the store tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun writes the run row and all of its events in one transaction.
func (s *Store) SaveRun(ctx context.Context, incident schemas.Incident, result models.RunResult) error {
	incidentJSON, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	progressJSON, err := json.Marshal(result.PlanProgress)
	if err != nil {
		return fmt.Errorf("failed to encode plan progress: %w", err)
	}
	stateJSON, err := json.Marshal(result.WorkspaceState)
	if err != nil {
		return fmt.Errorf("failed to encode workspace state: %w", err)
	}
	fixes := result.Fixes
	if fixes == nil {
		fixes = []models.FileChange{}
	}
	fixesJSON, err := json.Marshal(fixes)
	if err != nil {
		return fmt.Errorf("failed to encode fixes: %w", err)
	}

	rows := make([][]any, len(result.Events))
	for i, ev := range result.Events {
		data := ev.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
		}
		rows[i] = []any{result.RunID, ev.Seq, string(ev.Type), ev.Agent, ev.Timestamp.UTC(), dataJSON}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		result.RunID, result.IncidentID, incidentJSON, result.Success, result.Iterations,
		progressJSON, stateJSON, fixesJSON, result.StartedAt.UTC(), result.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", result.RunID, err)
	}

	if len(rows) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"remediation_events"}, eventColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy events: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Persisted remediation run.", zap.String("run_id", result.RunID), zap.Int("events", len(rows)))
	return nil
}

// LoadEvents returns a run's events ordered by sequence number.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, sqlSelectEvents, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev        models.Event
			eventType string
			createdAt time.Time
			data      []byte
		)
		if err := rows.Scan(&ev.Seq, &eventType, &ev.Agent, &createdAt, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Type = models.EventType(eventType)
		ev.Timestamp = createdAt.UTC()
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return events, nil
}
