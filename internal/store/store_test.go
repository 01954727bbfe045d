package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool { return f(v) }

var anyArg = ArgumentMatcherFunc(func(interface{}) bool { return true })

func jsonArg(want string) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		b, ok := v.([]byte)
		return ok && string(b) == want
	}
}

func newStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleRun() (schemas.Incident, models.RunResult) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	incident := schemas.Incident{ID: "inc-1", Title: "checkout 500s", RootCause: "nil map write"}
	return incident, models.RunResult{
		RunID:      "run-1",
		IncidentID: "inc-1",
		Success:    true,
		Iterations: 2,
		Events: []models.Event{
			{Seq: 1, Type: models.EventUserRequest, Agent: "user", Timestamp: ts, Data: map[string]interface{}{"incident_id": "inc-1"}},
			{Seq: 2, Type: models.EventRunCompleted, Agent: "driver", Timestamp: ts},
		},
		StartedAt:  ts,
		FinishedAt: ts.Add(time.Minute),
	}
}

func TestNewStore(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveRun(t *testing.T) {
	t.Run("writes run and events in one transaction", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newStore(t, zap.New(core))
		incident, result := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "inc-1", anyArg, true, 2, anyArg, anyArg, jsonArg("[]"), result.StartedAt, result.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"remediation_events"}, eventColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveRun(context.Background(), incident, result))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, logs.All(), "no rollback error after a commit")
	})

	t.Run("copy failure rolls back", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		incident, result := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "inc-1", anyArg, true, 2, anyArg, anyArg, jsonArg("[]"), result.StartedAt, result.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"remediation_events"}, eventColumns).WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		err := s.SaveRun(context.Background(), incident, result)
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("short copy is an error", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		incident, result := sampleRun()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs("run-1", "inc-1", anyArg, true, 2, anyArg, anyArg, jsonArg("[]"), result.StartedAt, result.FinishedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(pgx.Identifier{"remediation_events"}, eventColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveRun(context.Background(), incident, result)
		assert.ErrorContains(t, err, "mismatch in copied events count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		incident, result := sampleRun()
		mockPool.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := s.SaveRun(context.Background(), incident, result)
		assert.ErrorContains(t, err, "failed to begin transaction")
	})
}

func TestLoadEvents(t *testing.T) {
	t.Run("decodes rows in order", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		rows := pgxmock.NewRows([]string{"seq", "type", "agent", "created_at", "data"}).
			AddRow(1, "user-request", "user", ts, []byte(`{"incident_id":"inc-1"}`)).
			AddRow(2, "run-completed", "driver", ts, []byte(`{}`))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectEvents)).WithArgs("run-1").WillReturnRows(rows)

		events, err := s.LoadEvents(context.Background(), "run-1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventUserRequest, events[0].Type)
		assert.Equal(t, "inc-1", events[0].Data["incident_id"])
		assert.Equal(t, 2, events[1].Seq)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown run", func(t *testing.T) {
		s, mockPool := newStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectEvents)).WithArgs("nope").
			WillReturnRows(pgxmock.NewRows([]string{"seq", "type", "agent", "created_at", "data"}))

		_, err := s.LoadEvents(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newStore(t, zap.NewNop())
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS remediation_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
