package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanigaiv/oncallforge/internal/errs"
	"github.com/thanigaiv/oncallforge/internal/model"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: sqlx.NewDb(db, "sqlmock")}, mock
}

func TestPostgres_WorkflowsCreate(t *testing.T) {
	p, mock := newMockPostgres(t)
	wf := &model.Workflow{ID: "wf-1", Name: "page-oncall", ScopeType: model.ScopeGlobal, IsEnabled: true, Version: 1}

	mock.ExpectExec("INSERT INTO workflows").
		WithArgs(wf.ID, wf.Name, wf.Description, string(wf.ScopeType), nil, wf.IsEnabled, wf.Version).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.Workflows().Create(context.Background(), wf)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WorkflowsCreateDuplicateIDIsConflict(t *testing.T) {
	p, mock := newMockPostgres(t)
	wf := &model.Workflow{ID: "wf-1", Name: "dup"}

	mock.ExpectExec("INSERT INTO workflows").
		WillReturnError(&pq.Error{Code: "23505"})

	err := p.Workflows().Create(context.Background(), wf)
	require.Error(t, err)
	assert.Equal(t, errs.ClassConflict, errs.ClassOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncidentsCompareAndSetStatus(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectExec("UPDATE incidents SET status").
		WithArgs(model.IncidentAcknowledged, now, "inc-1", model.IncidentOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := p.Incidents().CompareAndSetStatus(context.Background(), "inc-1", model.IncidentOpen, model.IncidentAcknowledged, now)
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncidentsCompareAndSetStatusLosesRace(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectExec("UPDATE incidents SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := p.Incidents().CompareAndSetStatus(context.Background(), "inc-1", model.IncidentOpen, model.IncidentAcknowledged, now)
	require.NoError(t, err)
	assert.False(t, won, "zero rows affected means another writer already moved the status")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxRollsBackAndClassifiesSerializationFailure(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := p.WithTx(context.Background(), Serializable, func(ctx context.Context, tx Tx) error {
		return &pq.Error{Code: "40001"}
	})
	require.Error(t, err)
	assert.Equal(t, errs.ClassConflict, errs.ClassOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTxCommitsOnSuccess(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := p.WithTx(context.Background(), ReadCommitted, func(ctx context.Context, tx Tx) error {
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
