package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/agent-mesh-kernel/internal/kernel/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresGetMissionNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM missions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetMission(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissionScansRow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "status", "metadata", "created_at", "updated_at"}).
		AddRow("mission-1", "alice", "active", []byte(`{"k":"v"}`), now, now)
	mock.ExpectQuery("FROM missions").
		WithArgs("mission-1").
		WillReturnRows(rows)

	mission, err := s.GetMission(context.Background(), "mission-1")
	require.NoError(t, err)
	require.Equal(t, model.MissionActive, mission.Status)
	require.Equal(t, "v", mission.Metadata["k"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListMissionsByStatusScansRows(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "status", "metadata", "created_at", "updated_at"}).
		AddRow("mission-1", "alice", "planned", []byte(`{}`), now, now).
		AddRow("mission-2", "bob", "planned", []byte(`{}`), now, now)
	mock.ExpectQuery("FROM missions").
		WithArgs(model.MissionPlanned).
		WillReturnRows(rows)

	missions, err := s.ListMissionsByStatus(context.Background(), model.MissionPlanned)
	require.NoError(t, err)
	require.Len(t, missions, 2)
	require.Equal(t, model.MissionPlanned, missions[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateMissionStatusNoRowsIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE missions SET").
		WithArgs(model.MissionCompleted, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateMissionStatus(context.Background(), "missing", model.MissionCompleted)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkChainSpecDispatchedRequiresMatchingClaim(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE chain_specs SET status").
		WithArgs(model.SpecDispatched, "job-1", "spec-1", "wrong-claim").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkChainSpecDispatched(context.Background(), "spec-1", "wrong-claim", "job-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
