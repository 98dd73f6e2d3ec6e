package ratelimit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexhq/aex/pkg/store"
)

func TestDBStore_FirstRequestCreatesWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewDBStore(db, store.DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tokens, last_refill FROM rate_windows WHERE actor_id = \?`).
		WithArgs("agent-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO rate_windows`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE rate_windows SET tokens = \?, last_refill = \? WHERE actor_id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.Allow(context.Background(), "agent-1", Policy{RPM: 600, Burst: 10}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_ExhaustedWindowDenies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewDBStore(db, store.DialectSQLite)

	now := float64(time.Now().UnixMicro()) / 1e6

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT tokens, last_refill FROM rate_windows WHERE actor_id = \?`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"tokens", "last_refill"}).AddRow(0.0, now))
	mock.ExpectExec(`UPDATE rate_windows SET tokens = \?, last_refill = \? WHERE actor_id = \?`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.Allow(context.Background(), "agent-1", Policy{RPM: 600, Burst: 10}, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
