package state_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tessera-Labs/credstate/pkg/state"
)

func TestSQLStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM chain_state WHERE key = \$1`).
		WithArgs("score/record/alice").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"score":750}`)))

	s := state.NewSQLStore(db, "postgres")
	v, err := s.Get(context.Background(), "score/record/alice")
	require.NoError(t, err)
	assert.Equal(t, `{"score":750}`, string(v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT value FROM chain_state`).
		WithArgs("absent").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	s := state.NewSQLStore(db, "postgres")
	_, err = s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, state.ErrKeyNotFound)
}

func TestSQLStore_ApplyCommitsInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chain_state`).
		WithArgs("k1", []byte("v1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM chain_state`).
		WithArgs("k2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := state.NewSQLStore(db, "postgres")
	b := state.NewBatch()
	b.Set("k1", []byte("v1"))
	b.Remove("k2")
	require.NoError(t, s.Apply(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ApplyRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO chain_state`).
		WithArgs("k1", []byte("v1")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	s := state.NewSQLStore(db, "postgres")
	b := state.NewBatch()
	b.Set("k1", []byte("v1"))
	assert.Error(t, s.Apply(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}
