package scheduler

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
)

var advisoryLock = regexp.QuoteMeta(`SELECT pg_try_advisory_xact_lock($1)`)

func TestPostgresElector_Leader(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(advisoryLock).
		WithArgs(DefaultLockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectCommit()

	e := NewPostgresElector(db, DefaultLockID)
	called := false
	won, err := e.TryLead(context.Background(), func(_ context.Context, q jobs.Queue) error {
		_, ok := q.(*jobs.PostgresQueue)
		assert.True(t, ok)
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, won)
	assert.True(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresElector_Follower(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(advisoryLock).
		WithArgs(DefaultLockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	e := NewPostgresElector(db, DefaultLockID)
	won, err := e.TryLead(context.Background(), func(context.Context, jobs.Queue) error {
		t.Fatal("follower must not enqueue")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresElector_EnqueueErrorRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(advisoryLock).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectRollback()

	e := NewPostgresElector(db, DefaultLockID)
	won, err := e.TryLead(context.Background(), func(context.Context, jobs.Queue) error {
		return errors.New("insert failed")
	})
	assert.EqualError(t, err, "insert failed")
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}
