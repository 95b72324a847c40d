// SPDX-License-Identifier: Apache-2.0

package db_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/fieldmigration/internal/testutils"
	"github.com/qcollector/fieldmigration/pkg/db"
)

// TestMain runs the sqlmock-backed unit tests unconditionally; the shared
// Postgres container is only started when Q_COLLECTOR_IT_POSTGRES_URL is
// set, and the lock-contention tests skip themselves without it.
func TestMain(m *testing.M) {
	if os.Getenv("Q_COLLECTOR_IT_POSTGRES_URL") == "" {
		os.Exit(m.Run())
	}
	testutils.SharedTestMain(m)
}

func newMockRDB(t *testing.T) (*db.RDB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &db.RDB{DB: conn}, mock
}

func TestWithRetryableTransactionRetriesSerializationFailure(t *testing.T) {
	t.Parallel()

	rdb, mock := newMockRDB(t)

	// First attempt fails serialization and rolls back; the transaction is
	// begun afresh and succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE submissions_form_1").WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE submissions_form_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := rdb.WithRetryableTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE submissions_form_1 SET age_1 = 1")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRetryableTransactionDoesNotRetryStructuralErrors(t *testing.T) {
	t.Parallel()

	rdb, mock := newMockRDB(t)

	// undefined_column is terminal: one attempt, error surfaced.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE submissions_form_1").WillReturnError(&pq.Error{Code: "42703"})
	mock.ExpectRollback()

	err := rdb.WithRetryableTransaction(context.Background(), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE submissions_form_1 SET gone = 1")
		return err
	})
	pqErr := &pq.Error{}
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, pq.ErrorCode("42703"), pqErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecContextRetriesDeadlock(t *testing.T) {
	t.Parallel()

	rdb, mock := newMockRDB(t)

	mock.ExpectExec("INSERT INTO migration_jobs").WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectExec("INSERT INTO migration_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := rdb.ExecContext(context.Background(), "INSERT INTO migration_jobs (id) VALUES ('j1')")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecContextDoesNotRetryNonPqErrors(t *testing.T) {
	t.Parallel()

	rdb, mock := newMockRDB(t)

	boom := errors.New("driver exploded")
	mock.ExpectExec("INSERT INTO migration_jobs").WillReturnError(boom)

	_, err := rdb.ExecContext(context.Background(), "INSERT INTO migration_jobs (id) VALUES ('j1')")
	require.ErrorIs(t, err, boom)
}

func TestExecContext(t *testing.T) {
	t.Parallel()
	testutils.SkipUnlessPostgres(t)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		// hold an exclusive lock on a dynamic table for 2 seconds, the way
		// a slow DDL transaction would
		setupTableLock(t, connStr, 2*time.Second)

		// set the lock timeout to 100ms
		ensureLockTimeout(t, conn, 100)

		// a submission write should retry until the lock is released
		rdb := &db.RDB{DB: conn}
		_, err := rdb.ExecContext(ctx, "INSERT INTO submissions_locked(id) VALUES (1)")
		require.NoError(t, err)
	})
}

func TestExecContextWhenContextCancelled(t *testing.T) {
	t.Parallel()
	testutils.SkipUnlessPostgres(t)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx, cancel := context.WithCancel(context.Background())

		setupTableLock(t, connStr, 2*time.Second)
		ensureLockTimeout(t, conn, 100)

		rdb := &db.RDB{DB: conn}

		// Cancel the context before the lock is released.
		go time.AfterFunc(500*time.Millisecond, cancel)

		_, err := rdb.ExecContext(ctx, "INSERT INTO submissions_locked(id) VALUES (1)")
		require.Errorf(t, err, "context canceled")
	})
}

func TestQueryContext(t *testing.T) {
	t.Parallel()
	testutils.SkipUnlessPostgres(t)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		setupTableLock(t, connStr, 2*time.Second)
		ensureLockTimeout(t, conn, 100)

		rdb := &db.RDB{DB: conn}
		rows, err := rdb.QueryContext(ctx, "SELECT COUNT(*) FROM submissions_locked")
		require.NoError(t, err)

		var count int
		err = db.ScanFirstValue(rows, &count)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestWithRetryableTransaction(t *testing.T) {
	t.Parallel()
	testutils.SkipUnlessPostgres(t)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()

		setupTableLock(t, connStr, 2*time.Second)
		ensureLockTimeout(t, conn, 100)

		// the transaction should retry until the lock is released
		rdb := &db.RDB{DB: conn}
		err := rdb.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return tx.QueryRowContext(ctx, "SELECT 1 FROM submissions_locked").Err()
		})
		require.NoError(t, err)
	})
}

// setupTableLock creates a stand-in dynamic table and starts a transaction
// that holds an ACCESS EXCLUSIVE lock on it for d, simulating a DDL
// operation in flight while other statements contend.
func setupTableLock(t *testing.T, connStr string, d time.Duration) {
	t.Helper()
	ctx := context.Background()

	conn2, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	_, err = conn2.ExecContext(ctx, "CREATE TABLE submissions_locked (id INT PRIMARY KEY)")
	require.NoError(t, err)

	errCh := make(chan error)
	go func() {
		tx, err := conn2.Begin()
		if err != nil {
			errCh <- err
			return
		}

		_, err = tx.ExecContext(ctx, "LOCK TABLE submissions_locked IN ACCESS EXCLUSIVE MODE")
		if err != nil {
			errCh <- err
			return
		}

		// signal that the lock is obtained
		errCh <- nil

		// temporarily hold the lock
		time.Sleep(d)

		tx.Commit()
	}()

	// wait for the lock to be obtained
	err = <-errCh
	require.NoError(t, err)
}

func ensureLockTimeout(t *testing.T, conn *sql.DB, ms int) {
	t.Helper()

	query := fmt.Sprintf("SET lock_timeout = '%dms'", ms)
	_, err := conn.ExecContext(context.Background(), query)
	require.NoError(t, err)
}
