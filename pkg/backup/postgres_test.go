// SPDX-License-Identifier: Apache-2.0

package backup_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/db"
)

// fakeRDB adapts a *sql.DB (backed by sqlmock) to the db.DB interface
// without the retry/backoff wrapping, since sqlmock expectations are exact
// and a lock_timeout retry path is exercised separately in pkg/db's own
// tests.
type fakeRDB struct {
	conn *sql.DB
}

func (f *fakeRDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return f.conn.ExecContext(ctx, query, args...)
}

func (f *fakeRDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return f.conn.QueryContext(ctx, query, args...)
}

func (f *fakeRDB) WithRetryableTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := f.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (f *fakeRDB) Close() error { return f.conn.Close() }

func newMockStore(t *testing.T) (*backup.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var d db.DB = &fakeRDB{conn: conn}
	return backup.NewPostgresStore(d, 500), mock
}

func TestPostgresStoreBackup(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT to_regclass").WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("submissions_f1"))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT a.attname").WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery(`SELECT "id", "age" FROM "submissions_f1" ORDER BY "id" LIMIT 500`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "age"}).AddRow("row-1", "42"))
	mock.ExpectExec("INSERT INTO field_data_backups").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := store.Backup(context.Background(), "form-1", "submissions_f1", "age", "numeric", backup.PreDelete, "operator-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreBackupRejectsInvalidRetention(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)

	_, err := store.Backup(context.Background(), "form-1", "submissions_f1", "age", "numeric", backup.PreDelete, "operator-1", time.Hour)
	var invalid backup.InvalidRetentionError
	require.ErrorAs(t, err, &invalid)
}

func TestPostgresStoreBackupTableMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT to_regclass").WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))
	mock.ExpectRollback()

	_, err := store.Backup(context.Background(), "form-1", "missing_table", "age", "numeric", backup.Manual, "operator-1", 0)
	var missing backup.TableMissingError
	require.ErrorAs(t, err, &missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSweepExpired(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM field_data_backups WHERE retention_until").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := store.SweepExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, form_id").WillReturnRows(sqlmock.NewRows([]string{
		"id", "form_id", "table_name", "column_name", "backup_type", "physical_type", "data_snapshot", "retention_until", "created_by", "created_at",
	}))

	_, err := store.Get(context.Background(), "missing-id")
	var notFound backup.BackupNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A backup spanning several batches on an integer primary key must compare
// the cursor numerically: a text-cast cursor orders "1000" before "999" and
// drops rows at the digit-length boundary.
func TestPostgresStoreBackupIntegerKeysetPagination(t *testing.T) {
	t.Parallel()

	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var d db.DB = &fakeRDB{conn: conn}
	store := backup.NewPostgresStore(d, 2)

	mock.ExpectBegin()
	mock.ExpectExec("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT to_regclass").WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("submissions_f1"))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT a.attname").WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery(`SELECT "id", "note" FROM "submissions_f1" ORDER BY "id" LIMIT 2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "note"}).
			AddRow(int64(998), "a").
			AddRow(int64(999), "b"))
	mock.ExpectQuery(`SELECT "id", "note" FROM "submissions_f1" WHERE "id" > 999 ORDER BY "id" LIMIT 2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "note"}).
			AddRow(int64(1000), "c"))
	mock.ExpectExec("INSERT INTO field_data_backups").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := store.Backup(context.Background(), "form-1", "submissions_f1", "note", "text", backup.PreDelete, "operator-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}
