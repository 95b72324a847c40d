// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/qcollector/fieldmigration/pkg/db"
)

const sqlInit = `
CREATE TABLE IF NOT EXISTS field_data_backups (
	id              UUID PRIMARY KEY,
	form_id         TEXT NOT NULL,
	table_name      TEXT NOT NULL,
	column_name     TEXT NOT NULL,
	backup_type     TEXT NOT NULL,
	physical_type   TEXT NOT NULL,
	data_snapshot   JSONB NOT NULL,
	retention_until TIMESTAMPTZ NOT NULL,
	created_by      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS field_data_backups_form_id_idx ON field_data_backups (form_id, created_at DESC);
CREATE INDEX IF NOT EXISTS field_data_backups_retention_idx ON field_data_backups (retention_until);
`

// PostgresStore is the Postgres-backed implementation of Store, storing
// snapshots in table_name: field_data_backups with a JSONB data_snapshot
// column, following the teacher's own JSONB-column state store
// (pkg/state/state.go) and its idempotent Init bootstrap.
type PostgresStore struct {
	db        db.DB
	batchSize int
}

// NewPostgresStore returns a PostgresStore. batchSize of 0 uses
// defaultBatchSize.
func NewPostgresStore(d db.DB, batchSize int) *PostgresStore {
	return &PostgresStore{db: d, batchSize: batchSize}
}

// Init creates the field_data_backups table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlInit)
	return err
}

var _ Store = (*PostgresStore)(nil)

// Backup reads (rowId, value) for every row of tableName.columnName inside
// one REPEATABLE READ transaction so the snapshot is point-in-time
// consistent, chunking the read by primary-key range for large tables.
func (s *PostgresStore) Backup(ctx context.Context, formID, tableName, columnName, physicalType string, backupType Type, actor string, retention time.Duration) (string, error) {
	retention, err := ValidateRetention(retention)
	if err != nil {
		return "", err
	}

	var id string
	err = s.db.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
			return err
		}

		var err error
		id, err = s.backupInTx(ctx, tx, formID, tableName, columnName, physicalType, backupType, actor, retention)
		return err
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// BackupInTx takes a snapshot inside the caller's transaction, so the
// backup row commits or rolls back together with the destructive DDL it
// protects. The retention window must already be validated; a zero value
// uses the default.
func (s *PostgresStore) BackupInTx(ctx context.Context, tx *sql.Tx, formID, tableName, columnName, physicalType string, backupType Type, actor string, retention time.Duration) (string, error) {
	retention, err := ValidateRetention(retention)
	if err != nil {
		return "", err
	}
	return s.backupInTx(ctx, tx, formID, tableName, columnName, physicalType, backupType, actor, retention)
}

func (s *PostgresStore) backupInTx(ctx context.Context, tx *sql.Tx, formID, tableName, columnName, physicalType string, backupType Type, actor string, retention time.Duration) (string, error) {
	id := uuid.New().String()
	retentionUntil := time.Now().Add(retention)

	exists, err := tableExists(ctx, tx, tableName)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", TableMissingError{TableName: tableName}
	}

	colExists, err := columnExists(ctx, tx, tableName, columnName)
	if err != nil {
		return "", err
	}
	if !colExists {
		return "", ColumnMissingError{TableName: tableName, ColumnName: columnName}
	}

	pk, err := primaryKeyColumn(ctx, tx, tableName)
	if err != nil {
		return "", err
	}

	rows, err := readColumnChunked(ctx, tx, tableName, pk, columnName, s.batchSize)
	if err != nil {
		return "", err
	}

	snapshot, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO field_data_backups
			(id, form_id, table_name, column_name, backup_type, physical_type, data_snapshot, retention_until, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, formID, tableName, columnName, string(backupType), physicalType, snapshot, retentionUntil, actor)
	if err != nil {
		return "", err
	}

	return id, nil
}

// Restore re-applies a backup's snapshot by primary key. It takes a row
// lock on the backup for the duration of the restore so the retention
// sweeper cannot delete it mid-operation.
func (s *PostgresStore) Restore(ctx context.Context, backupID, actor string) (int, error) {
	var restored int

	err := s.db.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		b, err := getForUpdate(ctx, tx, backupID)
		if err != nil {
			return err
		}

		if time.Now().After(b.RetentionUntil) {
			return BackupExpiredError{BackupID: backupID, RetentionUntil: b.RetentionUntil}
		}

		exists, err := tableExists(ctx, tx, b.TableName)
		if err != nil {
			return err
		}
		if !exists {
			return TableMissingError{TableName: b.TableName}
		}

		colExists, err := columnExists(ctx, tx, b.TableName, b.ColumnName)
		if err != nil {
			return err
		}
		if !colExists {
			_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				pq.QuoteIdentifier(b.TableName), pq.QuoteIdentifier(b.ColumnName), b.PhysicalType))
			if err != nil {
				return err
			}
		}

		pk, err := primaryKeyColumn(ctx, tx, b.TableName)
		if err != nil {
			return err
		}

		n, err := restoreRows(ctx, tx, b.TableName, pk, b.ColumnName, b.DataSnapshot)
		if err != nil {
			return err
		}
		restored = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	return restored, nil
}

func restoreRows(ctx context.Context, tx *sql.Tx, tableName, pkColumn, columnName string, rows []RowValue) (int, error) {
	quotedTable := pq.QuoteIdentifier(tableName)
	quotedPK := pq.QuoteIdentifier(pkColumn)
	quotedCol := pq.QuoteIdentifier(columnName)

	restored := 0
	for _, r := range rows {
		query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s::text = $2", quotedTable, quotedCol, quotedPK)
		res, err := tx.ExecContext(ctx, query, r.Value, r.RowID)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		// A row whose primary key no longer exists is silently skipped.
		restored += int(n)
	}
	return restored, nil
}

// Get returns a single backup by id.
func (s *PostgresStore) Get(ctx context.Context, backupID string) (*FieldDataBackup, error) {
	rows, err := s.db.QueryContext(ctx, scanBackupQuery+" WHERE id = $1", backupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, BackupNotFoundError{BackupID: backupID}
	}
	b, err := scanBackup(rows)
	if err != nil {
		return nil, err
	}
	return b, rows.Err()
}

// ListByForm lists backups for formID, most-recent-first.
func (s *PostgresStore) ListByForm(ctx context.Context, formID string, includeExpired bool, limit, offset int) ([]FieldDataBackup, int, error) {
	query := scanBackupQuery + " WHERE form_id = $1"
	args := []any{formID}
	if !includeExpired {
		query += " AND retention_until >= now()"
	}
	query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var backups []FieldDataBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, 0, err
		}
		backups = append(backups, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := "SELECT count(*) FROM field_data_backups WHERE form_id = $1"
	countArgs := []any{formID}
	if !includeExpired {
		countQuery += " AND retention_until >= now()"
	}
	var total int
	countRows, err := s.db.QueryContext(ctx, countQuery, countArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer countRows.Close()
	if err := db.ScanFirstValue(countRows, &total); err != nil {
		return nil, 0, err
	}

	return backups, total, nil
}

// SweepExpired deletes every backup whose retention has elapsed as of
// cutoff. This is a hard delete, not a tombstone (see DESIGN.md's Open
// Question decision).
func (s *PostgresStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := s.db.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM field_data_backups WHERE retention_until < $1", cutoff)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		return nil
	})
	return deleted, err
}

// CountExpired is the read-only companion to SweepExpired.
func (s *PostgresStore) CountExpired(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT count(*) FROM field_data_backups WHERE retention_until < $1", cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int
	if err := db.ScanFirstValue(rows, &n); err != nil {
		return 0, err
	}
	return n, nil
}

const scanBackupQuery = `SELECT id, form_id, table_name, column_name, backup_type, physical_type, data_snapshot, retention_until, created_by, created_at FROM field_data_backups`

func scanBackup(rows *sql.Rows) (*FieldDataBackup, error) {
	var b FieldDataBackup
	var backupType string
	var snapshot []byte
	if err := rows.Scan(&b.ID, &b.FormID, &b.TableName, &b.ColumnName, &backupType, &b.PhysicalType, &snapshot, &b.RetentionUntil, &b.CreatedBy, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.BackupType = Type(backupType)
	if err := json.Unmarshal(snapshot, &b.DataSnapshot); err != nil {
		return nil, fmt.Errorf("unable to unmarshal data_snapshot: %w", err)
	}
	return &b, nil
}

// getForUpdate fetches a backup row with FOR UPDATE, holding a row lock for
// the duration of the enclosing transaction.
func getForUpdate(ctx context.Context, tx *sql.Tx, backupID string) (*FieldDataBackup, error) {
	row := tx.QueryRowContext(ctx, scanBackupQuery+" WHERE id = $1 FOR UPDATE", backupID)

	var b FieldDataBackup
	var backupType string
	var snapshot []byte
	err := row.Scan(&b.ID, &b.FormID, &b.TableName, &b.ColumnName, &backupType, &b.PhysicalType, &snapshot, &b.RetentionUntil, &b.CreatedBy, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, BackupNotFoundError{BackupID: backupID}
		}
		return nil, err
	}
	b.BackupType = Type(backupType)
	if err := json.Unmarshal(snapshot, &b.DataSnapshot); err != nil {
		return nil, fmt.Errorf("unable to unmarshal data_snapshot: %w", err)
	}
	return &b, nil
}

func tableExists(ctx context.Context, tx *sql.Tx, tableName string) (bool, error) {
	var oid sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT to_regclass($1)::text", tableName).Scan(&oid)
	if err != nil {
		return false, err
	}
	return oid.Valid, nil
}

func columnExists(ctx context.Context, tx *sql.Tx, tableName, columnName string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)`, tableName, columnName).Scan(&exists)
	return exists, err
}
