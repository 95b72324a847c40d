// SPDX-License-Identifier: Apache-2.0

// Package executor performs exactly one primitive schema operation per call,
// inside one transaction that also carries the pre-change backup (for
// destructive operations) and the journal entry describing the change. All
// three commit together or none do.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/catalog"
	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
)

// DefaultTimeout bounds how long a single DDL transaction may run before it
// is aborted and left to the queue's retry policy.
const DefaultTimeout = 60 * time.Second

// BackupTaker is the slice of the backup store the executor needs: taking a
// snapshot inside the executor's own transaction.
type BackupTaker interface {
	BackupInTx(ctx context.Context, tx *sql.Tx, formID, tableName, columnName, physicalType string, backupType backup.Type, actor string, retention time.Duration) (string, error)
}

// Executor runs primitive schema operations against the shared database.
type Executor struct {
	db        db.DB
	journal   journal.Journal
	backups   BackupTaker
	logger    migrationlog.Logger
	timeout   time.Duration
	retention time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the per-transaction timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithRetention overrides the retention window applied to backups the
// executor takes. Zero means the backup store's default.
func WithRetention(d time.Duration) Option {
	return func(e *Executor) { e.retention = d }
}

func New(d db.DB, j journal.Journal, b BackupTaker, l migrationlog.Logger, opts ...Option) *Executor {
	e := &Executor{
		db:      d,
		journal: j,
		backups: b,
		logger:  l,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddColumnRequest describes an ADD_COLUMN operation.
type AddColumnRequest struct {
	FormID     string
	FieldID    string
	TableName  string
	ColumnName string
	DataType   form.DataType
	Actor      string
}

// AddColumn adds a new column for a field. No backup is taken; the rollback
// is a plain DROP.
func (e *Executor) AddColumn(ctx context.Context, req AddColumnRequest) (*journal.FieldMigration, error) {
	table, column, err := sanitizePair(req.TableName, req.ColumnName)
	if err != nil {
		return nil, err
	}
	physical, err := catalog.ColumnTypeFor(req.DataType)
	if err != nil {
		return nil, err
	}

	ddl, rollbackSQL := buildAddColumn(table, column, physical)

	entry := journal.FieldMigration{
		FieldID:       req.FieldID,
		FormID:        req.FormID,
		MigrationType: journal.AddColumn,
		TableName:     table,
		ColumnName:    column,
		NewValue:      &journal.ColumnState{ColumnName: column, DataType: req.DataType},
		RollbackSQL:   rollbackSQL,
		ExecutedBy:    req.Actor,
	}

	return e.run(ctx, &entry, func(ctx context.Context, tx *sql.Tx) error {
		exists, err := columnExists(ctx, tx, table, column)
		if err != nil {
			return err
		}
		if exists {
			return ColumnAlreadyExistsError{Table: table, Name: column}
		}
		_, err = tx.ExecContext(ctx, ddl)
		return err
	})
}

// DropColumnRequest describes a DROP_COLUMN operation. Callers set Backup to
// true by default; false is accepted only when the column holds no data.
type DropColumnRequest struct {
	FormID     string
	FieldID    string
	TableName  string
	ColumnName string
	DataType   form.DataType
	Backup     bool
	Actor      string
}

// DropColumn removes a field's column, snapshotting its data first. The
// rollback SQL restores only the column shape; its data is recovered by a
// separate RESTORE against the recorded backup.
func (e *Executor) DropColumn(ctx context.Context, req DropColumnRequest) (*journal.FieldMigration, error) {
	table, column, err := sanitizePair(req.TableName, req.ColumnName)
	if err != nil {
		return nil, err
	}

	entry := journal.FieldMigration{
		FieldID:       req.FieldID,
		FormID:        req.FormID,
		MigrationType: journal.DropColumn,
		TableName:     table,
		ColumnName:    column,
		OldValue:      &journal.ColumnState{ColumnName: column, DataType: req.DataType},
		ExecutedBy:    req.Actor,
	}

	return e.run(ctx, &entry, func(ctx context.Context, tx *sql.Tx) error {
		physical, err := currentColumnType(ctx, tx, table, column)
		if err != nil {
			return err
		}

		if req.Backup {
			backupID, err := e.backups.BackupInTx(ctx, tx, req.FormID, table, column, physical, backup.PreDelete, req.Actor, e.retention)
			if err != nil {
				return err
			}
			entry.BackupID = backupID
			e.logger.LogBackupTaken(backupID, table, column)
		} else {
			var hasData bool
			q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s IS NOT NULL)", pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))
			if err := tx.QueryRowContext(ctx, q).Scan(&hasData); err != nil {
				return err
			}
			if hasData {
				return fmt.Errorf("column %q on table %q holds data; dropping it requires a backup", column, table)
			}
		}

		ddl, rollbackSQL := buildDropColumn(table, column, physical)
		entry.RollbackSQL = rollbackSQL

		_, err = tx.ExecContext(ctx, ddl)
		return err
	})
}

// RenameColumnRequest describes a RENAME_COLUMN operation.
type RenameColumnRequest struct {
	FormID    string
	FieldID   string
	TableName string
	OldName   string
	NewName   string
	Actor     string
}

// RenameColumn renames a field's column. No backup is taken; the rollback
// is the inverse rename.
func (e *Executor) RenameColumn(ctx context.Context, req RenameColumnRequest) (*journal.FieldMigration, error) {
	table, oldName, err := sanitizePair(req.TableName, req.OldName)
	if err != nil {
		return nil, err
	}
	newName, err := catalog.SanitizeIdentifier(req.NewName)
	if err != nil {
		return nil, err
	}

	ddl, rollbackSQL := buildRenameColumn(table, oldName, newName)

	entry := journal.FieldMigration{
		FieldID:       req.FieldID,
		FormID:        req.FormID,
		MigrationType: journal.RenameColumn,
		TableName:     table,
		ColumnName:    newName,
		OldValue:      &journal.ColumnState{ColumnName: oldName},
		NewValue:      &journal.ColumnState{ColumnName: newName},
		RollbackSQL:   rollbackSQL,
		ExecutedBy:    req.Actor,
	}

	return e.run(ctx, &entry, func(ctx context.Context, tx *sql.Tx) error {
		exists, err := columnExists(ctx, tx, table, oldName)
		if err != nil {
			return err
		}
		if !exists {
			return ColumnDoesNotExistError{Table: table, Name: oldName}
		}
		taken, err := columnExists(ctx, tx, table, newName)
		if err != nil {
			return err
		}
		if taken {
			return ColumnAlreadyExistsError{Table: table, Name: newName}
		}
		_, err = tx.ExecContext(ctx, ddl)
		return err
	})
}

// ModifyColumnTypeRequest describes a MODIFY_COLUMN operation.
type ModifyColumnTypeRequest struct {
	FormID     string
	FieldID    string
	TableName  string
	ColumnName string
	OldType    form.DataType
	NewType    form.DataType
	Actor      string
}

// ModifyColumnType changes a column's physical type after validating that
// every existing value survives the conversion. A PRE_TYPE_CHANGE backup is
// taken so a lossy-but-valid conversion remains recoverable. Validation
// failures abort before backup; no journal entry is written because no DDL
// was attempted.
func (e *Executor) ModifyColumnType(ctx context.Context, req ModifyColumnTypeRequest) (*journal.FieldMigration, error) {
	table, column, err := sanitizePair(req.TableName, req.ColumnName)
	if err != nil {
		return nil, err
	}
	oldPhysical, err := catalog.ColumnTypeFor(req.OldType)
	if err != nil {
		return nil, err
	}
	newPhysical, err := catalog.ColumnTypeFor(req.NewType)
	if err != nil {
		return nil, err
	}

	if err := ValidateConversion(ctx, e.db, table, column, req.OldType, req.NewType); err != nil {
		return nil, err
	}

	ddl, rollbackSQL := buildModifyType(table, column, oldPhysical, newPhysical)

	entry := journal.FieldMigration{
		FieldID:       req.FieldID,
		FormID:        req.FormID,
		MigrationType: journal.ModifyColumn,
		TableName:     table,
		ColumnName:    column,
		OldValue:      &journal.ColumnState{ColumnName: column, DataType: req.OldType},
		NewValue:      &journal.ColumnState{ColumnName: column, DataType: req.NewType},
		RollbackSQL:   rollbackSQL,
		ExecutedBy:    req.Actor,
	}

	return e.run(ctx, &entry, func(ctx context.Context, tx *sql.Tx) error {
		physical, err := currentColumnType(ctx, tx, table, column)
		if err != nil {
			return err
		}

		backupID, err := e.backups.BackupInTx(ctx, tx, req.FormID, table, column, physical, backup.PreTypeChange, req.Actor, e.retention)
		if err != nil {
			return err
		}
		entry.BackupID = backupID
		e.logger.LogBackupTaken(backupID, table, column)

		_, err = tx.ExecContext(ctx, ddl)
		return err
	})
}

// ExecuteSQL runs a precomputed statement (a journal entry's rollback SQL)
// inside the same transactional envelope and records the outcome as entry.
// The statement was constructed by this executor from sanitized identifiers
// at original execution time.
func (e *Executor) ExecuteSQL(ctx context.Context, statement string, entry journal.FieldMigration) (*journal.FieldMigration, error) {
	return e.run(ctx, &entry, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, statement)
		return err
	})
}

// run is the shared transactional envelope: execute fn, journal the success
// inside the same transaction, commit. On error the transaction is rolled
// back and a failure entry is recorded outside it so operators can see what
// was attempted and why it failed.
func (e *Executor) run(ctx context.Context, entry *journal.FieldMigration, fn func(context.Context, *sql.Tx) error) (*journal.FieldMigration, error) {
	e.logger.LogMigrationStart(entry)

	txCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	err := e.db.WithRetryableTransaction(txCtx, func(ctx context.Context, tx *sql.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		entry.Success = true
		entry.ExecutedAt = time.Now()
		id, err := e.journal.RecordInTx(ctx, tx, *entry)
		if err != nil {
			return err
		}
		entry.ID = id
		return nil
	})
	if err != nil {
		e.recordFailure(ctx, *entry, err)
		e.logger.LogMigrationFailed(entry, err)
		return nil, err
	}

	e.logger.LogMigrationComplete(entry)
	return entry, nil
}

// recordFailure writes a success=false journal entry outside the rolled-back
// transaction. Best-effort: a failure to record the failure is logged, not
// propagated, so the original error reaches the caller.
func (e *Executor) recordFailure(ctx context.Context, entry journal.FieldMigration, cause error) {
	entry.ID = ""
	entry.Success = false
	entry.RollbackSQL = ""
	entry.BackupID = ""
	entry.ErrorMessage = cause.Error()
	entry.ExecutedAt = time.Now()

	if _, err := e.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Info("unable to record migration failure", "form_id", entry.FormID, "error", err.Error())
	}
}

func sanitizePair(tableName, columnName string) (string, string, error) {
	table, err := catalog.SanitizeIdentifier(tableName)
	if err != nil {
		return "", "", err
	}
	column, err := catalog.SanitizeIdentifier(columnName)
	if err != nil {
		return "", "", err
	}
	return table, column, nil
}

func buildAddColumn(table, column, physical string) (ddl, rollback string) {
	ddl = fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column), physical)
	rollback = fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))
	return ddl, rollback
}

func buildDropColumn(table, column, physical string) (ddl, rollback string) {
	ddl = fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))
	rollback = fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column), physical)
	return ddl, rollback
}

func buildRenameColumn(table, oldName, newName string) (ddl, rollback string) {
	ddl = fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(oldName), pq.QuoteIdentifier(newName))
	rollback = fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(newName), pq.QuoteIdentifier(oldName))
	return ddl, rollback
}

func buildModifyType(table, column, oldPhysical, newPhysical string) (ddl, rollback string) {
	ddl = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column), newPhysical,
		pq.QuoteIdentifier(column), newPhysical)
	rollback = fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column), oldPhysical,
		pq.QuoteIdentifier(column), oldPhysical)
	return ddl, rollback
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
	return exists, err
}

// currentColumnType reads a column's physical type from the database
// catalog. This is the one place types come from the catalog rather than
// the fixed type map: DROP's rollback SQL must restore the column exactly
// as it was.
func currentColumnType(ctx context.Context, tx *sql.Tx, table, column string) (string, error) {
	const query = `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1::regclass AND a.attname = $2 AND NOT a.attisdropped`

	var physical string
	err := tx.QueryRowContext(ctx, query, table, column).Scan(&physical)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ColumnDoesNotExistError{Table: table, Name: column}
		}
		return "", err
	}
	return physical, nil
}
