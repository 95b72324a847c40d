// SPDX-License-Identifier: Apache-2.0

// Package migrationlog provides structured console logging for migration
// activity, with a no-op implementation for library callers and tests that
// don't want console output.
package migrationlog

import (
	"github.com/pterm/pterm"

	"github.com/qcollector/fieldmigration/pkg/journal"
)

// Logger is responsible for logging all migration activity.
type Logger interface {
	LogMigrationStart(m *journal.FieldMigration)
	LogMigrationComplete(m *journal.FieldMigration)
	LogMigrationFailed(m *journal.FieldMigration, err error)

	LogJobEnqueued(jobID, formID string, migrationType journal.MigrationType)
	LogJobRetry(jobID, formID string, attempt int, err error)
	LogJobFailed(jobID, formID string, attempts int, err error)

	LogBackupTaken(backupID, tableName, columnName string)
	LogRestoreComplete(backupID string, restoredRows int)
	LogSweepComplete(deleted int)

	Info(msg string, args ...any)
}

type migrationLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

func NewLogger() Logger {
	return &migrationLogger{logger: pterm.DefaultLogger}
}

func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *migrationLogger) LogMigrationStart(m *journal.FieldMigration) {
	l.logger.Info("starting migration", l.logger.Args([]any{
		"type", string(m.MigrationType),
		"table", m.TableName,
		"column", m.ColumnName,
		"form_id", m.FormID,
	}))
}

func (l *migrationLogger) LogMigrationComplete(m *journal.FieldMigration) {
	l.logger.Info("completed migration", l.logger.Args([]any{
		"type", string(m.MigrationType),
		"table", m.TableName,
		"column", m.ColumnName,
		"form_id", m.FormID,
		"backup_id", m.BackupID,
	}))
}

func (l *migrationLogger) LogMigrationFailed(m *journal.FieldMigration, err error) {
	l.logger.Error("migration failed", l.logger.Args([]any{
		"type", string(m.MigrationType),
		"table", m.TableName,
		"column", m.ColumnName,
		"form_id", m.FormID,
		"error", err.Error(),
	}))
}

func (l *migrationLogger) LogJobEnqueued(jobID, formID string, migrationType journal.MigrationType) {
	l.logger.Info("enqueued migration job", l.logger.Args([]any{
		"job_id", jobID,
		"form_id", formID,
		"type", string(migrationType),
	}))
}

func (l *migrationLogger) LogJobRetry(jobID, formID string, attempt int, err error) {
	l.logger.Warn("retrying migration job", l.logger.Args([]any{
		"job_id", jobID,
		"form_id", formID,
		"attempt", attempt,
		"error", err.Error(),
	}))
}

func (l *migrationLogger) LogJobFailed(jobID, formID string, attempts int, err error) {
	l.logger.Error("migration job failed permanently", l.logger.Args([]any{
		"job_id", jobID,
		"form_id", formID,
		"attempts", attempts,
		"error", err.Error(),
	}))
}

func (l *migrationLogger) LogBackupTaken(backupID, tableName, columnName string) {
	l.logger.Info("backup taken", l.logger.Args([]any{
		"backup_id", backupID,
		"table", tableName,
		"column", columnName,
	}))
}

func (l *migrationLogger) LogRestoreComplete(backupID string, restoredRows int) {
	l.logger.Info("restore complete", l.logger.Args([]any{
		"backup_id", backupID,
		"restored_rows", restoredRows,
	}))
}

func (l *migrationLogger) LogSweepComplete(deleted int) {
	l.logger.Info("retention sweep complete", l.logger.Args("deleted", deleted))
}

func (l *migrationLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogMigrationStart(*journal.FieldMigration)            {}
func (l *noopLogger) LogMigrationComplete(*journal.FieldMigration)         {}
func (l *noopLogger) LogMigrationFailed(*journal.FieldMigration, error)    {}
func (l *noopLogger) LogJobEnqueued(string, string, journal.MigrationType) {}
func (l *noopLogger) LogJobRetry(string, string, int, error)               {}
func (l *noopLogger) LogJobFailed(string, string, int, error)              {}
func (l *noopLogger) LogBackupTaken(string, string, string)                {}
func (l *noopLogger) LogRestoreComplete(string, int)                       {}
func (l *noopLogger) LogSweepComplete(int)                                 {}
func (l *noopLogger) Info(string, ...any)                                  {}
