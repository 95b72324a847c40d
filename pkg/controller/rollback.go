// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/queue"
)

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	MigrationID         string `json:"migrationId"`
	RollbackMigrationID string `json:"rollbackMigrationId"`
	Description         string `json:"description"`
}

// Rollback executes a journal entry's stored rollback SQL inside a
// transaction and writes a new journal entry with the old/new values
// swapped. The new entry carries no rollback SQL of its own: a rollback is
// not itself rollback-able by SQL.
func (c *Controller) Rollback(ctx context.Context, migrationID, actor string) (*RollbackResult, error) {
	entry, err := c.journal.Get(ctx, migrationID)
	if err != nil {
		return nil, err
	}

	// A deleted form leaves currentFields empty, which keeps the
	// ADD_COLUMN orphan check permissive: there is no live field left to
	// orphan.
	var currentFields []form.Field
	if f, ferr := c.forms.GetForm(ctx, entry.FormID); ferr == nil {
		currentFields = f.Fields
	}

	ok, reason := journal.CanRollback(*entry, currentFields)
	if !ok {
		return nil, RollbackNotAllowedError{MigrationID: migrationID, Reason: reason}
	}

	rollbackEntry := journal.FieldMigration{
		FieldID:       entry.FieldID,
		FormID:        entry.FormID,
		MigrationType: entry.MigrationType,
		TableName:     entry.TableName,
		ColumnName:    entry.ColumnName,
		OldValue:      entry.NewValue,
		NewValue:      entry.OldValue,
		ExecutedBy:    actor,
	}

	recorded, err := c.executor.ExecuteSQL(ctx, entry.RollbackSQL, rollbackEntry)
	if err != nil {
		return nil, fmt.Errorf("rollback of migration %q failed: %w", migrationID, err)
	}

	return &RollbackResult{
		MigrationID:         migrationID,
		RollbackMigrationID: recorded.ID,
		Description: fmt.Sprintf("rolled back %s on %s.%s",
			entry.MigrationType, entry.TableName, entry.ColumnName),
	}, nil
}

// RestoreQueued reports a restore accepted onto its form's queue. The
// restore serializes behind any waiting migrations for the same form; its
// row count lands in the RESTORE journal entry once the worker runs it.
type RestoreQueued struct {
	BackupID   string `json:"backupId"`
	JobID      string `json:"jobId"`
	TableName  string `json:"tableName"`
	ColumnName string `json:"columnName"`
}

// Restore enqueues a RESTORE for the given backup on its form's queue.
// Missing and expired backups are rejected synchronously.
func (c *Controller) Restore(ctx context.Context, backupID, actor string) (*RestoreQueued, error) {
	b, err := c.backups.Get(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if time.Now().After(b.RetentionUntil) {
		return nil, backup.BackupExpiredError{BackupID: backupID, RetentionUntil: b.RetentionUntil}
	}

	jobID, err := c.queue.Enqueue(ctx, b.FormID, queue.Payload{
		Type:     queue.JobRestore,
		BackupID: backupID,
		Actor:    actor,
	})
	if err != nil {
		return nil, err
	}

	return &RestoreQueued{
		BackupID:   backupID,
		JobID:      jobID,
		TableName:  b.TableName,
		ColumnName: b.ColumnName,
	}, nil
}
