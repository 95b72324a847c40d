// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"fmt"

	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/executor"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/queue"
)

var _ queue.Runner = (*Controller)(nil)

// Run executes one claimed queue job by dispatching on its payload tag into
// the DDL executor. Table resolution happens here, at execution time, so a
// preceding rename in the same queue is always observed.
func (c *Controller) Run(ctx context.Context, job *queue.Job) error {
	p := job.Payload

	if p.Type == queue.JobRestore {
		return c.runRestore(ctx, job)
	}

	if p.Change == nil {
		return fmt.Errorf("job %q has no change payload", job.ID)
	}
	change := *p.Change

	planned, err := c.resolvePlan(ctx, job.FormID, []detector.Change{change})
	if err != nil {
		return err
	}
	table := planned[0].TableName

	switch p.Type {
	case queue.JobAddField:
		_, err = c.executor.AddColumn(ctx, executor.AddColumnRequest{
			FormID:     job.FormID,
			FieldID:    change.FieldID,
			TableName:  table,
			ColumnName: change.ColumnName,
			DataType:   change.DataType,
			Actor:      p.Actor,
		})
	case queue.JobDeleteField:
		_, err = c.executor.DropColumn(ctx, executor.DropColumnRequest{
			FormID:     job.FormID,
			FieldID:    change.FieldID,
			TableName:  table,
			ColumnName: change.ColumnName,
			DataType:   change.DataType,
			Backup:     change.Backup,
			Actor:      p.Actor,
		})
	case queue.JobRenameField:
		_, err = c.executor.RenameColumn(ctx, executor.RenameColumnRequest{
			FormID:    job.FormID,
			FieldID:   change.FieldID,
			TableName: table,
			OldName:   change.OldColumnName,
			NewName:   change.NewColumnName,
			Actor:     p.Actor,
		})
	case queue.JobChangeType:
		_, err = c.executor.ModifyColumnType(ctx, executor.ModifyColumnTypeRequest{
			FormID:     job.FormID,
			FieldID:    change.FieldID,
			TableName:  table,
			ColumnName: change.Column,
			OldType:    change.OldType,
			NewType:    change.NewType,
			Actor:      p.Actor,
		})
	default:
		err = fmt.Errorf("unknown migration job type %q", p.Type)
	}
	return err
}

// runRestore re-applies a backup's snapshot and journals the restore as a
// migration in its own right.
func (c *Controller) runRestore(ctx context.Context, job *queue.Job) error {
	b, err := c.backups.Get(ctx, job.Payload.BackupID)
	if err != nil {
		return err
	}

	entry := journal.FieldMigration{
		FormID:        b.FormID,
		MigrationType: journal.Restore,
		TableName:     b.TableName,
		ColumnName:    b.ColumnName,
		BackupID:      b.ID,
		NewValue:      &journal.ColumnState{ColumnName: b.ColumnName},
		ExecutedBy:    job.Payload.Actor,
	}

	restored, err := c.backups.Restore(ctx, b.ID, job.Payload.Actor)
	if err != nil {
		entry.ErrorMessage = err.Error()
		if _, jerr := c.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
			c.logger.Info("unable to record restore failure", "backup_id", b.ID, "error", jerr.Error())
		}
		return err
	}

	entry.Success = true
	if _, err := c.journal.Record(ctx, entry); err != nil {
		return err
	}
	c.logger.LogRestoreComplete(b.ID, restored)
	return nil
}
