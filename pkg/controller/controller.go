// SPDX-License-Identifier: Apache-2.0

// Package controller is the outward-facing façade of the field migration
// core: it orchestrates preview, enqueue-on-form-update, manual execution,
// rollback, restore, history, backups, queue status, and cleanup over the
// component packages. One Controller is constructed at process startup and
// passed by reference into request handlers.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/catalog"
	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/executor"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
	"github.com/qcollector/fieldmigration/pkg/queue"
)

// History listing bounds per the operator API contract.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Cleanup window bounds, in days.
const (
	MinCleanupDays     = 30
	MaxCleanupDays     = 365
	DefaultCleanupDays = 90
)

// Controller orchestrates the field migration core.
type Controller struct {
	forms    form.Repository
	catalog  *catalog.Catalog
	executor *executor.Executor
	queue    *queue.Queue
	journal  journal.Journal
	backups  backup.Store
	logger   migrationlog.Logger
}

// New wires a Controller and its per-form queue. The Controller itself is
// the queue's runner: workers dispatch claimed jobs back into it.
func New(d db.DB, forms form.Repository, exec *executor.Executor, j journal.Journal, b backup.Store, logger migrationlog.Logger, queueOpts ...queue.Option) *Controller {
	c := &Controller{
		forms:    forms,
		catalog:  catalog.New(),
		executor: exec,
		journal:  j,
		backups:  b,
		logger:   logger,
	}
	c.queue = queue.New(d, c, executor.IsTransient, logger, queueOpts...)
	return c
}

// Queue exposes the controller's queue for lifecycle management (Init,
// Start, Stop) by the process entry point.
func (c *Controller) Queue() *queue.Queue {
	return c.queue
}

// Summary aggregates a preview across its changes.
type Summary struct {
	TotalChanges   int  `json:"totalChanges"`
	ValidChanges   int  `json:"validChanges"`
	InvalidChanges int  `json:"invalidChanges"`
	RequiresBackup bool `json:"requiresBackup"`
}

// PreviewResult is the outcome of a plan preview.
type PreviewResult struct {
	Preview []executor.OpPreview `json:"preview"`
	Summary Summary              `json:"summary"`
}

// PreviewPlan computes the would-be effect of a plan without executing
// anything.
func (c *Controller) PreviewPlan(ctx context.Context, formID string, changes []detector.Change) (*PreviewResult, error) {
	planned, err := c.resolvePlan(ctx, formID, changes)
	if err != nil {
		return nil, err
	}

	previews := c.executor.PreviewMigration(ctx, planned)

	var summary Summary
	summary.TotalChanges = len(previews)
	for _, p := range previews {
		if p.Valid {
			summary.ValidChanges++
		} else {
			summary.InvalidChanges++
		}
		if p.RequiresBackup {
			summary.RequiresBackup = true
		}
	}

	return &PreviewResult{Preview: previews, Summary: summary}, nil
}

// QueuedJob describes one enqueued migration in an execute response.
type QueuedJob struct {
	JobID         string        `json:"jobId"`
	Type          queue.JobType `json:"type"`
	ColumnName    string        `json:"columnName"`
	Status        string        `json:"status"`
	QueuePosition int           `json:"queuePosition"`
}

// UpdateFormFields is invoked by the form-update collaborator after the
// form's own transactional update has committed. It detects the field-list
// delta and enqueues one job per primitive change. The form update's
// success is never conditional on migration success: anything the workers
// discover later is reported asynchronously via queue status, history, and
// the notification channel.
func (c *Controller) UpdateFormFields(ctx context.Context, formID string, oldFields, newFields []form.Field, actor string) ([]QueuedJob, error) {
	plan := detector.Detect(oldFields, newFields)
	if len(plan) == 0 {
		return nil, nil
	}
	return c.enqueuePlan(ctx, formID, plan, actor)
}

// ExecutePlan enqueues an operator-authored plan directly, without
// detector comparison.
func (c *Controller) ExecutePlan(ctx context.Context, formID string, changes []detector.Change, actor string) ([]QueuedJob, error) {
	if _, err := c.forms.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	return c.enqueuePlan(ctx, formID, changes, actor)
}

func (c *Controller) enqueuePlan(ctx context.Context, formID string, plan []detector.Change, actor string) ([]QueuedJob, error) {
	jobs := make([]QueuedJob, 0, len(plan))
	for i := range plan {
		change := plan[i]
		payload := queue.Payload{
			Type:   queue.JobType(change.Kind),
			Change: &change,
			Actor:  actor,
		}

		jobID, err := c.queue.Enqueue(ctx, formID, payload)
		if err != nil {
			return jobs, fmt.Errorf("unable to enqueue %s for field %q: %w", change.Kind, change.FieldID, err)
		}

		pos, err := c.queue.Position(ctx, jobID)
		if err != nil {
			pos = i
		}

		jobs = append(jobs, QueuedJob{
			JobID:         jobID,
			Type:          payload.Type,
			ColumnName:    columnOf(change),
			Status:        "queued",
			QueuePosition: pos,
		})
	}
	return jobs, nil
}

func columnOf(change detector.Change) string {
	switch change.Kind {
	case detector.RenameField:
		return change.NewColumnName
	case detector.ChangeType:
		return change.Column
	default:
		return change.ColumnName
	}
}

// resolvePlan binds each change to the physical table it targets. The
// resolution is performed fresh on every call and never cached: a
// preceding rename may have changed the table.
func (c *Controller) resolvePlan(ctx context.Context, formID string, changes []detector.Change) ([]executor.PlannedChange, error) {
	f, err := c.forms.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if f.TableName == "" {
		return nil, NoTableError{FormID: formID}
	}
	subForms, err := c.forms.SubForms(ctx, formID)
	if err != nil {
		return nil, err
	}

	planned := make([]executor.PlannedChange, 0, len(changes))
	for _, change := range changes {
		table, err := c.catalog.ResolveTableForField(form.Field{ID: change.FieldID, SubFormID: change.SubFormID}, *f, subForms)
		if err != nil {
			return nil, err
		}
		planned = append(planned, executor.PlannedChange{Change: change, TableName: table})
	}
	return planned, nil
}

// ListHistory lists a form's migration journal, most-recent-first. The
// limit is clamped to the API contract's bounds.
func (c *Controller) ListHistory(ctx context.Context, formID string, opts journal.ListOptions) ([]journal.FieldMigration, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultHistoryLimit
	}
	if opts.Limit > MaxHistoryLimit {
		opts.Limit = MaxHistoryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return c.journal.ByForm(ctx, formID, opts)
}

// ListBackups lists a form's column backups, most-recent-first.
func (c *Controller) ListBackups(ctx context.Context, formID string, includeExpired bool, limit, offset int) ([]backup.FieldDataBackup, int, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return c.backups.ListByForm(ctx, formID, includeExpired, limit, offset)
}

// QueueStatus returns queue counts for one form, or the whole queue when
// formID is empty.
func (c *Controller) QueueStatus(ctx context.Context, formID string) (*queue.FormStatus, error) {
	return c.queue.Status(ctx, formID)
}

// CleanupResult reports what a cleanup deleted, or would delete in dry-run
// mode.
type CleanupResult struct {
	DeletedCount     int       `json:"deletedCount,omitempty"`
	WouldDeleteCount int       `json:"wouldDeleteCount,omitempty"`
	CutoffDate       time.Time `json:"cutoffDate"`
	Days             int       `json:"days"`
	DryRun           bool      `json:"dryRun"`
}

// Cleanup deletes expired backups older than days. A dry run reports what
// a real run with the same cutoff would delete, without deleting anything.
func (c *Controller) Cleanup(ctx context.Context, days int, dryRun bool) (*CleanupResult, error) {
	if days == 0 {
		days = DefaultCleanupDays
	}
	if days < MinCleanupDays || days > MaxCleanupDays {
		return nil, InvalidCleanupWindowError{Days: days}
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	result := &CleanupResult{CutoffDate: cutoff, Days: days, DryRun: dryRun}

	if dryRun {
		n, err := c.backups.CountExpired(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		result.WouldDeleteCount = n
		return result, nil
	}

	n, err := c.backups.SweepExpired(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	result.DeletedCount = n
	c.logger.LogSweepComplete(n)
	return result, nil
}

// SweepRetention is the periodic retention sweep: it removes every backup
// past its retention deadline, and prunes successful journal entries and
// completed/failed job rows older than journalHorizon. A zero journalHorizon
// keeps both.
func (c *Controller) SweepRetention(ctx context.Context, journalHorizon time.Duration) (int, error) {
	deleted, err := c.backups.SweepExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	c.logger.LogSweepComplete(deleted)

	if journalHorizon > 0 {
		cutoff := time.Now().Add(-journalHorizon)
		if _, err := c.journal.DeleteSuccessfulBefore(ctx, cutoff); err != nil {
			return deleted, err
		}
		if _, err := c.queue.DrainCompleted(ctx, cutoff); err != nil {
			return deleted, err
		}
		if _, err := c.queue.DrainFailed(ctx, cutoff); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
