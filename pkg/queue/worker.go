// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qcollector/fieldmigration/pkg/journal"
)

// worker is the logical execution context for one form. Its goroutine is
// started lazily on the form's first enqueue and exits once the form's
// queue is empty.
type worker struct {
	formID string
	wake   chan struct{}
}

// ensureWorker starts a worker for formID if none is running, or wakes the
// running one. Before Start (or after Stop) it does nothing; the job row is
// durable and the next Start resumes it.
func (q *Queue) ensureWorker(formID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return
	}
	if w, ok := q.workers[formID]; ok {
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return
	}

	w := &worker{formID: formID, wake: make(chan struct{}, 1)}
	q.workers[formID] = w
	q.wg.Add(1)
	go q.runWorker(w)
}

func (q *Queue) removeWorker(formID string) {
	q.mu.Lock()
	delete(q.workers, formID)
	q.mu.Unlock()
}

// runWorker drains one form's FIFO: claim the next due job, run it, loop.
// When nothing is due it sleeps until the earliest delayed retry, a wake
// signal, or shutdown; when nothing is waiting at all it exits.
func (q *Queue) runWorker(w *worker) {
	defer q.wg.Done()

	for {
		if q.ctx.Err() != nil {
			q.removeWorker(w.formID)
			return
		}

		job, err := q.claim(q.ctx, w.formID)
		if err != nil {
			if q.ctx.Err() != nil {
				q.removeWorker(w.formID)
				return
			}
			q.logger.Info("unable to claim migration job", "form_id", w.formID, "error", err.Error())
			q.sleep(w, q.poll)
			continue
		}
		if job != nil {
			q.execute(job)
			continue
		}

		// Nothing due. Exit if the form's queue is empty; the registry
		// lock is held across the check so a concurrent Enqueue either
		// sees this worker or this worker sees its row.
		q.mu.Lock()
		waiting, earliest, perr := q.pending(q.ctx, w.formID)
		if perr == nil && waiting == 0 {
			delete(q.workers, w.formID)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		delay := q.poll
		if perr == nil {
			if d := time.Until(earliest); d > delay {
				delay = d
			}
		}
		q.sleep(w, delay)
	}
}

func (q *Queue) sleep(w *worker, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
	case <-t.C:
	case <-w.wake:
	}
}

// claim atomically moves the form's earliest due waiting job to active,
// counting the attempt. Returns nil when nothing is due.
func (q *Queue) claim(ctx context.Context, formID string) (*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE migration_jobs SET state = 'active', attempts = attempts + 1
		WHERE id = (
			SELECT id FROM migration_jobs
			WHERE form_id = $1 AND state = 'waiting' AND next_run_at <= now()
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanJob(rows)
}

// execute runs one claimed job and records its outcome: completed, returned
// to waiting with a backoff delay (transient error, attempts left), or
// failed permanently with an operational alert.
func (q *Queue) execute(job *Job) {
	err := q.runner.Run(q.ctx, job)
	if err == nil {
		if _, uerr := q.db.ExecContext(q.ctx, `
			UPDATE migration_jobs SET state = 'completed', finished_at = now() WHERE id = $1`,
			job.ID); uerr != nil {
			q.logger.Info("unable to mark job completed", "job_id", job.ID, "error", uerr.Error())
		}
		return
	}

	if q.retryable(err) && job.Attempts < job.MaxAttempts {
		delay := q.retryDelay(job.Attempts)
		if _, uerr := q.db.ExecContext(q.ctx, `
			UPDATE migration_jobs SET state = 'waiting', next_run_at = now() + $2 * interval '1 millisecond', last_error = $3
			WHERE id = $1`,
			job.ID, delay.Milliseconds(), err.Error()); uerr != nil {
			q.logger.Info("unable to reschedule job", "job_id", job.ID, "error", uerr.Error())
		}
		q.logger.LogJobRetry(job.ID, job.FormID, job.Attempts, err)
		return
	}

	if _, uerr := q.db.ExecContext(q.ctx, `
		UPDATE migration_jobs SET state = 'failed', last_error = $2, finished_at = now() WHERE id = $1`,
		job.ID, err.Error()); uerr != nil {
		q.logger.Info("unable to mark job failed", "job_id", job.ID, "error", uerr.Error())
	}
	q.logger.LogJobFailed(job.ID, job.FormID, job.Attempts, err)
	q.notifier.NotifyJobFailed(q.ctx, job, err)
}

// pending returns the number of waiting jobs for formID and the earliest
// next_run_at among them.
func (q *Queue) pending(ctx context.Context, formID string) (int, time.Time, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT count(*), COALESCE(min(next_run_at), now())
		FROM migration_jobs WHERE form_id = $1 AND state = 'waiting'`, formID)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer rows.Close()

	var n int
	var earliest time.Time
	if rows.Next() {
		if err := rows.Scan(&n, &earliest); err != nil {
			return 0, time.Time{}, err
		}
	}
	return n, earliest, rows.Err()
}

func (q *Queue) activeJob(ctx context.Context, formID string) (*Job, error) {
	rows, err := q.db.QueryContext(ctx, scanJobQuery+" WHERE form_id = $1 AND state = 'active' LIMIT 1", formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanJob(rows)
}

const jobColumns = `id, form_id, payload, state, attempts, max_attempts, next_run_at, COALESCE(last_error, ''), enqueued_at`

const scanJobQuery = `SELECT ` + jobColumns + ` FROM migration_jobs`

func scanJob(rows *sql.Rows) (*Job, error) {
	var j Job
	var state string
	var payload []byte

	if err := rows.Scan(&j.ID, &j.FormID, &payload, &state, &j.Attempts, &j.MaxAttempts,
		&j.NextRunAt, &j.LastError, &j.EnqueuedAt); err != nil {
		return nil, err
	}
	j.State = State(state)

	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("unable to unmarshal job payload: %w", err)
	}
	return &j, nil
}

func migrationTypeOf(t JobType) journal.MigrationType {
	switch t {
	case JobAddField:
		return journal.AddColumn
	case JobDeleteField:
		return journal.DropColumn
	case JobRenameField:
		return journal.RenameColumn
	case JobChangeType:
		return journal.ModifyColumn
	default:
		return journal.Restore
	}
}
