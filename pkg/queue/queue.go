// SPDX-License-Identifier: Apache-2.0

// Package queue serializes migration execution per form and parallelizes it
// across forms. Jobs are durable rows in the migration_jobs table; a process
// restart resumes pending jobs. Each form gets at most one worker goroutine
// at a time, so two jobs of the same form can never run concurrently.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/google/uuid"

	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
)

// JobType tags a job payload's variant.
type JobType string

const (
	JobAddField    JobType = "ADD_FIELD"
	JobDeleteField JobType = "DELETE_FIELD"
	JobRenameField JobType = "RENAME_FIELD"
	JobChangeType  JobType = "CHANGE_TYPE"
	JobRestore     JobType = "RESTORE"
)

// Payload is the tagged variant a job carries: the four field operations
// use Change, RESTORE uses BackupID. The worker switches on Type.
type Payload struct {
	Type     JobType          `json:"type"`
	Change   *detector.Change `json:"change,omitempty"`
	BackupID string           `json:"backupId,omitempty"`
	Actor    string           `json:"actor"`
}

// State is a job's lifecycle state.
type State string

const (
	Waiting   State = "waiting"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

// Job is one durable unit of work for a form's worker.
type Job struct {
	ID          string
	FormID      string
	Payload     Payload
	State       State
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	LastError   string
	EnqueuedAt  time.Time
}

// Runner executes one job to completion. The controller supplies a runner
// that dispatches on the payload tag into the DDL executor.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Notifier receives operational alerts when a job exhausts its retries. The
// core is unaware of the channel behind it.
type Notifier interface {
	NotifyJobFailed(ctx context.Context, job *Job, cause error)
}

type noopNotifier struct{}

func (noopNotifier) NotifyJobFailed(context.Context, *Job, error) {}

// NewNoopNotifier returns a Notifier that drops alerts.
func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

// Retry policy defaults per the queue's scheduling model.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	defaultPoll        = time.Second
)

// Queue is the durable per-form migration queue.
type Queue struct {
	db        db.DB
	runner    Runner
	logger    migrationlog.Logger
	notifier  Notifier
	retryable func(error) bool

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	poll        time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier sets the operational alert channel.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithMaxAttempts overrides the retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithRetryPolicy overrides the backoff window.
func WithRetryPolicy(base, max time.Duration) Option {
	return func(q *Queue) {
		q.baseDelay = base
		q.maxDelay = max
	}
}

// New returns a Queue. retryable classifies an error as transient (retried
// with backoff) or terminal (job fails immediately).
func New(d db.DB, runner Runner, retryable func(error) bool, logger migrationlog.Logger, opts ...Option) *Queue {
	q := &Queue{
		db:          d,
		runner:      runner,
		logger:      logger,
		notifier:    noopNotifier{},
		retryable:   retryable,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		poll:        defaultPoll,
		workers:     make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

const sqlInit = `
CREATE TABLE IF NOT EXISTS migration_jobs (
	id           UUID PRIMARY KEY,
	seq          BIGINT GENERATED ALWAYS AS IDENTITY,
	form_id      TEXT NOT NULL,
	payload      JSONB NOT NULL,
	state        TEXT NOT NULL DEFAULT 'waiting',
	attempts     INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	next_run_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error   TEXT,
	enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS migration_jobs_form_state_idx ON migration_jobs (form_id, state, next_run_at);
`

// Init creates the migration_jobs table if it does not already exist.
func (q *Queue) Init(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, sqlInit)
	return err
}

// Start resumes pending jobs left over from a previous process and begins
// accepting work. Jobs stuck in 'active' by a crash are returned to
// 'waiting'; their transaction already rolled back with the process.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.mu.Unlock()

	_, err := q.db.ExecContext(ctx, "UPDATE migration_jobs SET state = 'waiting' WHERE state = 'active'")
	if err != nil {
		return err
	}

	rows, err := q.db.QueryContext(ctx, "SELECT DISTINCT form_id FROM migration_jobs WHERE state = 'waiting'")
	if err != nil {
		return err
	}
	defer rows.Close()

	var formIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		formIDs = append(formIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range formIDs {
		q.ensureWorker(id)
	}
	return nil
}

// Stop cancels all workers and waits for the active job, if any, to release
// its transaction. Waiting jobs stay durable for the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue durably appends a job to its form's FIFO and wakes the form's
// worker, starting one if none is running. It returns as soon as the row is
// committed.
func (q *Queue) Enqueue(ctx context.Context, formID string, payload Payload) (string, error) {
	id := uuid.New().String()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("unable to marshal job payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO migration_jobs (id, form_id, payload, max_attempts)
		VALUES ($1, $2, $3, $4)`,
		id, formID, body, q.maxAttempts)
	if err != nil {
		return "", err
	}

	q.logger.LogJobEnqueued(id, formID, migrationTypeOf(payload.Type))
	q.ensureWorker(formID)
	return id, nil
}

// Position returns how many waiting jobs precede jobID in its form's FIFO.
func (q *Queue) Position(ctx context.Context, jobID string) (int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT count(*) FROM migration_jobs w, migration_jobs j
		WHERE j.id = $1 AND w.form_id = j.form_id AND w.state = 'waiting' AND w.seq < j.seq`, jobID)
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

// Counts is the per-state breakdown of jobs, either for one form or the
// whole queue. Delayed counts waiting jobs whose next_run_at is in the
// future (retry backoff).
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// FormStatus is the queue's view of one form: counts plus the currently
// active job, if any.
type FormStatus struct {
	Counts
	ActiveJob *Job `json:"activeJob,omitempty"`
}

// Status returns counts for formID, or for the whole queue when formID is
// empty.
func (q *Queue) Status(ctx context.Context, formID string) (*FormStatus, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE state = 'waiting' AND next_run_at <= now()),
			count(*) FILTER (WHERE state = 'waiting' AND next_run_at > now()),
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'completed'),
			count(*) FILTER (WHERE state = 'failed')
		FROM migration_jobs`
	var args []any
	if formID != "" {
		query += " WHERE form_id = $1"
		args = append(args, formID)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var st FormStatus
	if rows.Next() {
		if err := rows.Scan(&st.Waiting, &st.Delayed, &st.Active, &st.Completed, &st.Failed); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if st.Active > 0 && formID != "" {
		active, err := q.activeJob(ctx, formID)
		if err != nil {
			return nil, err
		}
		st.ActiveJob = active
	}

	return &st, nil
}

// JobStatus returns one job's state, attempts, and last error.
func (q *Queue) JobStatus(ctx context.Context, jobID string) (*Job, error) {
	rows, err := q.db.QueryContext(ctx, scanJobQuery+" WHERE id = $1", jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, JobNotFoundError{JobID: jobID}
	}
	return scanJob(rows)
}

// CancelWaiting removes a waiting job from its form's queue. Active jobs
// cannot be cancelled: their transaction commits or rolls back on its own.
func (q *Queue) CancelWaiting(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM migration_jobs WHERE id = $1 AND state = 'waiting'", jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DrainCompleted deletes completed job rows finished before olderThan.
func (q *Queue) DrainCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	return q.drain(ctx, Completed, olderThan)
}

// DrainFailed deletes failed job rows finished before olderThan.
func (q *Queue) DrainFailed(ctx context.Context, olderThan time.Time) (int, error) {
	return q.drain(ctx, Failed, olderThan)
}

func (q *Queue) drain(ctx context.Context, state State, olderThan time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM migration_jobs WHERE state = $1 AND finished_at < $2", string(state), olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// JobNotFoundError is returned when a job id does not resolve.
type JobNotFoundError struct {
	JobID string
}

func (e JobNotFoundError) Error() string {
	return fmt.Sprintf("migration job %q not found", e.JobID)
}

// retryDelay returns the backoff before attempt n runs again: starts at the
// base delay, doubles per attempt (with jitter), capped at the max.
func (q *Queue) retryDelay(attempts int) time.Duration {
	b := backoff.New(q.maxDelay, q.baseDelay)
	d := q.baseDelay
	for i := 0; i < attempts; i++ {
		d = b.Duration()
	}
	return d
}
