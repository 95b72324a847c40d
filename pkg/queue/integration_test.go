// SPDX-License-Identifier: Apache-2.0

package queue_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/fieldmigration/internal/testutils"
	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
	"github.com/qcollector/fieldmigration/pkg/queue"
)

// TestMain runs the sqlmock-backed unit tests unconditionally; the shared
// Postgres container is only started when Q_COLLECTOR_IT_POSTGRES_URL is
// set, and the container-backed tests skip themselves without it.
func TestMain(m *testing.M) {
	if os.Getenv("Q_COLLECTOR_IT_POSTGRES_URL") == "" {
		os.Exit(m.Run())
	}
	testutils.SharedTestMain(m)
}

// recordingRunner records the order and timing of every job it runs, with a
// configurable per-job delay to make overlap observable.
type recordingRunner struct {
	mu    sync.Mutex
	delay time.Duration
	runs  []runRecord
}

type runRecord struct {
	formID  string
	fieldID string
	started time.Time
	ended   time.Time
}

func (r *recordingRunner) Run(_ context.Context, job *queue.Job) error {
	started := time.Now()
	time.Sleep(r.delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runRecord{
		formID:  job.FormID,
		fieldID: job.Payload.Change.FieldID,
		started: started,
		ended:   time.Now(),
	})
	return nil
}

func (r *recordingRunner) records() []runRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runRecord(nil), r.runs...)
}

func waitDrained(t *testing.T, q *queue.Queue, formID string, want int) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st, err := q.Status(context.Background(), formID)
		require.NoError(t, err)
		if st.Completed == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("queue for form %q did not drain %d jobs in time", formID, want)
}

func addFieldPayload(fieldID string) queue.Payload {
	return queue.Payload{
		Type:   queue.JobAddField,
		Change: &detector.Change{Kind: detector.AddField, FieldID: fieldID, ColumnName: fieldID, DataType: "short_text"},
		Actor:  "operator-1",
	}
}

func TestSerialExecutionWithinOneForm(t *testing.T) {
	testutils.SkipUnlessPostgres(t)
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		runner := &recordingRunner{delay: 50 * time.Millisecond}
		q := queue.New(rdb, runner, func(error) bool { return false }, migrationlog.NewNoopLogger())
		require.NoError(t, q.Init(ctx))
		require.NoError(t, q.Start(ctx))
		defer q.Stop()

		for _, fieldID := range []string{"f1", "f2", "f3"} {
			_, err := q.Enqueue(ctx, "form-a", addFieldPayload(fieldID))
			require.NoError(t, err)
		}

		waitDrained(t, q, "form-a", 3)

		runs := runner.records()
		require.Len(t, runs, 3)

		// FIFO by enqueue order.
		assert.Equal(t, "f1", runs[0].fieldID)
		assert.Equal(t, "f2", runs[1].fieldID)
		assert.Equal(t, "f3", runs[2].fieldID)

		// No two jobs of the same form overlap in time.
		for i := 1; i < len(runs); i++ {
			assert.False(t, runs[i].started.Before(runs[i-1].ended),
				"job %d started before job %d finished", i, i-1)
		}
	})
}

func TestParallelExecutionAcrossForms(t *testing.T) {
	testutils.SkipUnlessPostgres(t)
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		runner := &recordingRunner{delay: 300 * time.Millisecond}
		q := queue.New(rdb, runner, func(error) bool { return false }, migrationlog.NewNoopLogger())
		require.NoError(t, q.Init(ctx))
		require.NoError(t, q.Start(ctx))
		defer q.Stop()

		_, err := q.Enqueue(ctx, "form-a", addFieldPayload("a1"))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "form-b", addFieldPayload("b1"))
		require.NoError(t, err)

		waitDrained(t, q, "form-a", 1)
		waitDrained(t, q, "form-b", 1)

		runs := runner.records()
		require.Len(t, runs, 2)

		// The two forms' jobs overlapped.
		assert.True(t, runs[0].started.Before(runs[1].ended) && runs[1].started.Before(runs[0].ended),
			"expected jobs on different forms to overlap")
	})
}

func TestRetryWithBackoffThenFailure(t *testing.T) {
	testutils.SkipUnlessPostgres(t)
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		attempts := 0
		var mu sync.Mutex
		runner := runnerFunc(func(_ context.Context, _ *queue.Job) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			return assert.AnError
		})

		notified := make(chan struct{}, 1)
		q := queue.New(rdb, runner,
			func(error) bool { return true },
			migrationlog.NewNoopLogger(),
			queue.WithRetryPolicy(10*time.Millisecond, 50*time.Millisecond),
			queue.WithNotifier(notifierFunc(func(context.Context, *queue.Job, error) {
				select {
				case notified <- struct{}{}:
				default:
				}
			})))
		require.NoError(t, q.Init(ctx))
		require.NoError(t, q.Start(ctx))
		defer q.Stop()

		jobID, err := q.Enqueue(ctx, "form-a", addFieldPayload("a1"))
		require.NoError(t, err)

		select {
		case <-notified:
		case <-time.After(30 * time.Second):
			t.Fatal("job never failed permanently")
		}

		job, err := q.JobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, queue.Failed, job.State)
		assert.Equal(t, queue.DefaultMaxAttempts, job.Attempts)
		assert.NotEmpty(t, job.LastError)

		mu.Lock()
		assert.Equal(t, queue.DefaultMaxAttempts, attempts)
		mu.Unlock()
	})
}

type runnerFunc func(context.Context, *queue.Job) error

func (f runnerFunc) Run(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

type notifierFunc func(context.Context, *queue.Job, error)

func (f notifierFunc) NotifyJobFailed(ctx context.Context, job *queue.Job, err error) {
	f(ctx, job, err)
}
