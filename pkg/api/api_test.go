// SPDX-License-Identifier: Apache-2.0

package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcollector/fieldmigration/pkg/api"
	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/controller"
	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/executor"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
	"github.com/qcollector/fieldmigration/pkg/migrationlog"
)

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

type fakeForms struct {
	form *form.Form
}

func (f *fakeForms) GetForm(_ context.Context, formID string) (*form.Form, error) {
	if f.form == nil || f.form.ID != formID {
		return nil, form.NotFoundError{FormID: formID}
	}
	return f.form, nil
}

func (f *fakeForms) SubForms(context.Context, string) (map[string]form.SubForm, error) {
	return nil, nil
}

type fakeJournal struct {
	entries []journal.FieldMigration
}

func (f *fakeJournal) Record(_ context.Context, m journal.FieldMigration) (string, error) {
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", len(f.entries)+1)
	}
	f.entries = append(f.entries, m)
	return m.ID, nil
}

func (f *fakeJournal) RecordInTx(ctx context.Context, _ *sql.Tx, m journal.FieldMigration) (string, error) {
	return f.Record(ctx, m)
}

func (f *fakeJournal) Get(_ context.Context, id string) (*journal.FieldMigration, error) {
	return nil, journal.NotFoundError{ID: id}
}

func (f *fakeJournal) ByForm(context.Context, string, journal.ListOptions) ([]journal.FieldMigration, int, error) {
	return f.entries, len(f.entries), nil
}

func (f *fakeJournal) DeleteSuccessfulBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

type fakeBackups struct{}

func (fakeBackups) Backup(context.Context, string, string, string, string, backup.Type, string, time.Duration) (string, error) {
	return "backup-1", nil
}
func (fakeBackups) Restore(context.Context, string, string) (int, error) { return 0, nil }
func (fakeBackups) Get(_ context.Context, id string) (*backup.FieldDataBackup, error) {
	return nil, backup.BackupNotFoundError{BackupID: id}
}
func (fakeBackups) ListByForm(context.Context, string, bool, int, int) ([]backup.FieldDataBackup, int, error) {
	return nil, 0, nil
}
func (fakeBackups) SweepExpired(context.Context, time.Time) (int, error) { return 0, nil }
func (fakeBackups) CountExpired(context.Context, time.Time) (int, error) { return 0, nil }

type fakeBackupTaker struct{}

func (fakeBackupTaker) BackupInTx(context.Context, *sql.Tx, string, string, string, string, backup.Type, string, time.Duration) (string, error) {
	return "backup-1", nil
}

func newTestServer(t *testing.T) (*api.Server, sqlmock.Sqlmock, *fakeJournal) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var d db.DB = &fakeRDB{conn: conn}
	j := &fakeJournal{}
	exec := executor.New(d, j, fakeBackupTaker{}, migrationlog.NewNoopLogger())
	c := controller.New(d, &fakeForms{form: &form.Form{ID: "form-1", TableName: "submissions_form_1"}},
		exec, j, fakeBackups{}, migrationlog.NewNoopLogger())
	return api.NewServer(c, migrationlog.NewNoopLogger()), mock, j
}

func doRequest(t *testing.T, s *api.Server, method, target, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if role != "" {
		req.Header.Set(api.RoleHeader, role)
		req.Header.Set(api.ActorHeader, "operator-1")
	}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var envelope struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	return envelope.Error.Code, envelope.Error.Message
}

func TestRoleEnforcement(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	// No role at all.
	rec := doRequest(t, s, http.MethodPost, "/migrations/preview", "", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Moderator is below admin.
	rec = doRequest(t, s, http.MethodPost, "/migrations/preview", "moderator", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin cannot hit super_admin-only endpoints.
	rec = doRequest(t, s, http.MethodPost, "/migrations/rollback/m1", "admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = doRequest(t, s, http.MethodDelete, "/migrations/cleanup", "admin", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Super admin passes role checks everywhere.
	rec = doRequest(t, s, http.MethodPost, "/migrations/rollback/m1", "super_admin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "MIGRATION_NOT_FOUND", code)
}

func TestPreviewRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/migrations/preview", "admin", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", code)
}

func TestPreviewRejectsSchemaViolation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	body := `{"formId": "form-1", "changes": [{"type": "ADD_FIELD", "fieldId": "f1"}]}`
	rec := doRequest(t, s, http.MethodPost, "/migrations/preview", "admin", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, msg := decodeError(t, rec)
	assert.Equal(t, "INVALID_CHANGES", code)
	assert.Contains(t, msg, "change 0")
}

func TestPreviewUnknownForm(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	body := `{"formId": "nope", "changes": [{"type": "ADD_FIELD", "fieldId": "f1", "columnName": "email_1", "dataType": "email"}]}`
	rec := doRequest(t, s, http.MethodPost, "/migrations/preview", "admin", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "FORM_NOT_FOUND", code)
}

func TestPreviewAddField(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	body := `{"formId": "form-1", "changes": [{"type": "ADD_FIELD", "fieldId": "f1", "columnName": "email_1", "dataType": "email"}]}`
	rec := doRequest(t, s, http.MethodPost, "/migrations/preview", "admin", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result controller.PreviewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Summary.TotalChanges)
	assert.Equal(t, 1, result.Summary.ValidChanges)
	require.Len(t, result.Preview, 1)
	assert.Equal(t, `ALTER TABLE "submissions_form_1" ADD COLUMN "email_1" varchar(255)`, result.Preview[0].SQL)
}

func TestExecuteQueuesJobs(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestServer(t)

	mock.ExpectExec("INSERT INTO migration_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT count\(\*\) FROM migration_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	body := `{"formId": "form-1", "changes": [{"type": "ADD_FIELD", "fieldId": "f1", "columnName": "email_1", "dataType": "email"}]}`
	rec := doRequest(t, s, http.MethodPost, "/migrations/execute", "admin", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		QueuedJobs []controller.QueuedJob `json:"queuedJobs"`
		Message    string                 `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.QueuedJobs, 1)
	assert.Equal(t, "queued", resp.QueuedJobs[0].Status)
	assert.Equal(t, "email_1", resp.QueuedJobs[0].ColumnName)
}

func TestHistoryPagination(t *testing.T) {
	t.Parallel()

	s, _, j := newTestServer(t)
	j.entries = []journal.FieldMigration{{
		ID:            "m1",
		FormID:        "form-1",
		MigrationType: journal.AddColumn,
		TableName:     "submissions_form_1",
		ColumnName:    "email_1",
		Success:       true,
		ExecutedAt:    time.Now(),
	}}

	rec := doRequest(t, s, http.MethodGet, "/migrations/history/form-1?limit=9999", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Migrations []api.MigrationDTO `json:"migrations"`
		Total      int                `json:"total"`
		Limit      int                `json:"limit"`
		HasMore    bool               `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, controller.MaxHistoryLimit, resp.Limit)
	require.Len(t, resp.Migrations, 1)
	assert.Equal(t, "ADD_COLUMN", resp.Migrations[0].MigrationType)
	assert.False(t, resp.HasMore)
}

func TestQueueStatus(t *testing.T) {
	t.Parallel()

	s, mock, _ := newTestServer(t)

	mock.ExpectQuery(`count\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"waiting", "delayed", "active", "completed", "failed"}).
			AddRow(1, 0, 0, 3, 0))

	rec := doRequest(t, s, http.MethodGet, "/migrations/queue/status?formId=form-1", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Queue  map[string]any `json:"queue"`
		FormID string         `json:"formId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "form-1", resp.FormID)
	assert.EqualValues(t, 1, resp.Queue["waiting"])
	assert.EqualValues(t, 3, resp.Queue["completed"])
}

func TestCleanupValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodDelete, "/migrations/cleanup?days=29", "super_admin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	code, _ := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", code)

	rec = doRequest(t, s, http.MethodDelete, "/migrations/cleanup?days=90&dryRun=true", "super_admin", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
