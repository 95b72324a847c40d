// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qcollector/fieldmigration/pkg/db"
)

const sqlInit = `
CREATE TABLE IF NOT EXISTS field_migrations (
	id             UUID PRIMARY KEY,
	field_id       TEXT,
	form_id        TEXT NOT NULL,
	migration_type TEXT NOT NULL,
	table_name     TEXT NOT NULL,
	column_name    TEXT NOT NULL,
	old_value      JSONB,
	new_value      JSONB,
	rollback_sql   TEXT,
	backup_id      UUID,
	executed_by    TEXT NOT NULL,
	executed_at    TIMESTAMPTZ NOT NULL,
	success        BOOLEAN NOT NULL,
	error_message  TEXT
);

CREATE INDEX IF NOT EXISTS field_migrations_form_id_idx ON field_migrations (form_id, executed_at DESC);
`

// PostgresJournal is the Postgres-backed Journal, following the teacher's
// own JSONB-payload, insert-then-query-by-key access pattern in
// pkg/state/state.go.
type PostgresJournal struct {
	db db.DB
}

func NewPostgresJournal(d db.DB) *PostgresJournal {
	return &PostgresJournal{db: d}
}

var _ Journal = (*PostgresJournal)(nil)

// Init creates the field_migrations table if it does not already exist.
func (j *PostgresJournal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, sqlInit)
	return err
}

const sqlInsert = `
INSERT INTO field_migrations
	(id, field_id, form_id, migration_type, table_name, column_name,
	 old_value, new_value, rollback_sql, backup_id, executed_by, executed_at,
	 success, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (j *PostgresJournal) Record(ctx context.Context, m FieldMigration) (string, error) {
	id, args, err := insertArgs(m)
	if err != nil {
		return "", err
	}
	if _, err := j.db.ExecContext(ctx, sqlInsert, args...); err != nil {
		return "", err
	}
	return id, nil
}

func (j *PostgresJournal) RecordInTx(ctx context.Context, tx *sql.Tx, m FieldMigration) (string, error) {
	id, args, err := insertArgs(m)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, sqlInsert, args...); err != nil {
		return "", err
	}
	return id, nil
}

func insertArgs(m FieldMigration) (string, []any, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ExecutedAt.IsZero() {
		m.ExecutedAt = time.Now()
	}

	oldValue, err := marshalState(m.OldValue)
	if err != nil {
		return "", nil, fmt.Errorf("unable to marshal old_value: %w", err)
	}
	newValue, err := marshalState(m.NewValue)
	if err != nil {
		return "", nil, fmt.Errorf("unable to marshal new_value: %w", err)
	}

	args := []any{
		m.ID, nullIfEmpty(m.FieldID), m.FormID, string(m.MigrationType),
		m.TableName, m.ColumnName, oldValue, newValue,
		nullIfEmpty(m.RollbackSQL), nullIfEmpty(m.BackupID),
		m.ExecutedBy, m.ExecutedAt, m.Success, nullIfEmpty(m.ErrorMessage),
	}
	return m.ID, args, nil
}

func marshalState(s *ColumnState) (any, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (j *PostgresJournal) Get(ctx context.Context, id string) (*FieldMigration, error) {
	rows, err := j.db.QueryContext(ctx, scanQuery+" WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, NotFoundError{ID: id}
	}
	m, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return m, rows.Err()
}

func (j *PostgresJournal) ByForm(ctx context.Context, formID string, opts ListOptions) ([]FieldMigration, int, error) {
	where := " WHERE form_id = $1"
	switch opts.Filter {
	case FilterOnlySuccess:
		where += " AND success"
	case FilterOnlyFailed:
		where += " AND NOT success"
	}

	rows, err := j.db.QueryContext(ctx, scanQuery+where+" ORDER BY executed_at DESC LIMIT $2 OFFSET $3", formID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []FieldMigration
	for rows.Next() {
		m, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countRows, err := j.db.QueryContext(ctx, "SELECT count(*) FROM field_migrations"+where, formID)
	if err != nil {
		return nil, 0, err
	}
	defer countRows.Close()

	var total int
	if err := db.ScanFirstValue(countRows, &total); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (j *PostgresJournal) DeleteSuccessfulBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM field_migrations WHERE success AND executed_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

const scanQuery = `SELECT id, field_id, form_id, migration_type, table_name, column_name, old_value, new_value, rollback_sql, backup_id, executed_by, executed_at, success, error_message FROM field_migrations`

func scanEntry(rows *sql.Rows) (*FieldMigration, error) {
	var m FieldMigration
	var migrationType string
	var fieldID, rollbackSQL, backupID, errorMessage sql.NullString
	var oldValue, newValue []byte

	if err := rows.Scan(&m.ID, &fieldID, &m.FormID, &migrationType, &m.TableName, &m.ColumnName,
		&oldValue, &newValue, &rollbackSQL, &backupID, &m.ExecutedBy, &m.ExecutedAt,
		&m.Success, &errorMessage); err != nil {
		return nil, err
	}
	m.MigrationType = MigrationType(migrationType)
	m.FieldID = fieldID.String
	m.RollbackSQL = rollbackSQL.String
	m.BackupID = backupID.String
	m.ErrorMessage = errorMessage.String

	var err error
	if m.OldValue, err = unmarshalState(oldValue); err != nil {
		return nil, fmt.Errorf("unable to unmarshal old_value: %w", err)
	}
	if m.NewValue, err = unmarshalState(newValue); err != nil {
		return nil, fmt.Errorf("unable to unmarshal new_value: %w", err)
	}

	return &m, nil
}

func unmarshalState(data []byte) (*ColumnState, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s ColumnState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
