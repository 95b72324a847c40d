// SPDX-License-Identifier: Apache-2.0

// Package journal is the append-only audit trail of every primitive schema
// migration ever attempted against a dynamic table, successful or not.
// Entries are never mutated; they are deleted only by the cleanup sweep of
// expired successful entries.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qcollector/fieldmigration/pkg/form"
)

// MigrationType identifies the primitive operation a journal entry records.
type MigrationType string

const (
	AddColumn    MigrationType = "ADD_COLUMN"
	DropColumn   MigrationType = "DROP_COLUMN"
	RenameColumn MigrationType = "RENAME_COLUMN"
	ModifyColumn MigrationType = "MODIFY_COLUMN"
	Restore      MigrationType = "RESTORE"
)

// ColumnState describes a column's shape on one side of a migration. It is
// stored as the entry's old_value/new_value JSONB payload and consumed by
// rollback and by operator tooling.
type ColumnState struct {
	ColumnName string        `json:"columnName,omitempty"`
	DataType   form.DataType `json:"dataType,omitempty"`
}

// FieldMigration is one immutable journal entry: a single primitive schema
// operation, the coordinates it ran against, and how it concluded.
type FieldMigration struct {
	ID            string
	FieldID       string // may be empty after a DROP, the field may be gone
	FormID        string
	MigrationType MigrationType
	TableName     string
	ColumnName    string
	OldValue      *ColumnState
	NewValue      *ColumnState
	// RollbackSQL is the literal statement that undoes this migration.
	// Empty when the migration is not reversible by SQL alone (RESTORE,
	// failed attempts, rollbacks themselves).
	RollbackSQL string
	// BackupID references the FieldDataBackup taken before a destructive
	// migration. Non-empty for every successful DROP_COLUMN and
	// MODIFY_COLUMN, and for RESTORE (the backup consumed).
	BackupID     string
	ExecutedBy   string
	ExecutedAt   time.Time
	Success      bool
	ErrorMessage string
}

// SuccessFilter narrows a history listing by outcome.
type SuccessFilter string

const (
	FilterAny         SuccessFilter = "any"
	FilterOnlySuccess SuccessFilter = "success"
	FilterOnlyFailed  SuccessFilter = "failed"
)

// ListOptions paginate and filter a history listing.
type ListOptions struct {
	Limit  int
	Offset int
	Filter SuccessFilter
}

// Journal records and queries the append-only migration history.
type Journal interface {
	// Record appends a new entry and returns its id.
	Record(ctx context.Context, m FieldMigration) (string, error)

	// RecordInTx appends a new entry inside the caller's transaction, so
	// the journal row commits or rolls back together with the DDL it
	// describes.
	RecordInTx(ctx context.Context, tx *sql.Tx, m FieldMigration) (string, error)

	// Get returns a single entry by id.
	Get(ctx context.Context, id string) (*FieldMigration, error)

	// ByForm lists entries for formID, most-recent-first.
	ByForm(ctx context.Context, formID string, opts ListOptions) ([]FieldMigration, int, error)

	// DeleteSuccessfulBefore removes successful entries executed before
	// cutoff, returning how many were removed. Failed entries are kept
	// indefinitely for investigation.
	DeleteSuccessfulBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CanRollback reports whether entry m is eligible for rollback, and if not,
// why. A migration can be rolled back iff it succeeded and carries rollback
// SQL; an ADD_COLUMN is additionally only rollbackable once its field has
// been removed from the form's current field list, otherwise dropping the
// column would orphan a live field.
func CanRollback(m FieldMigration, currentFields []form.Field) (bool, string) {
	if !m.Success {
		return false, "migration did not succeed"
	}
	if m.RollbackSQL == "" {
		return false, "migration is not reversible by SQL"
	}
	if m.MigrationType == AddColumn {
		for _, f := range currentFields {
			if f.ID == m.FieldID {
				return false, fmt.Sprintf("field %q is still present in the form; remove it before rolling back its ADD_COLUMN", m.FieldID)
			}
		}
	}
	return true, ""
}

// NotFoundError is returned when a journal entry id does not resolve.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("migration journal entry %q not found", e.ID)
}
