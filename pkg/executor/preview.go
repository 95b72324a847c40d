// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"

	"github.com/qcollector/fieldmigration/pkg/catalog"
	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/detector"
)

// PlannedChange is one detector change bound to the physical table it will
// run against.
type PlannedChange struct {
	detector.Change
	TableName string
}

// OpPreview is the would-be outcome of one planned change: the SQL that
// would run, its inverse, and whether the change is valid as things stand.
type OpPreview struct {
	Change         detector.Change `json:"change"`
	TableName      string          `json:"tableName"`
	SQL            string          `json:"sql,omitempty"`
	RollbackSQL    string          `json:"rollbackSql,omitempty"`
	Valid          bool            `json:"valid"`
	Warnings       []string        `json:"warnings,omitempty"`
	RequiresBackup bool            `json:"requiresBackup"`
}

// PreviewMigration computes the would-be SQL, rollback SQL, warnings, and
// backup requirement for each planned change without executing anything.
// The only database access is reads: type-conversion validation and the
// current-type lookup a DROP's rollback needs.
func (e *Executor) PreviewMigration(ctx context.Context, plan []PlannedChange) []OpPreview {
	previews := make([]OpPreview, 0, len(plan))
	for _, pc := range plan {
		previews = append(previews, e.previewChange(ctx, pc))
	}
	return previews
}

func (e *Executor) previewChange(ctx context.Context, pc PlannedChange) OpPreview {
	p := OpPreview{Change: pc.Change, TableName: pc.TableName, Valid: true}

	invalid := func(err error) OpPreview {
		p.Valid = false
		p.Warnings = append(p.Warnings, err.Error())
		return p
	}

	table, err := catalog.SanitizeIdentifier(pc.TableName)
	if err != nil {
		return invalid(err)
	}

	switch pc.Kind {
	case detector.AddField:
		column, err := catalog.SanitizeIdentifier(pc.ColumnName)
		if err != nil {
			return invalid(err)
		}
		physical, err := catalog.ColumnTypeFor(pc.DataType)
		if err != nil {
			return invalid(err)
		}
		p.SQL, p.RollbackSQL = buildAddColumn(table, column, physical)

	case detector.DeleteField:
		column, err := catalog.SanitizeIdentifier(pc.ColumnName)
		if err != nil {
			return invalid(err)
		}
		p.RequiresBackup = true
		physical, err := currentColumnTypeDB(ctx, e.db, table, column)
		if err != nil {
			return invalid(err)
		}
		p.SQL, p.RollbackSQL = buildDropColumn(table, column, physical)

	case detector.RenameField:
		oldName, err := catalog.SanitizeIdentifier(pc.OldColumnName)
		if err != nil {
			return invalid(err)
		}
		newName, err := catalog.SanitizeIdentifier(pc.NewColumnName)
		if err != nil {
			return invalid(err)
		}
		p.SQL, p.RollbackSQL = buildRenameColumn(table, oldName, newName)

	case detector.ChangeType:
		column, err := catalog.SanitizeIdentifier(pc.Column)
		if err != nil {
			return invalid(err)
		}
		oldPhysical, err := catalog.ColumnTypeFor(pc.OldType)
		if err != nil {
			return invalid(err)
		}
		newPhysical, err := catalog.ColumnTypeFor(pc.NewType)
		if err != nil {
			return invalid(err)
		}
		p.RequiresBackup = true
		if err := ValidateConversion(ctx, e.db, table, column, pc.OldType, pc.NewType); err != nil {
			return invalid(err)
		}
		p.SQL, p.RollbackSQL = buildModifyType(table, column, oldPhysical, newPhysical)

	default:
		p.Valid = false
		p.Warnings = append(p.Warnings, "unknown migration type "+string(pc.Kind))
	}

	return p
}

func currentColumnTypeDB(ctx context.Context, d db.DB, table, column string) (string, error) {
	const query = `
		SELECT format_type(a.atttypid, a.atttypmod)
		FROM pg_attribute a
		WHERE a.attrelid = $1::regclass AND a.attname = $2 AND NOT a.attisdropped`

	rows, err := d.QueryContext(ctx, query, table, column)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var physical string
	if err := db.ScanFirstValue(rows, &physical); err != nil {
		return "", err
	}
	if physical == "" {
		return "", ColumnDoesNotExistError{Table: table, Name: column}
	}
	return physical, nil
}
