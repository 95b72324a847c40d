// SPDX-License-Identifier: Apache-2.0

package form

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/qcollector/fieldmigration/pkg/db"
)

// Repository is the read-only view over the form builder's own tables that
// the migration core needs: a form's current field list and its sub-forms'
// dynamic tables. The core never writes through this interface.
type Repository interface {
	GetForm(ctx context.Context, formID string) (*Form, error)
	SubForms(ctx context.Context, formID string) (map[string]SubForm, error)
}

// NotFoundError is returned when a form id does not resolve.
type NotFoundError struct {
	FormID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("form %q not found", e.FormID)
}

// PostgresRepository reads forms, fields, and sub_forms from the form
// builder's tables in the shared database.
type PostgresRepository struct {
	db db.DB
}

func NewPostgresRepository(d db.DB) *PostgresRepository {
	return &PostgresRepository{db: d}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) GetForm(ctx context.Context, formID string) (*Form, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, table_name FROM forms WHERE id = $1", formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, NotFoundError{FormID: formID}
	}

	var f Form
	if err := rows.Scan(&f.ID, &f.TableName); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fields, err := r.fieldsForForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	f.Fields = fields

	return &f, nil
}

func (r *PostgresRepository) fieldsForForm(ctx context.Context, formID string) ([]Field, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, form_id, column_name, data_type, sub_form_id
		FROM fields WHERE form_id = $1 ORDER BY position, id`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []Field
	for rows.Next() {
		var f Field
		var dataType string
		var subFormID sql.NullString
		if err := rows.Scan(&f.ID, &f.FormID, &f.ColumnName, &dataType, &subFormID); err != nil {
			return nil, err
		}
		f.DataType = DataType(dataType)
		f.SubFormID = subFormID.String
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (r *PostgresRepository) SubForms(ctx context.Context, formID string) (map[string]SubForm, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, form_id, table_name FROM sub_forms WHERE form_id = $1", formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subForms := make(map[string]SubForm)
	for rows.Next() {
		var sf SubForm
		if err := rows.Scan(&sf.ID, &sf.FormID, &sf.TableName); err != nil {
			return nil, err
		}
		subForms[sf.ID] = sf
	}
	return subForms, rows.Err()
}
