// SPDX-License-Identifier: Apache-2.0

package api

import (
	"time"

	"github.com/oapi-codegen/nullable"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/detector"
	"github.com/qcollector/fieldmigration/pkg/form"
	"github.com/qcollector/fieldmigration/pkg/journal"
)

// ChangeDTO is the wire form of one change in a preview/execute request.
// Its shape is validated against schema/change.schema.json before
// unmarshaling.
type ChangeDTO struct {
	Type          string                  `json:"type"`
	FieldID       string                  `json:"fieldId"`
	SubFormID     string                  `json:"subFormId,omitempty"`
	ColumnName    string                  `json:"columnName,omitempty"`
	DataType      form.DataType           `json:"dataType,omitempty"`
	Backup        nullable.Nullable[bool] `json:"backup,omitempty"`
	OldColumnName string                  `json:"oldColumnName,omitempty"`
	NewColumnName string                  `json:"newColumnName,omitempty"`
	Column        string                  `json:"column,omitempty"`
	OldType       form.DataType           `json:"oldType,omitempty"`
	NewType       form.DataType           `json:"newType,omitempty"`
}

// ToChange converts the DTO to a detector change. An absent or null backup
// flag means "back up", the only safe default for a destructive change.
func (d ChangeDTO) ToChange() detector.Change {
	withBackup := true
	if v, err := d.Backup.Get(); err == nil {
		withBackup = v
	}

	return detector.Change{
		Kind:          detector.Kind(d.Type),
		FieldID:       d.FieldID,
		SubFormID:     d.SubFormID,
		ColumnName:    d.ColumnName,
		DataType:      d.DataType,
		Backup:        withBackup,
		OldColumnName: d.OldColumnName,
		NewColumnName: d.NewColumnName,
		Column:        d.Column,
		OldType:       d.OldType,
		NewType:       d.NewType,
	}
}

// MigrationDTO is the wire form of one journal entry.
type MigrationDTO struct {
	ID            string               `json:"id"`
	FieldID       string               `json:"fieldId,omitempty"`
	FormID        string               `json:"formId"`
	MigrationType string               `json:"migrationType"`
	TableName     string               `json:"tableName"`
	ColumnName    string               `json:"columnName"`
	OldValue      *journal.ColumnState `json:"oldValue,omitempty"`
	NewValue      *journal.ColumnState `json:"newValue,omitempty"`
	RollbackSQL   string               `json:"rollbackSql,omitempty"`
	BackupID      string               `json:"backupId,omitempty"`
	ExecutedBy    string               `json:"executedBy"`
	ExecutedAt    time.Time            `json:"executedAt"`
	Success       bool                 `json:"success"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
}

func toMigrationDTO(m journal.FieldMigration) MigrationDTO {
	return MigrationDTO{
		ID:            m.ID,
		FieldID:       m.FieldID,
		FormID:        m.FormID,
		MigrationType: string(m.MigrationType),
		TableName:     m.TableName,
		ColumnName:    m.ColumnName,
		OldValue:      m.OldValue,
		NewValue:      m.NewValue,
		RollbackSQL:   m.RollbackSQL,
		BackupID:      m.BackupID,
		ExecutedBy:    m.ExecutedBy,
		ExecutedAt:    m.ExecutedAt,
		Success:       m.Success,
		ErrorMessage:  m.ErrorMessage,
	}
}

// BackupDTO is the wire form of one column backup. The snapshot itself is
// not serialized in listings; only its row count is.
type BackupDTO struct {
	ID             string    `json:"id"`
	FormID         string    `json:"formId"`
	TableName      string    `json:"tableName"`
	ColumnName     string    `json:"columnName"`
	BackupType     string    `json:"backupType"`
	RowCount       int       `json:"rowCount"`
	RetentionUntil time.Time `json:"retentionUntil"`
	Expired        bool      `json:"expired"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toBackupDTO(b backup.FieldDataBackup) BackupDTO {
	return BackupDTO{
		ID:             b.ID,
		FormID:         b.FormID,
		TableName:      b.TableName,
		ColumnName:     b.ColumnName,
		BackupType:     string(b.BackupType),
		RowCount:       len(b.DataSnapshot),
		RetentionUntil: b.RetentionUntil,
		Expired:        time.Now().After(b.RetentionUntil),
		CreatedBy:      b.CreatedBy,
		CreatedAt:      b.CreatedAt,
	}
}
