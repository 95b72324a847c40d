// SPDX-License-Identifier: Apache-2.0

// Package detector implements the pure change-detection function that
// turns a (oldFields, newFields) delta into an ordered plan of primitive
// schema operations. It is CPU-only: it never touches a database and never
// suspends, so it can run inline on the form-update path before anything is
// enqueued.
package detector

import "github.com/qcollector/fieldmigration/pkg/form"

// Kind identifies the shape of a Change. Re-expressed as a Go tagged
// variant (design note: "dynamically typed job payloads... re-express as a
// tagged variant"): one Kind value per arm, with the arm-specific fields
// left zero-valued on every Change that doesn't use them.
type Kind string

const (
	AddField    Kind = "ADD_FIELD"
	DeleteField Kind = "DELETE_FIELD"
	RenameField Kind = "RENAME_FIELD"
	ChangeType  Kind = "CHANGE_TYPE"
)

// Change is one primitive operation in a migration plan.
type Change struct {
	Kind    Kind
	FieldID string

	// SubFormID is carried from the field so table resolution can target
	// the sub-form's own dynamic table. Empty for parent-form fields.
	SubFormID string

	// Used by AddField and DeleteField.
	ColumnName string
	DataType   form.DataType

	// Used by DeleteField.
	Backup bool

	// Used by RenameField.
	OldColumnName string
	NewColumnName string

	// Used by ChangeType. Column is the name the field has by the time this
	// op runs - if paired with a preceding RenameField for the same field,
	// that's the new column name.
	Column  string
	OldType form.DataType
	NewType form.DataType
}

// Detect compares oldFields against newFields, both belonging to the same
// form, and returns an ordered plan of primitive Changes. Fields are
// matched by FieldID. A pure reordering of an identical field set produces
// the empty plan. When both a rename and a type change apply to the same
// field, the RenameField change is ordered before the ChangeType change so
// that a subsequent backup references the post-rename column name.
func Detect(oldFields, newFields []form.Field) []Change {
	oldByID := make(map[string]form.Field, len(oldFields))
	for _, f := range oldFields {
		oldByID[f.ID] = f
	}
	newByID := make(map[string]form.Field, len(newFields))
	for _, f := range newFields {
		newByID[f.ID] = f
	}

	var plan []Change

	for _, nf := range newFields {
		of, existed := oldByID[nf.ID]
		if !existed {
			plan = append(plan, Change{
				Kind:       AddField,
				FieldID:    nf.ID,
				SubFormID:  nf.SubFormID,
				ColumnName: nf.ColumnName,
				DataType:   nf.DataType,
			})
			continue
		}

		currentColumn := of.ColumnName
		if of.ColumnName != nf.ColumnName {
			plan = append(plan, Change{
				Kind:          RenameField,
				FieldID:       nf.ID,
				SubFormID:     nf.SubFormID,
				OldColumnName: of.ColumnName,
				NewColumnName: nf.ColumnName,
			})
			currentColumn = nf.ColumnName
		}

		if of.DataType != nf.DataType {
			plan = append(plan, Change{
				Kind:      ChangeType,
				FieldID:   nf.ID,
				SubFormID: nf.SubFormID,
				Column:    currentColumn,
				OldType:   of.DataType,
				NewType:   nf.DataType,
			})
		}
	}

	for _, of := range oldFields {
		if _, stillPresent := newByID[of.ID]; !stillPresent {
			plan = append(plan, Change{
				Kind:       DeleteField,
				FieldID:    of.ID,
				SubFormID:  of.SubFormID,
				ColumnName: of.ColumnName,
				DataType:   of.DataType,
				Backup:     true,
			})
		}
	}

	return plan
}
