// SPDX-License-Identifier: Apache-2.0

// Package catalog is the deterministic mapping between logical
// (formID, fieldID) and physical (tableName, columnName) coordinates, plus
// identifier sanitization and the fixed logical->physical type map. Keeping
// these three concerns in one leaf package means the DDL executor never
// does string arithmetic on unsanitized input and the change detector stays
// pure.
package catalog

import (
	"fmt"
	"strings"

	"github.com/qcollector/fieldmigration/pkg/form"
)

// Catalog resolves logical form/field coordinates to physical table/column
// names and sanitizes/validates identifiers before they are ever
// interpolated into DDL.
type Catalog struct{}

// New returns a Catalog. It holds no state: every method is a pure
// function of its arguments, matching the spec's requirement that
// resolution never be cached across a migration.
func New() *Catalog {
	return &Catalog{}
}

// ResolveTableForField returns the physical table that owns field's column.
// If field belongs to a sub-form, the sub-form's table is returned;
// otherwise the owning form's table is returned. subForms is keyed by
// sub-form ID and is supplied fresh by the caller on every invocation -
// Catalog itself never caches it.
func (c *Catalog) ResolveTableForField(field form.Field, owner form.Form, subForms map[string]form.SubForm) (string, error) {
	if field.SubFormID == "" {
		return owner.TableName, nil
	}

	sf, ok := subForms[field.SubFormID]
	if !ok {
		return "", fmt.Errorf("sub-form %q not found for field %q", field.SubFormID, field.ID)
	}
	return sf.TableName, nil
}

// InvalidIdentifierError is returned by SanitizeIdentifier when proposed
// cannot be used as a Postgres identifier.
type InvalidIdentifierError struct {
	Proposed string
	Reason   string
}

func (e InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %q: %s", e.Proposed, e.Reason)
}

// MaxIdentifierLength is Postgres' NAMEDATALEN-derived identifier length
// limit, in bytes. See
// https://www.postgresql.org/docs/current/sql-syntax-lexical.html#SQL-SYNTAX-IDENTIFIERS
const MaxIdentifierLength = 63

// SanitizeIdentifier validates proposed as a safe, lower-cased Postgres
// identifier. It never itself quotes the identifier for use in SQL -
// callers pass the sanitized name through pq.QuoteIdentifier at the point
// of DDL construction.
func SanitizeIdentifier(proposed string) (string, error) {
	if proposed == "" {
		return "", InvalidIdentifierError{Proposed: proposed, Reason: "identifier is empty"}
	}
	if len(proposed) > MaxIdentifierLength {
		return "", InvalidIdentifierError{Proposed: proposed, Reason: fmt.Sprintf("identifier is longer than %d bytes", MaxIdentifierLength)}
	}
	if proposed[0] >= '0' && proposed[0] <= '9' {
		return "", InvalidIdentifierError{Proposed: proposed, Reason: "identifier begins with a digit"}
	}
	for _, r := range proposed {
		if !isIdentifierRune(r) {
			return "", InvalidIdentifierError{Proposed: proposed, Reason: fmt.Sprintf("identifier contains disallowed character %q", r)}
		}
	}

	lowered := strings.ToLower(proposed)
	if _, reserved := reservedWords[lowered]; reserved {
		return "", InvalidIdentifierError{Proposed: proposed, Reason: fmt.Sprintf("identifier %q is a reserved keyword", lowered)}
	}

	return lowered, nil
}

func isIdentifierRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_':
		return true
	default:
		return false
	}
}

// UnknownDataTypeError is returned by ColumnTypeFor when the logical type is
// not in the fixed type table.
type UnknownDataTypeError struct {
	DataType form.DataType
}

func (e UnknownDataTypeError) Error() string {
	return fmt.Sprintf("unknown logical data type %q", e.DataType)
}

// columnTypes is the fixed logical->physical type table. Altering it is a
// breaking change: every dynamic table column's physical type is derived
// from this map alone.
var columnTypes = map[form.DataType]string{
	form.ShortText: "varchar(255)",
	form.LongText:  "text",
	form.Email:     "varchar(255)",
	form.Phone:     "varchar(32)",
	form.Number:    "numeric",
	form.URL:       "text",
	form.Date:      "date",
	form.Time:      "time",
	form.DateTime:  "timestamptz",
	form.Boolean:   "boolean",
	form.Choice:    "varchar(255)",
	form.Rating:    "integer",
	form.Slider:    "numeric",
	form.GeoPoint:  "point",
	form.FileRef:   "uuid",
}

// ColumnTypeFor returns the physical column type string used in DDL for a
// logical data type.
func ColumnTypeFor(dt form.DataType) (string, error) {
	physical, ok := columnTypes[dt]
	if !ok {
		return "", UnknownDataTypeError{DataType: dt}
	}
	return physical, nil
}
