// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lib/pq"

	"github.com/qcollector/fieldmigration/pkg/db"
	"github.com/qcollector/fieldmigration/pkg/form"
)

// family groups logical types by conversion behavior.
type family int

const (
	famText family = iota
	famNumeric
	famDate
	famTime
	famDateTime
	famBoolean
	famGeo
	famFile
)

func familyOf(dt form.DataType) family {
	switch dt {
	case form.ShortText, form.LongText, form.Email, form.Phone, form.URL, form.Choice:
		return famText
	case form.Number, form.Rating, form.Slider:
		return famNumeric
	case form.Date:
		return famDate
	case form.Time:
		return famTime
	case form.DateTime:
		return famDateTime
	case form.Boolean:
		return famBoolean
	case form.GeoPoint:
		return famGeo
	default:
		return famFile
	}
}

// valueRule is one compiled per-value predicate. A value failing the
// predicate is the counter-example that rejects the conversion.
type valueRule struct {
	program *vm.Program
	reason  string
}

func mustRule(src, reason string) *valueRule {
	program, err := expr.Compile(src, expr.Env(checkEnv("")), expr.AsBool())
	if err != nil {
		panic(err)
	}
	return &valueRule{
		program: program,
		reason:  reason,
	}
}

// checkEnv is the expression environment: the value under test plus the
// parse helpers the date/time grammars need.
func checkEnv(value string) map[string]any {
	return map[string]any{
		"value":      value,
		"isDate":     isDate,
		"isTime":     isTime,
		"isDateTime": isDateTime,
	}
}

func isDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func isTime(s string) bool {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func isDateTime(s string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

var (
	numericRule  = mustRule(`value matches "^-?[0-9]+(\\.[0-9]+)?$"`, "non-numeric value")
	integerRule  = mustRule(`value matches "^-?[0-9]+$"`, "non-integer value")
	booleanRule  = mustRule(`lower(value) in ["true", "false", "1", "0", "yes", "no"]`, "non-boolean value")
	dateRule     = mustRule(`isDate(value)`, "value is not an ISO-8601 date")
	timeRule     = mustRule(`isTime(value)`, "value is not an ISO-8601 time")
	dateTimeRule = mustRule(`isDateTime(value)`, "value is not an ISO-8601 datetime")
	maxLen255    = mustRule(`len(value) <= 255`, "value longer than 255 characters")
	maxLen32     = mustRule(`len(value) <= 32`, "value longer than 32 characters")
)

// conversionRule resolves the policy table: it returns the per-value check
// an allowed conversion requires (nil when none), or an
// UnsupportedConversionError when no path exists between the two types.
func conversionRule(from, to form.DataType) (*valueRule, error) {
	if from == to {
		return nil, nil
	}

	ff, tf := familyOf(from), familyOf(to)

	// Anything may widen into the text family. Targets with a bounded
	// varchar still need every value to fit.
	if tf == famText {
		return lengthRuleFor(to), nil
	}

	// geo_point and file_ref have no defined conversion grammar outside
	// the to-text direction handled above.
	if ff == famGeo || ff == famFile || tf == famGeo || tf == famFile {
		return nil, UnsupportedConversionError{From: from, To: to}
	}

	switch {
	case ff == famText && tf == famNumeric:
		if to == form.Rating {
			return integerRule, nil
		}
		return numericRule, nil
	case ff == famText && tf == famDate:
		return dateRule, nil
	case ff == famText && tf == famTime:
		return timeRule, nil
	case ff == famText && tf == famDateTime:
		return dateTimeRule, nil
	case ff == famText && tf == famBoolean:
		return booleanRule, nil
	case ff == famNumeric && tf == famNumeric:
		// numeric -> integer narrows; integer -> numeric widens.
		if to == form.Rating {
			return integerRule, nil
		}
		return nil, nil
	case ff == famDate && tf == famDateTime:
		return nil, nil
	}

	return nil, UnsupportedConversionError{From: from, To: to}
}

// ConversionAllowed reports whether a conversion is allowed in principle
// and, if so, whether it requires reading existing values to validate.
func ConversionAllowed(from, to form.DataType) (allowed, needsValidation bool) {
	rule, err := conversionRule(from, to)
	if err != nil {
		return false, false
	}
	return true, rule != nil
}

// ValidateConversion applies the policy table to a live column: it resolves
// the conversion's per-value rule and evaluates it against every existing
// non-null value, short-circuiting on the first counter-example. Table and
// column must already be sanitized.
func ValidateConversion(ctx context.Context, d db.DB, table, column string, from, to form.DataType) error {
	rule, err := conversionRule(from, to)
	if err != nil {
		return err
	}
	if rule == nil {
		return nil
	}
	return rule.checkColumn(ctx, d, table, column)
}

func (r *valueRule) checkColumn(ctx context.Context, d db.DB, table, column string) error {
	pk, err := primaryKeyOf(ctx, d, table)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT %s::text, %s::text FROM %s WHERE %s IS NOT NULL",
		pq.QuoteIdentifier(pk), pq.QuoteIdentifier(column),
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(column))

	rows, err := d.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rowID, value string
		if err := rows.Scan(&rowID, &value); err != nil {
			return err
		}

		ok, err := expr.Run(r.program, checkEnv(value))
		if err != nil {
			return err
		}
		if !ok.(bool) {
			return ValidationFailedError{Table: table, Column: column, RowID: rowID, Reason: r.reason}
		}
	}
	return rows.Err()
}

func primaryKeyOf(ctx context.Context, d db.DB, table string) (string, error) {
	const query = `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
		LIMIT 1`

	rows, err := d.QueryContext(ctx, query, table)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var pk string
	if err := db.ScanFirstValue(rows, &pk); err != nil {
		return "", err
	}
	if pk == "" {
		return "", fmt.Errorf("table %q has no single-column primary key", table)
	}
	return pk, nil
}

func lengthRuleFor(to form.DataType) *valueRule {
	switch to {
	case form.ShortText, form.Email, form.Choice:
		return maxLen255
	case form.Phone:
		return maxLen32
	default:
		return nil
	}
}
