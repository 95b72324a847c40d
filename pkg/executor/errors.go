// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/qcollector/fieldmigration/pkg/backup"
	"github.com/qcollector/fieldmigration/pkg/catalog"
	"github.com/qcollector/fieldmigration/pkg/form"
)

type ColumnAlreadyExistsError struct {
	Table string
	Name  string
}

func (e ColumnAlreadyExistsError) Error() string {
	return fmt.Sprintf("column %q already exists in table %q", e.Name, e.Table)
}

type ColumnDoesNotExistError struct {
	Table string
	Name  string
}

func (e ColumnDoesNotExistError) Error() string {
	return fmt.Sprintf("column %q does not exist on table %q", e.Name, e.Table)
}

type TableDoesNotExistError struct {
	Name string
}

func (e TableDoesNotExistError) Error() string {
	return fmt.Sprintf("table %q does not exist", e.Name)
}

// UnsupportedConversionError is returned when the type-conversion policy
// table has no allowed path between two logical types.
type UnsupportedConversionError struct {
	From form.DataType
	To   form.DataType
}

func (e UnsupportedConversionError) Error() string {
	return fmt.Sprintf("conversion from %q to %q is not supported", e.From, e.To)
}

// ValidationFailedError is returned when a conversion is allowed in
// principle but an existing value cannot survive it. RowID names the first
// counter-example found.
type ValidationFailedError struct {
	Table  string
	Column string
	RowID  string
	Reason string
}

func (e ValidationFailedError) Error() string {
	return fmt.Sprintf("cannot convert column %q on table %q: %s at row %s", e.Column, e.Table, e.Reason, e.RowID)
}

// Postgres error codes the worker treats as transient.
const (
	serializationFailureCode pq.ErrorCode = "40001"
	deadlockDetectedCode     pq.ErrorCode = "40P01"
	lockNotAvailableCode     pq.ErrorCode = "55P03"
	connectionFailureClass                = "08"
)

// IsTransient reports whether err is worth retrying: deadlocks,
// serialization failures, lock timeouts, and connection-level failures.
// Structural errors (missing columns, invalid identifiers, unsupported
// conversions) are terminal and excluded.
func IsTransient(err error) bool {
	switch {
	case errors.As(err, &ColumnAlreadyExistsError{}),
		errors.As(err, &ColumnDoesNotExistError{}),
		errors.As(err, &TableDoesNotExistError{}),
		errors.As(err, &UnsupportedConversionError{}),
		errors.As(err, &ValidationFailedError{}),
		errors.As(err, &catalog.InvalidIdentifierError{}),
		errors.As(err, &catalog.UnknownDataTypeError{}),
		errors.As(err, &backup.TableMissingError{}),
		errors.As(err, &backup.ColumnMissingError{}):
		return false
	}

	pqErr := &pq.Error{}
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case serializationFailureCode, deadlockDetectedCode, lockNotAvailableCode:
			return true
		}
		return pqErr.Code.Class() == connectionFailureClass
	}

	return false
}
