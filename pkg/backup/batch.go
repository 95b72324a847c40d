// SPDX-License-Identifier: Apache-2.0

package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// defaultBatchSize bounds how many rows are read per chunk when snapshotting
// a column, adapted from the teacher's backfill batch-cursor technique
// (pkg/migrations/backfill.go's batcher/batchStatementBuilder) turned from a
// row-updating cursor into a row-reading one.
const defaultBatchSize = 1000

// readColumnChunked reads every (pkValue, columnValue) pair from tableName
// in batches ordered by pkColumn, so that a very large table is never
// materialized as a single result set in memory beyond one batch at a time.
// The caller's transaction must already be REPEATABLE READ for the union of
// batches to be point-in-time consistent.
func readColumnChunked(ctx context.Context, tx *sql.Tx, tableName, pkColumn, columnName string, batchSize int) ([]RowValue, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var (
		values   []RowValue
		lastSeen any
	)

	for {
		query := buildBatchQuery(tableName, pkColumn, columnName, lastSeen, batchSize)

		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}

		count := 0
		for rows.Next() {
			var pkValue any
			var value sql.NullString
			if err := rows.Scan(&pkValue, &value); err != nil {
				rows.Close()
				return nil, err
			}
			var v any
			if value.Valid {
				v = value.String
			}
			values = append(values, RowValue{RowID: pkText(pkValue), Value: v})
			lastSeen = pkValue
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		if count < batchSize {
			break
		}
	}

	return values, nil
}

// buildBatchQuery selects the next batch of (pk, value) pairs after
// lastSeen. The cursor predicate and ORDER BY stay on the key's native
// type, with the comparison literal rendered per the scanned Go type the
// way the teacher's batchStatementBuilder.buildBatchSubQuery does it: a
// text-cast cursor would order "1000" before "999" on integer keys and
// silently skip rows across batch boundaries.
func buildBatchQuery(tableName, pkColumn, columnName string, lastSeen any, batchSize int) string {
	quotedTable := pq.QuoteIdentifier(tableName)
	quotedPK := pq.QuoteIdentifier(pkColumn)
	quotedCol := pq.QuoteIdentifier(columnName)

	whereClause := ""
	switch last := lastSeen.(type) {
	case nil:
	case int64:
		whereClause = fmt.Sprintf(" WHERE %s > %d", quotedPK, last)
	case []byte:
		whereClause = fmt.Sprintf(" WHERE %s > %s", quotedPK, pq.QuoteLiteral(string(last)))
	case string:
		whereClause = fmt.Sprintf(" WHERE %s > %s", quotedPK, pq.QuoteLiteral(last))
	case time.Time:
		whereClause = fmt.Sprintf(" WHERE %s > %s", quotedPK, pq.QuoteLiteral(last.Format(time.RFC3339Nano)))
	default:
		whereClause = fmt.Sprintf(" WHERE %s > %s", quotedPK, pq.QuoteLiteral(fmt.Sprint(last)))
	}

	return fmt.Sprintf("SELECT %[1]s, %[2]s FROM %[3]s%[4]s ORDER BY %[1]s LIMIT %[5]d",
		quotedPK, quotedCol, quotedTable, whereClause, batchSize)
}

// pkText renders a scanned primary key value as the snapshot's rowId
// string.
func pkText(v any) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func primaryKeyColumn(ctx context.Context, tx *sql.Tx, tableName string) (string, error) {
	const query = `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
		LIMIT 1`

	var pk string
	err := tx.QueryRowContext(ctx, query, tableName).Scan(&pk)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("table %q has no single-column primary key", tableName)
		}
		return "", err
	}
	return pk, nil
}
