// SPDX-License-Identifier: Apache-2.0

// Package db is the shared Postgres access layer of the field migration
// core. The DDL executor, the backup and journal stores, and the job queue
// all run through one RDB: because DDL on live dynamic tables takes short
// table-level locks while submissions keep writing, lock timeouts and the
// occasional deadlock or serialization failure are routine here, and the
// RDB absorbs them with backoff before any caller sees an error.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

// The transient Postgres error codes retried at this layer. Anything else
// propagates to the caller, where the queue's attempt counting decides what
// happens next.
var retryableCodes = map[pq.ErrorCode]struct{}{
	"55P03": {}, // lock_not_available: DDL queued behind a submission write
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
}

const (
	maxBackoffDuration = 1 * time.Minute
	backoffInterval    = 1 * time.Second
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error
	Close() error
}

// RDB wraps a *sql.DB and reruns statements that fail with one of the
// transient codes above, sleeping with exponential backoff (with jitter)
// between attempts until the context is cancelled.
type RDB struct {
	DB *sql.DB
}

func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := db.withRetry(ctx, func() error {
		var err error
		res, err = db.DB.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := db.withRetry(ctx, func() error {
		var err error
		rows, err = db.DB.QueryContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WithRetryableTransaction runs f in a transaction. A transient failure
// rolls the transaction back and begins a fresh one, so f must be safe to
// rerun from the start; the executor's operations are, since every write
// they make lives inside the same transaction.
func (db *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	return db.withRetry(ctx, func() error {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err := f(ctx, tx); err != nil {
			if errRollback := tx.Rollback(); errRollback != nil {
				return errRollback
			}
			return err
		}
		return tx.Commit()
	})
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

// withRetry reruns op for as long as it fails with a retryable code and the
// context is alive.
func (db *RDB) withRetry(ctx context.Context, op func() error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		err := op()
		if err == nil {
			return nil
		}

		pqErr := &pq.Error{}
		if !errors.As(err, &pqErr) {
			return err
		}
		if _, retryable := retryableCodes[pqErr.Code]; !retryable {
			return err
		}

		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue scans the single value of a single-row result set, the
// shape every count and lookup query in the stores returns.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
