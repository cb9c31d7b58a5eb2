// Package dbx holds the database plumbing shared by the job store and the
// queue: a query surface satisfied by both *sql.DB and *sql.Tx, and a helper
// that scopes a function to one transaction.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the slice of database/sql the export repositories query through.
// Code written against it runs unchanged inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn with a transactional handle. The transaction commits when fn
// returns nil and rolls back when it returns an error or panics; a panic is
// re-raised after the rollback.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
