package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Beginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var _ Beginner = (*pgxpool.Pool)(nil)

// InSerializableTx runs fn in a SERIALIZABLE transaction and commits it.
// On serialization failure or deadlock the whole function is re-run, up to
// attempts times. Any other error rolls back and is returned unchanged.
func InSerializableTx(ctx context.Context, db Beginner, attempts int, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for range attempts {
		err := runTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableTxError(err) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
	}
	return errors.Join(ErrTxRetriesExhausted, lastErr)
}

func runTx(ctx context.Context, db Beginner, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
