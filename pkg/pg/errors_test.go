package pg_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingcore/pkg/pg"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	fk := &pgconn.PgError{Code: "23503"}
	serial := &pgconn.PgError{Code: "40001"}
	deadlock := &pgconn.PgError{Code: "40P01"}

	assert.True(t, pg.IsDuplicateKeyError(dup))
	assert.False(t, pg.IsDuplicateKeyError(fk))
	assert.True(t, pg.IsForeignKeyViolationError(fk))
	assert.True(t, pg.IsRetryableTxError(serial))
	assert.True(t, pg.IsRetryableTxError(deadlock))
	assert.False(t, pg.IsRetryableTxError(dup))
	assert.False(t, pg.IsRetryableTxError(nil))
	assert.True(t, pg.IsNotFoundError(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	assert.False(t, pg.IsNotFoundError(errors.New("other")))
}

type fakeBeginner struct {
	calls int
	err   error
}

func (f *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	f.calls++
	return nil, f.err
}

func TestInSerializableTx_RetriesOnlyRetryableErrors(t *testing.T) {
	t.Parallel()

	t.Run("serialization failure is retried", func(t *testing.T) {
		t.Parallel()
		db := &fakeBeginner{err: &pgconn.PgError{Code: "40001"}}
		err := pg.InSerializableTx(context.Background(), db, 3, func(context.Context, pgx.Tx) error {
			return nil
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, pg.ErrTxRetriesExhausted)
		assert.Equal(t, 3, db.calls)
	})

	t.Run("other errors are returned immediately", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		db := &fakeBeginner{err: boom}
		err := pg.InSerializableTx(context.Background(), db, 3, func(context.Context, pgx.Tx) error {
			return nil
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, db.calls)
	})
}
