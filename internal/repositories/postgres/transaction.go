package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultTxAttempts = 3
	defaultTxTimeout  = 15 * time.Second
	txRetryBackoff    = 50 * time.Millisecond
)

type txKey struct{}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// RunInTx executes fn inside a transaction carried on the context. Repositories called with that
// context join the transaction. Nested calls reuse the outer transaction. Serialization failures
// and deadlocks are retried with a fresh transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("postgres: transaction function is nil"))
	}
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > defaultTxTimeout {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	var err error
	for attempt := 1; attempt <= s.txAttempts; attempt++ {
		err = s.runOnce(txCtx, fn)
		if err == nil || !isRetryableTxError(err) {
			break
		}
		select {
		case <-txCtx.Done():
			return txCtx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return WrapError("transaction.begin", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapError("transaction.commit", err)
	}
	return nil
}
