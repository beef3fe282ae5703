// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nuvemplay/core/internal/log"
)

// Tx carries an open transaction through the typed entity accessors so a
// service can compose multi-entity invariants (debit wallet + insert session)
// atomically.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context { return t.ctx }

// WithTx runs fn inside a write transaction, committing on success. Lock
// contention (SQLITE_BUSY/LOCKED) is retried up to three times with jittered
// exponential backoff; domain failures are never retried.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 10 * time.Millisecond
	expBackoff.MaxInterval = 250 * time.Millisecond

	operation := func() (struct{}, error) {
		err := s.runTx(ctx, fn)
		if err != nil && !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger := log.WithComponent("store")
			logger.Warn().
				Err(err).
				Dur("retry_in", duration).
				Msg("sqlite busy, retrying transaction")
		}),
	)
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// ReadTx runs fn in a read-only snapshot transaction.
func (s *Store) ReadTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}
