// Package pg holds the transaction plumbing shared by the engine stores.
package pg

import (
	"context"
	"fmt"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/utils/pkg/dberror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so read paths can run
// inside or outside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// WithTx runs fn in a read-committed transaction. Serialization failures,
// deadlocks and connectivity errors replay fn from the start, so fn must not
// keep state across invocations. Classified engine errors are never replayed.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var domainErr error
	_, err := dberror.Retry(ctx, dberror.DefaultRetryConfig(), func() (struct{}, error) {
		err := runTx(ctx, pool, fn)
		if _, ok := apperr.As(err); ok {
			domainErr = err
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if domainErr != nil {
		return domainErr
	}
	return err
}

func runTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// Advisory lock namespaces for pg_advisory_xact_lock(int, int).
const (
	LockSponsorship int32 = 1001
	LockMatrixLevel int32 = 1002
	LockPool        int32 = 1003
	LockSchedule    int32 = 1004
)

// AdvisoryXactLock takes a transaction-scoped advisory lock on (ns, key).
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, ns int32, key int32) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, ns, key); err != nil {
		return fmt.Errorf("advisory lock %d/%d: %w", ns, key, err)
	}
	return nil
}

// AdvisoryXactLockText is AdvisoryXactLock keyed by hashtext(key).
func AdvisoryXactLockText(ctx context.Context, tx pgx.Tx, ns int32, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, ns, key); err != nil {
		return fmt.Errorf("advisory lock %d/%s: %w", ns, key, err)
	}
	return nil
}
