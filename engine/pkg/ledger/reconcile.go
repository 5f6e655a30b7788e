package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Reconciliation is the result of checking one wallet against its ledger.
type Reconciliation struct {
	UserID        int64 `json:"user_id"`
	CachedBalance int64 `json:"cached_balance"`
	LedgerSum     int64 `json:"ledger_sum"`
	Consistent    bool  `json:"consistent"`
	Frozen        bool  `json:"frozen"`
}

// Reconcile compares the cached balance with the ledger sum. A mismatch
// freezes the wallet, raises a critical alert and returns
// ErrInvariantViolation. The balance is never corrected here.
func (s *Store) Reconcile(ctx context.Context, userID int64) (Reconciliation, error) {
	var r Reconciliation
	var froze bool
	err := pg.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		froze = false
		r, err = s.check(ctx, tx, userID)
		if err != nil {
			return err
		}
		if r.Consistent || r.Frozen {
			return nil
		}
		reason := fmt.Sprintf("wallet balance %d does not match ledger sum %d", r.CachedBalance, r.LedgerSum)
		if _, err := tx.Exec(ctx, `
			UPDATE users SET ledger_frozen = TRUE, frozen_reason = $2, updated_at = $3 WHERE id = $1
		`, userID, reason, s.cfg.Clock.Now()); err != nil {
			return fmt.Errorf("failed to freeze wallet %d: %w", userID, err)
		}
		r.Frozen = true
		froze = true
		return nil
	})
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues("error").Inc()
		return Reconciliation{}, err
	}

	if r.Consistent {
		metrics.ReconciliationsTotal.WithLabelValues("consistent").Inc()
		return r, nil
	}

	metrics.ReconciliationsTotal.WithLabelValues("violation").Inc()
	violation := apperr.Wrapf(apperr.ErrInvariantViolation, "user %d: cached %d, ledger %d", userID, r.CachedBalance, r.LedgerSum)
	if !froze {
		// Already frozen and alerted by an earlier run.
		return r, violation
	}
	s.log.Error("ledger: wallet invariant violated", "user_id", userID, "cached", r.CachedBalance, "ledger_sum", r.LedgerSum)
	if err := s.cfg.Alerter.Notify(ctx, alert.Alert{
		Severity: alert.SeverityCritical,
		Title:    "wallet invariant violation",
		Message:  fmt.Sprintf("user %d wallet frozen: cached balance %d, ledger sum %d", userID, r.CachedBalance, r.LedgerSum),
		Fields: map[string]string{
			"user_id":        strconv.FormatInt(userID, 10),
			"cached_balance": strconv.FormatInt(r.CachedBalance, 10),
			"ledger_sum":     strconv.FormatInt(r.LedgerSum, 10),
		},
		Err: violation,
	}); err != nil {
		s.log.Warn("ledger: failed to send invariant alert", "user_id", userID, "error", err)
	}
	return r, violation
}

func (s *Store) check(ctx context.Context, tx pgx.Tx, userID int64) (Reconciliation, error) {
	w, err := s.LockWallet(ctx, tx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	var sum int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum); err != nil {
		return Reconciliation{}, fmt.Errorf("failed to sum ledger for %d: %w", userID, err)
	}
	return Reconciliation{
		UserID:        userID,
		CachedBalance: w.Balance,
		LedgerSum:     sum,
		Consistent:    w.Balance == sum,
		Frozen:        w.Frozen,
	}, nil
}

// ReconcileAll checks every wallet. Violations are reported as failed items.
func (s *Store) ReconcileAll(ctx context.Context) (settle.Summary, error) {
	rows, err := s.cfg.Pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return settle.Summary{}, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return settle.Summary{}, fmt.Errorf("failed to list users: %w", err)
	}

	rec := settle.NewRecorder()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReconcileConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := s.Reconcile(gctx, id); err != nil {
				rec.Fail(strconv.FormatInt(id, 10), err)
				return nil
			}
			rec.Processed()
			return nil
		})
	}
	_ = g.Wait()

	sum := rec.Summary()
	s.log.Info("ledger: reconciliation finished", "users", len(ids), "consistent", sum.Processed, "failed", sum.Failed)
	return sum, nil
}

// Unfreeze lifts a freeze inside tx once the wallet matches its ledger again.
func (s *Store) Unfreeze(ctx context.Context, tx pgx.Tx, userID int64) error {
	r, err := s.check(ctx, tx, userID)
	if err != nil {
		return err
	}
	if !r.Consistent {
		return apperr.Wrapf(apperr.ErrInvariantViolation, "user %d still mismatched: cached %d, ledger %d", userID, r.CachedBalance, r.LedgerSum)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE users SET ledger_frozen = FALSE, frozen_reason = NULL, updated_at = $2 WHERE id = $1
	`, userID, s.cfg.Clock.Now()); err != nil {
		return fmt.Errorf("failed to unfreeze wallet %d: %w", userID, err)
	}
	s.log.Info("ledger: wallet unfrozen", "user_id", userID)
	return nil
}
