package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Credit posts every allocation of dist that is not yet credited, each in
// its own transaction. Failures are recorded on the allocation and reported
// in the summary; the distribution completes once all allocations are
// credited.
func (d *Distributor) Credit(ctx context.Context, dist Distribution) (DistributionSummary, error) {
	rec := settle.NewRecorder()
	for _, lb := range dist.Levels {
		if lb.Participants == 0 {
			rec.Note("level_"+strconv.Itoa(lb.Level), apperr.Wrapf(apperr.ErrNoEligibleParticipants,
				"level %d: %d %s", lb.Level, lb.Share+lb.CarriedIn, d.cfg.EmptyLevelPolicy))
		}
	}

	allocations, err := d.allocations(ctx, d.cfg.Pool, dist.ID)
	if err != nil {
		return DistributionSummary{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, a := range allocations {
		if a.Status == AllocationCredited {
			rec.Skipped()
			continue
		}
		g.Go(func() error {
			credited, err := d.creditOne(gctx, a)
			switch {
			case err != nil:
				metrics.PoolCreditsTotal.WithLabelValues("failed").Inc()
				d.recordFailure(context.WithoutCancel(gctx), a, err)
				rec.Fail(strconv.FormatInt(a.UserID, 10), err)
			case credited:
				metrics.PoolCreditsTotal.WithLabelValues("credited").Inc()
				rec.Processed()
			default:
				metrics.PoolCreditsTotal.WithLabelValues("skipped").Inc()
				rec.Skipped()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := rec.Summary()
	if dist.Status != StatusCompleted && summary.Failed == 0 {
		if err := d.complete(ctx, &dist); err != nil {
			return DistributionSummary{}, err
		}
	}

	d.log.Info("pool: distribution credited", "ref", dist.Ref, "status", dist.Status,
		"processed", summary.Processed, "skipped", summary.Skipped, "failed", summary.Failed)
	return DistributionSummary{Distribution: dist, Summary: summary}, nil
}

// creditOne reports false when the allocation had already been credited.
func (d *Distributor) creditOne(ctx context.Context, a Allocation) (bool, error) {
	var credited bool
	err := pg.WithTx(ctx, d.cfg.Pool, func(tx pgx.Tx) error {
		credited = false
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM pool_allocations WHERE id = $1 FOR UPDATE`, a.ID).Scan(&status); err != nil {
			return fmt.Errorf("failed to lock allocation %d: %w", a.ID, err)
		}
		if AllocationStatus(status) == AllocationCredited {
			return nil
		}

		_, err := d.cfg.Ledger.Post(ctx, tx, ledger.Entry{
			UserID:      a.UserID,
			Type:        ledger.TypePoolDistribution,
			Amount:      a.Amount,
			Description: fmt.Sprintf("turnover pool level %d", a.Level),
			Ref:         a.LedgerRef,
			Metadata:    map[string]any{"distribution_id": a.DistributionID, "level": a.Level},
		})
		switch {
		case errors.Is(err, apperr.ErrDuplicateRef):
		case err != nil:
			return err
		default:
			credited = true
		}

		_, err = tx.Exec(ctx, `
			UPDATE pool_allocations
			SET status = 'credited', attempts = attempts + 1, last_error = NULL, credited_at = $2
			WHERE id = $1
		`, a.ID, d.cfg.Clock.Now())
		if err != nil {
			return fmt.Errorf("failed to mark allocation %d credited: %w", a.ID, err)
		}
		return nil
	})
	return credited, err
}

func (d *Distributor) recordFailure(ctx context.Context, a Allocation, cause error) {
	_, err := d.cfg.Pool.Exec(ctx, `
		UPDATE pool_allocations SET status = 'failed', attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND status <> 'credited'
	`, a.ID, cause.Error())
	if err != nil {
		d.log.Error("pool: failed to record allocation failure", "allocation_id", a.ID, "error", err)
	}
	d.log.Warn("pool: allocation credit failed", "allocation_id", a.ID, "user_id", a.UserID, "error", cause)
}

func (d *Distributor) complete(ctx context.Context, dist *Distribution) error {
	err := d.cfg.Pool.QueryRow(ctx, `
		UPDATE turnover_pool_distributions SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = 'planned' AND NOT EXISTS (
			SELECT 1 FROM pool_allocations WHERE distribution_id = $1 AND status <> 'credited'
		)
		RETURNING completed_at
	`, dist.ID, d.cfg.Clock.Now()).Scan(&dist.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete distribution %s: %w", dist.Ref, err)
	}
	dist.Status = StatusCompleted
	return nil
}
