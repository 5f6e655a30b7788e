package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
)

const distributionColumns = `id, ref, period_start, period_end, total_revenue, pool_amount, company_amount,
	distributed_amount, carried_forward, forfeited, per_level_breakdown, participant_count, status, created_at, completed_at`

func scanDistribution(row pgx.Row) (Distribution, error) {
	var dist Distribution
	var raw []byte
	var status string
	err := row.Scan(&dist.ID, &dist.Ref, &dist.PeriodStart, &dist.PeriodEnd, &dist.TotalRevenue, &dist.PoolAmount,
		&dist.CompanyAmount, &dist.DistributedAmount, &dist.CarriedForward, &dist.Forfeited, &raw,
		&dist.ParticipantCount, &status, &dist.CreatedAt, &dist.CompletedAt)
	if err != nil {
		return Distribution{}, err
	}
	dist.Status = Status(status)
	if err := json.Unmarshal(raw, &dist.Levels); err != nil {
		return Distribution{}, fmt.Errorf("failed to decode level breakdown of %s: %w", dist.Ref, err)
	}
	return dist, nil
}

func (d *Distributor) byRef(ctx context.Context, q pg.Querier, ref string) (Distribution, error) {
	dist, err := scanDistribution(q.QueryRow(ctx, `SELECT `+distributionColumns+` FROM turnover_pool_distributions WHERE ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return Distribution{}, apperr.Wrapf(apperr.ErrDistributionNotFound, "%s", ref)
	}
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to load distribution %s: %w", ref, err)
	}
	return dist, nil
}

func (d *Distributor) allocations(ctx context.Context, q pg.Querier, distributionID int64) ([]Allocation, error) {
	rows, err := q.Query(ctx, `
		SELECT id, distribution_id, user_id, level, amount, status, attempts, last_error, ledger_ref, credited_at
		FROM pool_allocations
		WHERE distribution_id = $1
		ORDER BY level, user_id
	`, distributionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations of %d: %w", distributionID, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Allocation, error) {
		var a Allocation
		var status string
		err := row.Scan(&a.ID, &a.DistributionID, &a.UserID, &a.Level, &a.Amount, &status, &a.Attempts,
			&a.LastError, &a.LedgerRef, &a.CreditedAt)
		a.Status = AllocationStatus(status)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan allocations of %d: %w", distributionID, err)
	}
	return out, nil
}

// Summary returns the distribution for the period starting at periodStart,
// with its allocations.
func (d *Distributor) Summary(ctx context.Context, periodStart time.Time) (Distribution, error) {
	dist, err := d.byRef(ctx, d.cfg.Pool, Ref(periodStart))
	if err != nil {
		return Distribution{}, err
	}
	dist.Allocations, err = d.allocations(ctx, d.cfg.Pool, dist.ID)
	if err != nil {
		return Distribution{}, err
	}
	return dist, nil
}

// List returns distributions newest period first.
func (d *Distributor) List(ctx context.Context, limit, offset int) ([]Distribution, error) {
	rows, err := d.cfg.Pool.Query(ctx, `
		SELECT `+distributionColumns+` FROM turnover_pool_distributions
		ORDER BY period_start DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	out := []Distribution{}
	for rows.Next() {
		dist, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate distributions: %w", err)
	}
	return out, nil
}
