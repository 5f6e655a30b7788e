package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Plan writes the distribution row, its allocations and the carry-over
// balances in one transaction. An existing plan for the same period is
// returned unchanged.
func (d *Distributor) Plan(ctx context.Context, adminID int64, start, end time.Time) (Distribution, error) {
	// Postgres keeps microseconds.
	start, end = start.Truncate(time.Microsecond), end.Truncate(time.Microsecond)
	if err := validatePeriod(start, end); err != nil {
		return Distribution{}, err
	}

	var dist Distribution
	err := pg.WithTx(ctx, d.cfg.Pool, func(tx pgx.Tx) error {
		if err := pg.AdvisoryXactLock(ctx, tx, pg.LockPool, 0); err != nil {
			return err
		}

		existing, err := d.byRef(ctx, tx, Ref(start))
		switch {
		case err == nil:
			if !existing.PeriodStart.Equal(start) || !existing.PeriodEnd.Equal(end) {
				return apperr.Wrapf(apperr.ErrPeriodConflict, "%s already covers [%s, %s)", existing.Ref,
					existing.PeriodStart.Format(time.RFC3339), existing.PeriodEnd.Format(time.RFC3339))
			}
			dist = existing
			return nil
		case !errors.Is(err, apperr.ErrDistributionNotFound):
			return err
		}

		dist, err = d.plan(ctx, tx, start, end)
		if err != nil {
			return err
		}
		// One audit row per trigger, committed with the frozen plan. Credits
		// commit later, one transaction per allocation.
		if adminID > 0 {
			_, err = audit.Write(ctx, tx, d.cfg.Clock.Now(), audit.Record{
				AdminID: adminID,
				Action:  audit.ActionPoolDistribution,
				Details: map[string]any{
					"distribution_id": dist.ID,
					"ref":             dist.Ref,
					"period_start":    start.UTC().Format(time.RFC3339),
					"period_end":      end.UTC().Format(time.RFC3339),
					"pool_amount":     dist.PoolAmount,
				},
			})
		}
		return err
	})
	if err != nil {
		return Distribution{}, err
	}
	return dist, nil
}

type participant struct {
	userID int64
	level  int
}

func (d *Distributor) plan(ctx context.Context, tx pgx.Tx, start, end time.Time) (Distribution, error) {
	var revenue int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(base_amount), 0)::bigint FROM qualifying_purchases
		WHERE source = $1 AND paid_at >= $2 AND paid_at < $3
	`, commission.SourceOrder, start, end).Scan(&revenue); err != nil {
		return Distribution{}, fmt.Errorf("failed to sum period revenue: %w", err)
	}

	carry := make(map[int]int64)
	rows, err := tx.Query(ctx, `SELECT level, amount FROM pool_carryover FOR UPDATE`)
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to load carry-over: %w", err)
	}
	for rows.Next() {
		var level int
		var amount int64
		if err := rows.Scan(&level, &amount); err != nil {
			rows.Close()
			return Distribution{}, fmt.Errorf("failed to scan carry-over: %w", err)
		}
		carry[level] = amount
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Distribution{}, fmt.Errorf("failed to load carry-over: %w", err)
	}

	levels := len(d.cfg.LevelShares)
	rows, err = tx.Query(ctx, `
		SELECT id, matrix_level FROM users
		WHERE is_active AND is_kyc_approved AND NOT ledger_frozen AND matrix_level BETWEEN 1 AND $1
		ORDER BY matrix_level, id
	`, levels)
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to load participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (participant, error) {
		var p participant
		err := row.Scan(&p.userID, &p.level)
		return p, err
	})
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to load participants: %w", err)
	}
	byLevel := make(map[int][]int64)
	for _, p := range participants {
		byLevel[p.level] = append(byLevel[p.level], p.userID)
	}

	company := decimal.NewFromInt(revenue).Mul(d.cfg.CompanyShare).Floor().IntPart()
	poolAmount := revenue - company

	dist := Distribution{
		Ref:           Ref(start),
		PeriodStart:   start,
		PeriodEnd:     end,
		TotalRevenue:  revenue,
		PoolAmount:    poolAmount,
		CompanyAmount: company,
		Status:        StatusPlanned,
		Levels:        make([]LevelBreakdown, 0, levels),
	}
	type planned struct {
		userID int64
		level  int
		amount int64
	}
	var allocations []planned
	var assigned int64
	for i, share := range d.cfg.LevelShares {
		level := i + 1
		lb := LevelBreakdown{
			Level:     level,
			Share:     decimal.NewFromInt(poolAmount).Mul(share).Floor().IntPart(),
			CarriedIn: carry[level],
		}
		assigned += lb.Share
		available := lb.Share + lb.CarriedIn

		users := byLevel[level]
		lb.Participants = len(users)
		if len(users) > 0 {
			lb.PerParticipant = available / int64(len(users))
		}
		if lb.PerParticipant > 0 {
			for _, uid := range users {
				allocations = append(allocations, planned{userID: uid, level: level, amount: lb.PerParticipant})
			}
			lb.Distributed = lb.PerParticipant * int64(len(users))
		}
		leftover := available - lb.Distributed
		if d.cfg.EmptyLevelPolicy == CarryForward {
			lb.CarriedOut = leftover
		} else {
			lb.Forfeited = leftover
		}

		dist.DistributedAmount += lb.Distributed
		dist.CarriedForward += lb.CarriedOut
		dist.Forfeited += lb.Forfeited
		dist.ParticipantCount += lb.Participants
		dist.Levels = append(dist.Levels, lb)
	}
	// Pool fraction not assigned to any level.
	dist.Forfeited += poolAmount - assigned

	raw, err := d.encodeLevels(dist.Levels)
	if err != nil {
		return Distribution{}, err
	}
	now := d.cfg.Clock.Now()
	status := StatusPlanned
	var completedAt *time.Time
	if len(allocations) == 0 {
		status = StatusCompleted
		completedAt = &now
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO turnover_pool_distributions
			(ref, period_start, period_end, total_revenue, pool_amount, company_amount, distributed_amount,
			 carried_forward, forfeited, per_level_breakdown, participant_count, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at
	`, dist.Ref, start, end, revenue, poolAmount, company, dist.DistributedAmount, dist.CarriedForward,
		dist.Forfeited, raw, dist.ParticipantCount, string(status), now, completedAt).Scan(&dist.ID, &dist.CreatedAt)
	if err != nil {
		return Distribution{}, fmt.Errorf("failed to insert distribution %s: %w", dist.Ref, err)
	}
	dist.Status = status
	dist.CompletedAt = completedAt

	batch := &pgx.Batch{}
	for _, a := range allocations {
		batch.Queue(`
			INSERT INTO pool_allocations (distribution_id, user_id, level, amount, status, ledger_ref)
			VALUES ($1, $2, $3, $4, 'pending', $5)
		`, dist.ID, a.userID, a.level, a.amount, allocationRef(start, a.userID))
	}
	for _, lb := range dist.Levels {
		batch.Queue(`
			INSERT INTO pool_carryover (level, amount, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (level) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		`, lb.Level, lb.CarriedOut, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return Distribution{}, fmt.Errorf("failed to write allocations for %s: %w", dist.Ref, err)
	}

	d.log.Info("pool: plan written", "ref", dist.Ref, "revenue", revenue, "pool", poolAmount,
		"allocations", len(allocations), "carried_forward", dist.CarriedForward, "forfeited", dist.Forfeited)
	return dist, nil
}
