// Package pool splits period revenue into a company share and a turnover
// pool and distributes the pool across matrix levels.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// EmptyLevelPolicy decides what happens to a level share nobody can take,
// and to the indivisible remainder of a split.
type EmptyLevelPolicy string

const (
	CarryForward EmptyLevelPolicy = "carry_forward"
	Forfeit      EmptyLevelPolicy = "forfeit"
)

var (
	DefaultCompanyShare = decimal.RequireFromString("0.70")
	DefaultLevelShares  = []decimal.Decimal{
		decimal.RequireFromString("0.30"),
		decimal.RequireFromString("0.25"),
		decimal.RequireFromString("0.20"),
		decimal.RequireFromString("0.15"),
		decimal.RequireFromString("0.10"),
	}
)

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	Ledger *ledger.Store

	// CompanyShare of revenue is retained; the rest forms the pool.
	CompanyShare decimal.Decimal
	// LevelShares[i] is the fraction of the pool for matrix level i+1.
	LevelShares      []decimal.Decimal
	EmptyLevelPolicy EmptyLevelPolicy
	// Concurrency bounds parallel allocation credits.
	Concurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	one := decimal.NewFromInt(1)
	if cfg.CompanyShare.IsZero() {
		cfg.CompanyShare = DefaultCompanyShare
	}
	if cfg.CompanyShare.IsNegative() || cfg.CompanyShare.GreaterThan(one) {
		return fmt.Errorf("company share %s not in [0, 1]", cfg.CompanyShare)
	}
	if len(cfg.LevelShares) == 0 {
		cfg.LevelShares = DefaultLevelShares
	}
	sum := decimal.Zero
	for i, s := range cfg.LevelShares {
		if s.IsNegative() {
			return fmt.Errorf("level %d share %s is negative", i+1, s)
		}
		sum = sum.Add(s)
	}
	if sum.GreaterThan(one) {
		return fmt.Errorf("level shares sum to %s, more than the whole pool", sum)
	}
	switch cfg.EmptyLevelPolicy {
	case "":
		cfg.EmptyLevelPolicy = CarryForward
	case CarryForward, Forfeit:
	default:
		return fmt.Errorf("unknown empty level policy %q", cfg.EmptyLevelPolicy)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return nil
}

type Status string

const (
	StatusPlanned   Status = "planned"
	StatusCompleted Status = "completed"
)

// LevelBreakdown records how one matrix level's share was split.
type LevelBreakdown struct {
	Level          int   `json:"level"`
	Share          int64 `json:"share"`
	CarriedIn      int64 `json:"carried_in"`
	Participants   int   `json:"participants"`
	PerParticipant int64 `json:"per_participant"`
	Distributed    int64 `json:"distributed"`
	CarriedOut     int64 `json:"carried_out"`
	Forfeited      int64 `json:"forfeited"`
}

type Distribution struct {
	ID                int64            `json:"id"`
	Ref               string           `json:"ref"`
	PeriodStart       time.Time        `json:"period_start"`
	PeriodEnd         time.Time        `json:"period_end"`
	TotalRevenue      int64            `json:"total_revenue"`
	PoolAmount        int64            `json:"pool_amount"`
	CompanyAmount     int64            `json:"company_amount"`
	DistributedAmount int64            `json:"distributed_amount"`
	CarriedForward    int64            `json:"carried_forward"`
	Forfeited         int64            `json:"forfeited"`
	Levels            []LevelBreakdown `json:"per_level_breakdown"`
	ParticipantCount  int              `json:"participant_count"`
	Status            Status           `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Allocations       []Allocation     `json:"allocations,omitempty"`
}

type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "pending"
	AllocationCredited AllocationStatus = "credited"
	AllocationFailed   AllocationStatus = "failed"
)

type Allocation struct {
	ID             int64            `json:"id"`
	DistributionID int64            `json:"distribution_id"`
	UserID         int64            `json:"user_id"`
	Level          int              `json:"level"`
	Amount         int64            `json:"amount"`
	Status         AllocationStatus `json:"status"`
	Attempts       int              `json:"attempts"`
	LastError      *string          `json:"last_error,omitempty"`
	LedgerRef      string           `json:"ledger_ref"`
	CreditedAt     *time.Time       `json:"credited_at,omitempty"`
}

// DistributionSummary is the result of a DistributePool call.
type DistributionSummary struct {
	Distribution Distribution `json:"distribution"`
	settle.Summary
}

type Distributor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{log: cfg.Logger, cfg: cfg}, nil
}

// Ref is the distribution ref for a period starting at start. Periods are
// keyed by their UTC start date.
func Ref(start time.Time) string {
	return "POOL_" + start.UTC().Format("20060102")
}

func allocationRef(start time.Time, userID int64) string {
	return fmt.Sprintf("%s_%d", Ref(start), userID)
}

// DistributePool plans the period if needed and credits every allocation
// not yet credited. Re-running a period never distributes twice.
func (d *Distributor) DistributePool(ctx context.Context, start, end time.Time) (DistributionSummary, error) {
	return d.DistributePoolAs(ctx, 0, start, end)
}

// DistributePoolAs is DistributePool triggered by an admin; the plan is
// audited when adminID is set.
func (d *Distributor) DistributePoolAs(ctx context.Context, adminID int64, start, end time.Time) (DistributionSummary, error) {
	dist, err := d.Plan(ctx, adminID, start, end)
	if err != nil {
		return DistributionSummary{}, err
	}
	return d.Credit(ctx, dist)
}

func (d *Distributor) encodeLevels(levels []LevelBreakdown) ([]byte, error) {
	raw, err := json.Marshal(levels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode level breakdown: %w", err)
	}
	return raw, nil
}

func validatePeriod(start, end time.Time) error {
	if start.IsZero() || !end.After(start) {
		return apperr.Wrapf(apperr.ErrInvalidPeriod, "[%s, %s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}
