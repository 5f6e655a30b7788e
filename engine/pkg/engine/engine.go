// Package engine wires the compensation components together and runs the
// admin operations that span several of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/installment"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/pool"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
	"github.com/jackc/pgx/v5"
)

type Engine struct {
	log   *slog.Logger
	cfg   Config
	loops sync.WaitGroup

	Accounts     *accounts.Store
	Ledger       *ledger.Store
	Graph        *sponsorship.Store
	Commission   *commission.Calculator
	Distributor  *pool.Distributor
	Installments *installment.Scheduler
	Withdrawals  *withdrawal.Workflow
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := cfg.Settings

	acc, err := accounts.NewStore(accounts.StoreConfig{Logger: cfg.Logger, Pool: cfg.Pool, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("failed to create accounts store: %w", err)
	}
	led, err := ledger.NewStore(ledger.StoreConfig{
		Logger:  cfg.Logger,
		Pool:    cfg.Pool,
		Clock:   cfg.Clock,
		Alerter: cfg.Alerter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger store: %w", err)
	}
	graph, err := sponsorship.NewStore(sponsorship.StoreConfig{
		Logger:   cfg.Logger,
		Pool:     cfg.Pool,
		Clock:    cfg.Clock,
		Accounts: acc,
		Matrix:   sponsorship.MatrixConfig{Width: s.MatrixWidth, MaxLevel: s.MatrixMaxLevel},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sponsorship store: %w", err)
	}
	calc, err := commission.New(commission.Config{
		Logger:         cfg.Logger,
		Pool:           cfg.Pool,
		Clock:          cfg.Clock,
		Ledger:         led,
		Graph:          graph,
		Accounts:       acc,
		Rates:          s.CommissionRates,
		JoiningRates:   s.JoiningRates,
		InactivePolicy: s.InactivePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create commission calculator: %w", err)
	}
	dist, err := pool.New(pool.Config{
		Logger:           cfg.Logger,
		Pool:             cfg.Pool,
		Clock:            cfg.Clock,
		Ledger:           led,
		CompanyShare:     s.PoolCompanyShare,
		LevelShares:      s.PoolLevelShares,
		EmptyLevelPolicy: s.PoolEmptyLevelPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pool distributor: %w", err)
	}
	sched, err := installment.New(installment.Config{
		Logger:      cfg.Logger,
		Pool:        cfg.Pool,
		Clock:       cfg.Clock,
		Ledger:      led,
		Alerter:     cfg.Alerter,
		Interval:    s.InstallmentInterval,
		Policy:      s.installmentPolicy(),
		BatchSize:   s.InstallmentBatchSize,
		Concurrency: s.InstallmentConcurrency,
		Confirmer:   cfg.Confirmer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create installment scheduler: %w", err)
	}
	wf, err := withdrawal.New(withdrawal.Config{
		Logger:        cfg.Logger,
		Pool:          cfg.Pool,
		Clock:         cfg.Clock,
		Ledger:        led,
		MinimumAmount: s.WithdrawalMinimum,
		Methods:       s.WithdrawalMethods,
		HoldPolicy:    s.WithdrawalHoldPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal workflow: %w", err)
	}

	return &Engine{
		log:          cfg.Logger,
		cfg:          cfg,
		Accounts:     acc,
		Ledger:       led,
		Graph:        graph,
		Commission:   calc,
		Distributor:  dist,
		Installments: sched,
		Withdrawals:  wf,
	}, nil
}

// Ready reports whether the database answers.
func (e *Engine) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.cfg.Pool.Ping(ctx)
}

type Registration struct {
	ReferralCode string `json:"referral_code"`
	// Sponsor is a sponsor id or referral code. Empty leaves the user
	// unplaced.
	Sponsor string `json:"sponsor"`
}

type RegistrationResult struct {
	User      accounts.User          `json:"user"`
	Placement *sponsorship.Placement `json:"placement,omitempty"`
}

// Register creates a user and places it under its sponsor in one
// transaction, so a rejected sponsor leaves no account behind.
func (e *Engine) Register(ctx context.Context, req Registration) (RegistrationResult, error) {
	var out RegistrationResult
	err := pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		out = RegistrationResult{}
		u, err := e.Accounts.CreateTx(ctx, tx, accounts.NewUser{ReferralCode: req.ReferralCode})
		if err != nil {
			return err
		}
		if req.Sponsor != "" {
			p, err := e.Graph.PlaceTx(ctx, tx, u.ID, req.Sponsor)
			if err != nil {
				return err
			}
			out.Placement = &p
			if u, err = e.Accounts.Get(ctx, tx, u.ID); err != nil {
				return err
			}
		}
		out.User = u
		return nil
	})
	if err != nil {
		return RegistrationResult{}, err
	}
	return out, nil
}

type ManualPlacement struct {
	AdminID int64  `json:"-"`
	UserID  int64  `json:"user_id"`
	Sponsor string `json:"sponsor"`
	// MatrixLevel also allocates a matrix slot when set.
	MatrixLevel int `json:"matrix_level,omitempty"`
}

type ManualPlacementResult struct {
	Placement  sponsorship.Placement `json:"placement"`
	Slot       *sponsorship.Slot     `json:"slot,omitempty"`
	Commission *commission.Result    `json:"commission,omitempty"`
}

// ManualPurchaseRef is the purchase ref of userID's manual placement.
func ManualPurchaseRef(userID int64) string {
	return fmt.Sprintf("MANUAL_%d", userID)
}

// ManualPlace places a user on an admin's behalf. Placement, the optional
// matrix slot, the placement commissions and the audit row commit together.
func (e *Engine) ManualPlace(ctx context.Context, req ManualPlacement) (ManualPlacementResult, error) {
	if req.AdminID <= 0 {
		return ManualPlacementResult{}, apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}
	var out ManualPlacementResult
	err := pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		out = ManualPlacementResult{}
		// The slot goes first so the new edges snapshot it.
		if req.MatrixLevel > 0 {
			slot, err := e.Graph.AllocateTx(ctx, tx, req.UserID, req.MatrixLevel)
			if err != nil {
				return err
			}
			out.Slot = &slot
		}

		p, err := e.Graph.PlaceTx(ctx, tx, req.UserID, req.Sponsor)
		if err != nil {
			return err
		}
		out.Placement = p

		if amount := e.cfg.Settings.ManualPlacementAmount; amount > 0 {
			res, err := e.Commission.CreditTx(ctx, tx, commission.Purchase{
				BuyerID:     req.UserID,
				PurchaseRef: ManualPurchaseRef(req.UserID),
				BaseAmount:  amount,
			}, commission.TypeManualPlacement, commission.SourceManualPlacement)
			if err != nil {
				return err
			}
			out.Commission = &res
		} else if _, err := e.Accounts.Activate(ctx, tx, req.UserID); err != nil {
			return err
		}

		details := map[string]any{
			"sponsor_id": p.SponsorID,
			"edges":      len(p.Created),
		}
		if out.Slot != nil {
			details["matrix_level"] = out.Slot.Level
			details["matrix_position"] = out.Slot.Position
		}
		if out.Commission != nil {
			details["purchase_ref"] = out.Commission.PurchaseRef
			details["commission_total"] = out.Commission.Total
		}
		return e.audit(ctx, tx, req.AdminID, audit.ActionManualPlacement, &req.UserID, details)
	})
	if err != nil {
		return ManualPlacementResult{}, err
	}
	e.log.Info("engine: manual placement", "admin_id", req.AdminID, "user_id", req.UserID, "sponsor_id", out.Placement.SponsorID)
	return out, nil
}

// AllocateMatrixSlot assigns a matrix slot on an admin's behalf.
func (e *Engine) AllocateMatrixSlot(ctx context.Context, adminID, userID int64, level int) (sponsorship.Slot, error) {
	var slot sponsorship.Slot
	err := pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		slot, err = e.Graph.AllocateTx(ctx, tx, userID, level)
		if err != nil {
			return err
		}
		return e.audit(ctx, tx, adminID, audit.ActionMatrixAllocation, &userID, map[string]any{
			"matrix_level":    slot.Level,
			"matrix_position": slot.Position,
		})
	})
	return slot, err
}

func (e *Engine) Reparent(ctx context.Context, req sponsorship.ReparentRequest) (sponsorship.Placement, error) {
	if req.AdminID <= 0 {
		return sponsorship.Placement{}, apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}
	return e.Graph.Reparent(ctx, req)
}

// SetKYC records a KYC decision.
func (e *Engine) SetKYC(ctx context.Context, adminID, userID int64, approved bool) error {
	return pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		if err := e.Accounts.SetKYCApproval(ctx, tx, userID, approved); err != nil {
			return err
		}
		return e.audit(ctx, tx, adminID, audit.ActionKYCUpdate, &userID, map[string]any{"approved": approved})
	})
}

// UnfreezeLedger lifts a reconciliation freeze once an operator has
// corrected the wallet.
func (e *Engine) UnfreezeLedger(ctx context.Context, adminID, userID int64, reason string) error {
	return pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		if err := e.Ledger.Unfreeze(ctx, tx, userID); err != nil {
			return err
		}
		return e.audit(ctx, tx, adminID, audit.ActionLedgerUnfreeze, &userID, map[string]any{"reason": reason})
	})
}

func (e *Engine) ScheduleInstallments(ctx context.Context, adminID int64, req installment.ScheduleRequest) ([]installment.Installment, error) {
	var out []installment.Installment
	err := pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		out, err = e.Installments.ScheduleTx(ctx, tx, req)
		if err != nil {
			return err
		}
		return e.audit(ctx, tx, adminID, audit.ActionScheduleIncome, &req.UserID, map[string]any{
			"schedule_ref": out[0].ScheduleRef,
			"total_amount": req.TotalAmount,
			"count":        req.Count,
		})
	})
	return out, err
}

// RequeueInstallment gives a terminally failed installment a fresh retry
// budget.
func (e *Engine) RequeueInstallment(ctx context.Context, adminID, installmentID int64) (installment.Installment, error) {
	var inst installment.Installment
	err := pg.WithTx(ctx, e.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		inst, err = e.Installments.Requeue(ctx, tx, installmentID)
		if err != nil {
			return err
		}
		return e.audit(ctx, tx, adminID, audit.ActionRequeueInstallment, &inst.UserID, map[string]any{
			"installment_id": installmentID,
		})
	})
	return inst, err
}

// Now is the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.cfg.Clock.Now()
}

// ProcessInstallments runs an admin-triggered settlement pass. Every
// installment it pays is audited with adminID.
func (e *Engine) ProcessInstallments(ctx context.Context, adminID int64, asOf time.Time) (settle.Summary, error) {
	if adminID <= 0 {
		return settle.Summary{}, apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}
	return e.Installments.ProcessDueInstallmentsAs(ctx, adminID, asOf)
}

func (e *Engine) DistributePool(ctx context.Context, adminID int64, start, end time.Time) (pool.DistributionSummary, error) {
	if adminID <= 0 {
		return pool.DistributionSummary{}, apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}
	return e.Distributor.DistributePoolAs(ctx, adminID, start, end)
}

func (e *Engine) audit(ctx context.Context, tx pgx.Tx, adminID int64, action audit.Action, target *int64, details map[string]any) error {
	if adminID <= 0 {
		return apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}
	_, err := audit.Write(ctx, tx, e.cfg.Clock.Now(), audit.Record{
		AdminID:      adminID,
		Action:       action,
		TargetUserID: target,
		Details:      details,
	})
	return err
}
