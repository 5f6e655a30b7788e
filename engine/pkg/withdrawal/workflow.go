// Package withdrawal implements the request, approve or reject lifecycle for
// wallet payouts.
package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// HoldPolicy decides when a request's amount stops being available.
type HoldPolicy string

const (
	// HoldAtApproval checks the balance at creation and debits at approval.
	// Pending requests do not reserve funds.
	HoldAtApproval HoldPolicy = "approval"
	// HoldAtCreation also subtracts the user's pending requests when a new
	// request is created.
	HoldAtCreation HoldPolicy = "creation"
)

type Request struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Amount      int64           `json:"amount"`
	Method      string          `json:"method"`
	Details     json.RawMessage `json:"details"`
	Status      Status          `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy *int64          `json:"processed_by,omitempty"`
	AdminNotes  *string         `json:"admin_notes,omitempty"`
	LedgerRef   *string         `json:"ledger_ref,omitempty"`
}

const requestColumns = `id, user_id, amount, method, details, status, requested_at, processed_at, processed_by, admin_notes, ledger_ref`

func scanRequest(row pgx.Row) (Request, error) {
	var r Request
	var status string
	err := row.Scan(&r.ID, &r.UserID, &r.Amount, &r.Method, &r.Details, &status, &r.RequestedAt,
		&r.ProcessedAt, &r.ProcessedBy, &r.AdminNotes, &r.LedgerRef)
	r.Status = Status(status)
	return r, err
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	Ledger *ledger.Store

	// MinimumAmount is the smallest amount that may be requested.
	MinimumAmount int64
	Methods       []string
	HoldPolicy    HoldPolicy
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
	if cfg.MinimumAmount < 0 {
		return errors.New("minimum amount must not be negative")
	}
	if cfg.MinimumAmount == 0 {
		cfg.MinimumAmount = 50000
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{"bank_transfer", "upi"}
	}
	switch cfg.HoldPolicy {
	case "":
		cfg.HoldPolicy = HoldAtApproval
	case HoldAtApproval, HoldAtCreation:
	default:
		return fmt.Errorf("unknown hold policy %q", cfg.HoldPolicy)
	}
	return nil
}

type Workflow struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Workflow{log: cfg.Logger, cfg: cfg}, nil
}

type CreateInput struct {
	UserID  int64          `json:"user_id"`
	Amount  int64          `json:"amount"`
	Method  string         `json:"method"`
	Details map[string]any `json:"details"`
}

// CreateRequest opens a pending withdrawal. Checks run under the user's
// wallet lock: KYC first, then the amount, the frozen flag, the minimum,
// the available balance and the payout method.
func (w *Workflow) CreateRequest(ctx context.Context, in CreateInput) (Request, error) {
	var req Request
	err := pg.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		wallet, err := w.cfg.Ledger.LockWallet(ctx, tx, in.UserID)
		if err != nil {
			return err
		}

		var kyc bool
		if err := tx.QueryRow(ctx, `SELECT is_kyc_approved FROM users WHERE id = $1`, in.UserID).Scan(&kyc); err != nil {
			return fmt.Errorf("failed to read kyc status of %d: %w", in.UserID, err)
		}
		if !kyc {
			return apperr.Wrapf(apperr.ErrKycNotApproved, "user %d", in.UserID)
		}
		if in.Amount <= 0 {
			return apperr.Wrapf(apperr.ErrInvalidAmount, "withdrawal amount %d", in.Amount)
		}
		if wallet.Frozen {
			return apperr.Wrapf(apperr.ErrLedgerFrozen, "user %d", in.UserID)
		}
		if in.Amount < w.cfg.MinimumAmount {
			return apperr.Wrapf(apperr.ErrBelowMinimum, "%d is below %d", in.Amount, w.cfg.MinimumAmount)
		}

		available := wallet.Balance
		if w.cfg.HoldPolicy == HoldAtCreation {
			var pending int64
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(amount), 0)::bigint FROM withdrawal_requests WHERE user_id = $1 AND status = 'pending'
			`, in.UserID).Scan(&pending); err != nil {
				return fmt.Errorf("failed to sum pending withdrawals of %d: %w", in.UserID, err)
			}
			available -= pending
		}
		if in.Amount > available {
			return apperr.Wrapf(apperr.ErrInsufficientBalance, "user %d has %d available, requested %d", in.UserID, available, in.Amount)
		}
		if !slices.Contains(w.cfg.Methods, in.Method) {
			return apperr.Wrapf(apperr.ErrInvalidMethod, "%q", in.Method)
		}

		details := []byte("{}")
		if len(in.Details) > 0 {
			if details, err = json.Marshal(in.Details); err != nil {
				return fmt.Errorf("failed to encode withdrawal details: %w", err)
			}
		}
		req, err = scanRequest(tx.QueryRow(ctx, `
			INSERT INTO withdrawal_requests (user_id, amount, method, details, status, requested_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
			RETURNING `+requestColumns, in.UserID, in.Amount, in.Method, details, w.cfg.Clock.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert withdrawal request: %w", err)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	w.log.Info("withdrawal: request created", "request_id", req.ID, "user_id", req.UserID, "amount", req.Amount, "method", req.Method)
	return req, nil
}

// ResolveRequest approves or rejects a pending request. Approval debits the
// wallet with ledger ref WD_{id}; an insufficient balance leaves the request
// pending. Both outcomes are audited in the same transaction.
func (w *Workflow) ResolveRequest(ctx context.Context, requestID int64, action Action, adminID int64, notes string) (Request, error) {
	if action != ActionApprove && action != ActionReject {
		return Request{}, apperr.Wrapf(apperr.ErrInvalidAction, "%q", action)
	}
	if adminID <= 0 {
		return Request{}, apperr.Wrapf(apperr.ErrInvalidInput, "admin id is required")
	}

	var req Request
	err := pg.WithTx(ctx, w.cfg.Pool, func(tx pgx.Tx) error {
		cur, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, requestID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Wrapf(apperr.ErrRequestNotFound, "request %d", requestID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock withdrawal request %d: %w", requestID, err)
		}
		if cur.Status != StatusPending {
			return apperr.Wrapf(apperr.ErrAlreadyProcessed, "request %d is %s", requestID, cur.Status)
		}

		status := StatusRejected
		auditAction := audit.ActionWithdrawalRejected
		var ledgerRef *string
		if action == ActionApprove {
			ref := fmt.Sprintf("WD_%d", requestID)
			if _, err := w.cfg.Ledger.Post(ctx, tx, ledger.Entry{
				UserID:      cur.UserID,
				Type:        ledger.TypeWithdrawal,
				Amount:      -cur.Amount,
				Description: fmt.Sprintf("withdrawal via %s", cur.Method),
				Ref:         ref,
				Metadata:    map[string]any{"request_id": requestID, "admin_id": adminID},
			}); err != nil {
				return err
			}
			status = StatusApproved
			auditAction = audit.ActionWithdrawalApproved
			ledgerRef = &ref
		}

		now := w.cfg.Clock.Now()
		req, err = scanRequest(tx.QueryRow(ctx, `
			UPDATE withdrawal_requests
			SET status = $2, processed_at = $3, processed_by = $4, admin_notes = NULLIF($5::text, ''), ledger_ref = $6
			WHERE id = $1
			RETURNING `+requestColumns, requestID, string(status), now, adminID, notes, ledgerRef))
		if err != nil {
			return fmt.Errorf("failed to update withdrawal request %d: %w", requestID, err)
		}

		target := cur.UserID
		_, err = audit.Write(ctx, tx, now, audit.Record{
			AdminID:      adminID,
			Action:       auditAction,
			TargetUserID: &target,
			Details: map[string]any{
				"request_id": requestID,
				"amount":     cur.Amount,
				"notes":      notes,
			},
		})
		return err
	})
	if err != nil {
		w.log.Info("withdrawal: resolve failed", "request_id", requestID, "action", action, "error", err)
		return Request{}, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(req.Status)).Inc()
	w.log.Info("withdrawal: request resolved", "request_id", requestID, "status", req.Status, "admin_id", adminID)
	return req, nil
}

// Get loads a request by id.
func (w *Workflow) Get(ctx context.Context, id int64) (Request, error) {
	r, err := scanRequest(w.cfg.Pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, apperr.Wrapf(apperr.ErrRequestNotFound, "request %d", id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("failed to load withdrawal request %d: %w", id, err)
	}
	return r, nil
}

// PendingQueue returns pending requests oldest first and the total pending
// count.
func (w *Workflow) PendingQueue(ctx context.Context, limit, offset int) ([]Request, int, error) {
	var total int
	if err := w.cfg.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawal_requests WHERE status = 'pending'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pending withdrawals: %w", err)
	}
	rows, err := w.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE status = 'pending'
		ORDER BY requested_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query pending withdrawals: %w", err)
	}
	out, err := collect(rows)
	return out, total, err
}

// ListForUser returns a user's requests newest first.
func (w *Workflow) ListForUser(ctx context.Context, userID int64) ([]Request, error) {
	rows, err := w.cfg.Pool.Query(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY requested_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals of %d: %w", userID, err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Request, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Request, error) {
		return scanRequest(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan withdrawal requests: %w", err)
	}
	return out, nil
}
