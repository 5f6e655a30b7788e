// Package audit records admin actions. Writers pass the transaction that
// carries the action's ledger effect so both commit or neither does.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cartnet/compensation/engine/pkg/pg"
)

type Action string

const (
	ActionManualPlacement    Action = "manual_placement"
	ActionMatrixAllocation   Action = "matrix_allocation"
	ActionReparent           Action = "reparent"
	ActionKYCUpdate          Action = "kyc_update"
	ActionWithdrawalApproved Action = "withdrawal_approved"
	ActionWithdrawalRejected Action = "withdrawal_rejected"
	ActionPoolDistribution   Action = "pool_distribution"
	ActionScheduleIncome     Action = "schedule_self_income"
	ActionRequeueInstallment Action = "requeue_installment"
	ActionInstallmentSettled Action = "installment_settled"
	ActionLedgerUnfreeze     Action = "ledger_unfreeze"
)

type Record struct {
	AdminID      int64
	Action       Action
	TargetUserID *int64
	Details      map[string]any
}

type Entry struct {
	ID           int64           `json:"id"`
	AdminID      int64           `json:"admin_id"`
	Action       Action          `json:"action"`
	TargetUserID *int64          `json:"target_user_id,omitempty"`
	Details      json.RawMessage `json:"details"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Write inserts one audit row through q and returns its id.
func Write(ctx context.Context, q pg.Querier, at time.Time, r Record) (int64, error) {
	if r.AdminID <= 0 {
		return 0, fmt.Errorf("audit: admin id is required")
	}
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to encode details: %w", err)
	}

	var id int64
	err = q.QueryRow(ctx, `
		INSERT INTO admin_audit (admin_id, action, target_user_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, r.AdminID, string(r.Action), r.TargetUserID, raw, at).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: failed to write %s: %w", r.Action, err)
	}
	return id, nil
}

type Filter struct {
	TargetUserID *int64
	Action       Action
	Limit        int
	Offset       int
}

// List returns audit rows newest first.
func List(ctx context.Context, q pg.Querier, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := q.Query(ctx, `
		SELECT id, admin_id, action, target_user_id, details, created_at
		FROM admin_audit
		WHERE ($1::bigint IS NULL OR target_user_id = $1)
		  AND ($2::text = '' OR action = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, f.TargetUserID, string(f.Action), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.AdminID, &action, &e.TargetUserID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan: %w", err)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
