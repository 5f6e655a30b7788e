package installment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/metrics"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessDueInstallments settles every installment scheduled on or before
// asOf's date. Rows failed fewer than MaxRetries times are retried; each row
// is attempted at most once per run.
func (s *Scheduler) ProcessDueInstallments(ctx context.Context, asOf time.Time) (settle.Summary, error) {
	return s.ProcessDueInstallmentsAs(ctx, 0, asOf)
}

// ProcessDueInstallmentsAs is ProcessDueInstallments triggered by an admin.
// Each paid installment writes an audit row in the transaction of its
// ledger credit. adminID 0 is a scheduled run and writes none.
func (s *Scheduler) ProcessDueInstallmentsAs(ctx context.Context, adminID int64, asOf time.Time) (settle.Summary, error) {
	run := &run{
		s:       s,
		id:      uuid.New(),
		asOf:    truncateDate(asOf),
		adminID: adminID,
	}
	s.log.Info("installment: run started", "run_id", run.id, "as_of", run.asOf.Format(time.DateOnly), "admin_id", adminID)

	summary, err := settle.Process[Installment](ctx, settle.ProcessConfig{
		Logger:      s.log,
		Policy:      s.cfg.Policy,
		BatchSize:   s.cfg.BatchSize,
		Concurrency: s.cfg.Concurrency,
		OnExhausted: s.alertExhausted,
	}, run)
	if err != nil {
		return summary, err
	}

	s.log.Info("installment: run finished", "run_id", run.id, "processed", summary.Processed,
		"skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// run is the settle.Source for one processing pass.
type run struct {
	s       *Scheduler
	id      uuid.UUID
	asOf    time.Time
	adminID int64
}

func (r *run) Claim(ctx context.Context, limit int) ([]Installment, error) {
	now := r.s.cfg.Clock.Now()
	rows, err := r.s.cfg.Pool.Query(ctx, `
		UPDATE self_income_installments
		SET status = 'pending', claimed_by = $1::uuid, claimed_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM self_income_installments
			WHERE scheduled_date <= $3::date
			  AND (status = 'pending' OR (status = 'failed' AND retry_count < $4))
			  AND (claimed_by IS NULL OR claimed_at < $5)
			  AND (last_run_id IS NULL OR last_run_id <> $1::uuid)
			ORDER BY scheduled_date, id
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+installmentColumns,
		r.id.String(), now, r.asOf, r.s.cfg.Policy.MaxRetries, now.Add(-r.s.cfg.ClaimTTL), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim installments: %w", err)
	}
	items, err := scanInstallments(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to claim installments: %w", err)
	}
	if len(items) > 0 {
		r.s.log.Debug("installment: batch claimed", "run_id", r.id, "count", len(items))
	}
	return items, nil
}

func (r *run) Settle(ctx context.Context, inst Installment) error {
	if c := r.s.cfg.Confirmer; c != nil {
		if err := c.Confirm(ctx, inst); err != nil {
			return fmt.Errorf("confirm installment %d: %w", inst.ID, err)
		}
	}

	var skipped bool
	ref := fmt.Sprintf("SELF_%d", inst.ID)
	err := pg.WithTx(ctx, r.s.cfg.Pool, func(tx pgx.Tx) error {
		skipped = false
		var status string
		var claimedBy *string
		err := tx.QueryRow(ctx, `
			SELECT status, claimed_by::text FROM self_income_installments WHERE id = $1 FOR UPDATE
		`, inst.ID).Scan(&status, &claimedBy)
		if err != nil {
			return fmt.Errorf("failed to lock installment %d: %w", inst.ID, err)
		}
		if Status(status) == StatusPaid || claimedBy == nil || *claimedBy != r.id.String() {
			skipped = true
			return nil
		}

		_, err = r.s.cfg.Ledger.Post(ctx, tx, ledger.Entry{
			UserID:      inst.UserID,
			Type:        ledger.TypeSelfIncome,
			Amount:      inst.Amount,
			Description: fmt.Sprintf("self income installment %d of %d", inst.Number, inst.Total),
			Ref:         ref,
			Metadata: map[string]any{
				"schedule_ref":       inst.ScheduleRef,
				"installment_number": inst.Number,
			},
		})
		if err != nil && !errors.Is(err, apperr.ErrDuplicateRef) {
			return err
		}

		now := r.s.cfg.Clock.Now()
		_, err = tx.Exec(ctx, `
			UPDATE self_income_installments
			SET status = 'paid', paid_at = $2, ledger_ref = $3, failure_reason = NULL,
				claimed_by = NULL, claimed_at = NULL, last_run_id = $4::uuid, updated_at = $2
			WHERE id = $1
		`, inst.ID, now, ref, r.id.String())
		if err != nil {
			return fmt.Errorf("failed to mark installment %d paid: %w", inst.ID, err)
		}

		if r.adminID <= 0 {
			return nil
		}
		userID := inst.UserID
		_, err = audit.Write(ctx, tx, now, audit.Record{
			AdminID:      r.adminID,
			Action:       audit.ActionInstallmentSettled,
			TargetUserID: &userID,
			Details: map[string]any{
				"installment_id": inst.ID,
				"schedule_ref":   inst.ScheduleRef,
				"amount":         inst.Amount,
				"ledger_ref":     ref,
				"run_id":         r.id.String(),
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	if skipped {
		return settle.ErrSkip
	}
	metrics.InstallmentsTotal.WithLabelValues("paid").Inc()
	return nil
}

func (r *run) RecordFailure(ctx context.Context, inst Installment, res settle.Result) error {
	status := "failed"
	if res.Outcome == settle.OutcomeExhausted {
		status = "terminal"
	}
	metrics.InstallmentsTotal.WithLabelValues(status).Inc()

	_, err := r.s.cfg.Pool.Exec(ctx, `
		UPDATE self_income_installments
		SET status = 'failed', retry_count = $2, failure_reason = $3,
			claimed_by = NULL, claimed_at = NULL, last_run_id = $4::uuid, updated_at = $5
		WHERE id = $1 AND claimed_by = $4::uuid
	`, inst.ID, res.Retries, res.Err.Error(), r.id.String(), r.s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to record failure of installment %d: %w", inst.ID, err)
	}
	return nil
}

func (s *Scheduler) alertExhausted(ctx context.Context, key string, err error) {
	if nerr := s.cfg.Alerter.Notify(ctx, alert.Alert{
		Severity: alert.SeverityWarning,
		Title:    "self income installment failed permanently",
		Message:  fmt.Sprintf("installment %s exhausted %d attempts and needs manual requeue", key, s.cfg.Policy.MaxRetries),
		Fields: map[string]string{
			"installment_id": key,
			"max_retries":    strconv.Itoa(s.cfg.Policy.MaxRetries),
		},
		Err: err,
	}); nerr != nil {
		s.log.Warn("installment: failed to send alert", "installment_id", key, "error", nerr)
	}
}
