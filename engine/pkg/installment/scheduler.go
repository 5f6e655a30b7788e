// Package installment pays self income as a schedule of dated installments.
package installment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/settle"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

type Installment struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	ScheduleRef   string     `json:"schedule_ref"`
	Amount        int64      `json:"amount"`
	Number        int        `json:"installment_number"`
	Total         int        `json:"total_installments"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	LedgerRef     *string    `json:"ledger_ref,omitempty"`
}

func (i Installment) Key() string  { return strconv.FormatInt(i.ID, 10) }
func (i Installment) Retries() int { return i.RetryCount }

const installmentColumns = `id, user_id, schedule_ref, amount, installment_number, total_installments,
	scheduled_date, status, retry_count, failure_reason, paid_at, ledger_ref`

func scanInstallments(rows pgx.Rows) ([]Installment, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Installment, error) {
		var i Installment
		var status string
		err := row.Scan(&i.ID, &i.UserID, &i.ScheduleRef, &i.Amount, &i.Number, &i.Total,
			&i.ScheduledDate, &status, &i.RetryCount, &i.FailureReason, &i.PaidAt, &i.LedgerRef)
		i.Status = Status(status)
		return i, err
	})
}

// Confirmer is an optional external settlement step, such as a payout
// provider acknowledgement, run before the ledger credit.
type Confirmer interface {
	Confirm(ctx context.Context, inst Installment) error
}

type Config struct {
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Clock   clockwork.Clock
	Ledger  *ledger.Store
	Alerter alert.Notifier

	// Interval spaces consecutive installments.
	Interval    time.Duration
	Policy      settle.Policy
	BatchSize   int
	Concurrency int
	// ClaimTTL is how long a claim from a crashed run blocks other runs.
	ClaimTTL  time.Duration
	Confirmer Confirmer
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
	if cfg.Alerter == nil {
		cfg.Alerter = alert.Log{Logger: cfg.Logger}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	return cfg.Policy.Validate()
}

type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// MaxRetries is the failure count at which an installment is terminal.
func (s *Scheduler) MaxRetries() int { return s.cfg.Policy.MaxRetries }

type ScheduleRequest struct {
	UserID      int64     `json:"user_id"`
	TotalAmount int64     `json:"total_amount"`
	Count       int       `json:"count"`
	StartDate   time.Time `json:"start_date"`
	// SourceRef makes scheduling idempotent. Generated when empty.
	SourceRef string `json:"source_ref"`
}

// ScheduleInstallments splits a self income amount into Count installments.
func (s *Scheduler) ScheduleInstallments(ctx context.Context, req ScheduleRequest) ([]Installment, error) {
	var out []Installment
	err := pg.WithTx(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.ScheduleTx(ctx, tx, req)
		return err
	})
	return out, err
}

// ScheduleTx is ScheduleInstallments inside a caller transaction. Amounts
// are TotalAmount/Count with the remainder on the last installment.
func (s *Scheduler) ScheduleTx(ctx context.Context, tx pgx.Tx, req ScheduleRequest) ([]Installment, error) {
	if req.UserID <= 0 {
		return nil, apperr.Wrapf(apperr.ErrInvalidSchedule, "user id is required")
	}
	if req.Count < 1 {
		return nil, apperr.Wrapf(apperr.ErrInvalidSchedule, "count %d must be at least 1", req.Count)
	}
	if req.TotalAmount < int64(req.Count) {
		return nil, apperr.Wrapf(apperr.ErrInvalidSchedule, "total %d cannot fund %d installments", req.TotalAmount, req.Count)
	}
	if req.SourceRef == "" {
		req.SourceRef = uuid.NewString()
	}
	start := req.StartDate
	if start.IsZero() {
		start = s.cfg.Clock.Now()
	}
	start = truncateDate(start)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, req.UserID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check user %d: %w", req.UserID, err)
	}
	if !exists {
		return nil, apperr.Wrapf(apperr.ErrUserNotFound, "user %d", req.UserID)
	}

	if err := pg.AdvisoryXactLockText(ctx, tx, pg.LockSchedule, req.SourceRef); err != nil {
		return nil, err
	}
	existing, err := s.loadSchedule(ctx, tx, req.SourceRef)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if err := sameSchedule(existing, req); err != nil {
			return nil, err
		}
		s.log.Debug("installment: schedule replayed", "user_id", req.UserID, "source_ref", req.SourceRef)
		return existing, nil
	}

	each := req.TotalAmount / int64(req.Count)
	remainder := req.TotalAmount % int64(req.Count)
	now := s.cfg.Clock.Now()
	for n := 1; n <= req.Count; n++ {
		amount := each
		if n == req.Count {
			amount += remainder
		}
		date := truncateDate(start.Add(time.Duration(n-1) * s.cfg.Interval))
		if _, err := tx.Exec(ctx, `
			INSERT INTO self_income_installments
				(user_id, schedule_ref, amount, installment_number, total_installments, scheduled_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, req.UserID, req.SourceRef, amount, n, req.Count, date, now); err != nil {
			return nil, fmt.Errorf("failed to insert installment %d of %s: %w", n, req.SourceRef, err)
		}
	}

	out, err := s.loadSchedule(ctx, tx, req.SourceRef)
	if err != nil {
		return nil, err
	}

	s.log.Info("installment: schedule written", "user_id", req.UserID, "source_ref", req.SourceRef,
		"count", len(out), "total", req.TotalAmount)
	return out, nil
}

func (s *Scheduler) loadSchedule(ctx context.Context, tx pgx.Tx, ref string) ([]Installment, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+installmentColumns+` FROM self_income_installments
		WHERE schedule_ref = $1
		ORDER BY installment_number
	`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %s: %w", ref, err)
	}
	out, err := scanInstallments(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %s: %w", ref, err)
	}
	return out, nil
}

// sameSchedule rejects a replayed source ref whose user, count or total
// differ from the stored schedule.
func sameSchedule(existing []Installment, req ScheduleRequest) error {
	var total int64
	for _, i := range existing {
		total += i.Amount
	}
	first := existing[0]
	switch {
	case first.UserID != req.UserID:
		return apperr.Wrapf(apperr.ErrInvalidSchedule, "source ref %s belongs to user %d", req.SourceRef, first.UserID)
	case first.Total != req.Count || len(existing) != req.Count:
		return apperr.Wrapf(apperr.ErrInvalidSchedule, "source ref %s has %d installments, requested %d", req.SourceRef, first.Total, req.Count)
	case total != req.TotalAmount:
		return apperr.Wrapf(apperr.ErrInvalidSchedule, "source ref %s totals %d, requested %d", req.SourceRef, total, req.TotalAmount)
	}
	return nil
}

// Schedule returns a user's installments in date order.
func (s *Scheduler) Schedule(ctx context.Context, userID int64) ([]Installment, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+installmentColumns+` FROM self_income_installments
		WHERE user_id = $1
		ORDER BY scheduled_date, schedule_ref, installment_number
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments of %d: %w", userID, err)
	}
	return scanInstallments(rows)
}

// TerminalFailures lists installments that exhausted their retries.
func (s *Scheduler) TerminalFailures(ctx context.Context) ([]Installment, error) {
	rows, err := s.cfg.Pool.Query(ctx, `
		SELECT `+installmentColumns+` FROM self_income_installments
		WHERE status = 'failed' AND retry_count >= $1
		ORDER BY scheduled_date, id
	`, s.cfg.Policy.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal installments: %w", err)
	}
	return scanInstallments(rows)
}

// Requeue resets a terminally failed installment so the next run retries it.
func (s *Scheduler) Requeue(ctx context.Context, tx pgx.Tx, id int64) (Installment, error) {
	var status string
	var retries int
	err := tx.QueryRow(ctx, `
		SELECT status, retry_count FROM self_income_installments WHERE id = $1 FOR UPDATE
	`, id).Scan(&status, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return Installment{}, apperr.Wrapf(apperr.ErrInstallmentNotFound, "installment %d", id)
	}
	if err != nil {
		return Installment{}, fmt.Errorf("failed to lock installment %d: %w", id, err)
	}
	if Status(status) != StatusFailed || retries < s.cfg.Policy.MaxRetries {
		return Installment{}, apperr.Wrapf(apperr.ErrNotTerminal, "installment %d is %s with %d retries", id, status, retries)
	}

	rows, err := tx.Query(ctx, `
		UPDATE self_income_installments
		SET status = 'pending', retry_count = 0, failure_reason = NULL, claimed_by = NULL,
			claimed_at = NULL, last_run_id = NULL, updated_at = $2
		WHERE id = $1
		RETURNING `+installmentColumns, id, s.cfg.Clock.Now())
	if err != nil {
		return Installment{}, fmt.Errorf("failed to requeue installment %d: %w", id, err)
	}
	out, err := scanInstallments(rows)
	if err != nil {
		return Installment{}, fmt.Errorf("failed to requeue installment %d: %w", id, err)
	}
	s.log.Info("installment: requeued", "installment_id", id)
	return out[0], nil
}

// truncateDate returns the UTC calendar date of t at midnight.
func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
