package installment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/installment"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/settle"
	enginetesting "github.com/cartnet/compensation/engine/pkg/testing"
	"github.com/cartnet/compensation/utils/pkg/retry"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

var week = 7 * 24 * time.Hour

func newScheduler(t *testing.T, s *enginetesting.Stack, mutate func(*installment.Config)) *installment.Scheduler {
	t.Helper()
	cfg := installment.Config{
		Logger:  comptesting.NewLogger(),
		Pool:    s.Pool,
		Clock:   s.Clock,
		Ledger:  s.Ledger,
		Alerter: s.Alerts,
		Policy: settle.Policy{
			MaxRetries:     2,
			AttemptTimeout: 5 * time.Second,
			Retry:          retry.Config{MaxAttempts: 1},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sched, err := installment.New(cfg)
	require.NoError(t, err)
	return sched
}

// confirmerFunc adapts a function to installment.Confirmer.
type confirmerFunc func(ctx context.Context, inst installment.Installment) error

func (f confirmerFunc) Confirm(ctx context.Context, inst installment.Installment) error {
	return f(ctx, inst)
}

func TestComp_Installment_WeeklyScenario(t *testing.T) {
	t.Parallel()
	s := enginetesting.NewStack(t, testDB)
	sched := newScheduler(t, s, nil)
	ctx := t.Context()
	uid := s.User(t, "EARNER")

	start := time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)
	rows, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{
		UserID:      uid,
		TotalAmount: 9000,
		Count:       3,
		StartDate:   start,
		SourceRef:   "SI-1",
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		require.Equal(t, int64(3000), r.Amount)
		require.Equal(t, i+1, r.Number)
		require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 7*i), r.ScheduledDate.UTC())
		require.Equal(t, installment.StatusPending, r.Status)
	}

	summary, err := sched.ProcessDueInstallments(ctx, start.Add(week))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Zero(t, summary.Failed)

	got, err := sched.Schedule(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, installment.StatusPaid, got[0].Status)
	require.Equal(t, installment.StatusPaid, got[1].Status)
	require.Equal(t, installment.StatusPending, got[2].Status)
	require.NotNil(t, got[0].LedgerRef)
	require.Equal(t, fmt.Sprintf("SELF_%d", got[0].ID), *got[0].LedgerRef)
	require.Equal(t, int64(6000), s.Balance(t, uid))

	t.Run("rerun settles nothing twice", func(t *testing.T) {
		summary, err := sched.ProcessDueInstallments(ctx, start.Add(week))
		require.NoError(t, err)
		require.Zero(t, summary.Processed)
		require.Equal(t, int64(6000), s.Balance(t, uid))
	})

	s.RequireConsistent(t)
}

func TestComp_Installment_Schedule(t *testing.T) {
	t.Parallel()
	s := enginetesting.NewStack(t, testDB)
	sched := newScheduler(t, s, nil)
	ctx := t.Context()
	uid := s.User(t, "EARNER")
	other := s.User(t, "OTHER")

	rows, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: uid, TotalAmount: 10000, Count: 3, SourceRef: "SI-2"})
	require.NoError(t, err)
	require.Equal(t, []int64{3333, 3333, 3334}, []int64{rows[0].Amount, rows[1].Amount, rows[2].Amount})
	require.Equal(t, enginetesting.Epoch.Truncate(24*time.Hour), rows[0].ScheduledDate.UTC())

	again, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: uid, TotalAmount: 10000, Count: 3, SourceRef: "SI-2"})
	require.NoError(t, err)
	require.Equal(t, rows, again)

	_, err = sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: other, TotalAmount: 10000, Count: 3, SourceRef: "SI-2"})
	require.ErrorIs(t, err, apperr.ErrInvalidSchedule)

	t.Run("replay with different terms is rejected", func(t *testing.T) {
		for _, req := range []installment.ScheduleRequest{
			{UserID: uid, TotalAmount: 10000, Count: 4, SourceRef: "SI-2"},
			{UserID: uid, TotalAmount: 10000, Count: 2, SourceRef: "SI-2"},
			{UserID: uid, TotalAmount: 12000, Count: 3, SourceRef: "SI-2"},
		} {
			_, err := sched.ScheduleInstallments(ctx, req)
			require.ErrorIs(t, err, apperr.ErrInvalidSchedule, "count %d total %d", req.Count, req.TotalAmount)
		}

		got, err := sched.Schedule(ctx, uid)
		require.NoError(t, err)
		require.Len(t, got, 3)
		var total int64
		for _, i := range got {
			require.Equal(t, 3, i.Total)
			total += i.Amount
		}
		require.Equal(t, int64(10000), total)
	})

	tests := []struct {
		name string
		req  installment.ScheduleRequest
		err  error
	}{
		{name: "zero count", req: installment.ScheduleRequest{UserID: uid, TotalAmount: 100, Count: 0}, err: apperr.ErrInvalidSchedule},
		{name: "amount below count", req: installment.ScheduleRequest{UserID: uid, TotalAmount: 2, Count: 3}, err: apperr.ErrInvalidSchedule},
		{name: "unknown user", req: installment.ScheduleRequest{UserID: 999999, TotalAmount: 100, Count: 1}, err: apperr.ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sched.ScheduleInstallments(ctx, tt.req)
			require.ErrorIs(t, err, tt.err)
		})
	}

	generated, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: uid, TotalAmount: 500, Count: 1})
	require.NoError(t, err)
	require.Len(t, generated, 1)
	require.NotEmpty(t, generated[0].ScheduleRef)
}

func TestComp_Installment_BoundedRetry(t *testing.T) {
	t.Parallel()
	s := enginetesting.NewStack(t, testDB)
	var mu sync.Mutex
	failing := true
	sched := newScheduler(t, s, func(cfg *installment.Config) {
		cfg.Confirmer = confirmerFunc(func(context.Context, installment.Installment) error {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return errors.New("payout provider rejected transfer")
			}
			return nil
		})
	})
	ctx := t.Context()
	uid := s.User(t, "EARNER")

	rows, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: uid, TotalAmount: 1000, Count: 1, SourceRef: "SI-3"})
	require.NoError(t, err)
	id := rows[0].ID
	asOf := enginetesting.Epoch

	summary, err := sched.ProcessDueInstallments(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.Errors[0].Message, "payout provider rejected transfer")
	require.Empty(t, s.Alerts.Alerts())

	got, err := sched.Schedule(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, installment.StatusFailed, got[0].Status)
	require.Equal(t, 1, got[0].RetryCount)
	require.NotNil(t, got[0].FailureReason)

	err = pg.WithTx(ctx, s.Pool, func(tx pgx.Tx) error {
		_, err := sched.Requeue(ctx, tx, id)
		return err
	})
	require.ErrorIs(t, err, apperr.ErrNotTerminal)

	summary, err = sched.ProcessDueInstallments(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, s.Alerts.Alerts(), 1, "exhausted installment raises an alert")

	summary, err = sched.ProcessDueInstallments(ctx, asOf)
	require.NoError(t, err)
	require.Zero(t, summary.Processed+summary.Failed, "terminal installments are not claimed")

	terminal, err := sched.TerminalFailures(ctx)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	require.Equal(t, id, terminal[0].ID)
	require.Equal(t, 2, terminal[0].RetryCount)

	mu.Lock()
	failing = false
	mu.Unlock()

	err = pg.WithTx(ctx, s.Pool, func(tx pgx.Tx) error {
		inst, err := sched.Requeue(ctx, tx, id)
		if err == nil {
			require.Equal(t, installment.StatusPending, inst.Status)
		}
		return err
	})
	require.NoError(t, err)

	summary, err = sched.ProcessDueInstallments(ctx, asOf)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, int64(1000), s.Balance(t, uid))
	s.RequireConsistent(t)
}

func TestComp_Installment_AttemptTimeout(t *testing.T) {
	t.Parallel()
	s := enginetesting.NewStack(t, testDB)
	sched := newScheduler(t, s, func(cfg *installment.Config) {
		cfg.Policy.AttemptTimeout = 50 * time.Millisecond
		cfg.Confirmer = confirmerFunc(func(ctx context.Context, _ installment.Installment) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})
	ctx := t.Context()
	uid := s.User(t, "EARNER")

	_, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: uid, TotalAmount: 1000, Count: 1})
	require.NoError(t, err)

	summary, err := sched.ProcessDueInstallments(ctx, enginetesting.Epoch)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, apperr.ErrSettlementTimeout.Code, summary.Errors[0].Code)
	require.Zero(t, s.Balance(t, uid))
}

func TestComp_Installment_ConcurrentRuns(t *testing.T) {
	t.Parallel()
	s := enginetesting.NewStack(t, testDB)
	sched := newScheduler(t, s, func(cfg *installment.Config) {
		cfg.BatchSize = 5
	})
	ctx := t.Context()

	users := make([]int64, 4)
	for i := range users {
		users[i] = s.User(t, fmt.Sprintf("EARNER%d", i))
		_, err := sched.ScheduleInstallments(ctx, installment.ScheduleRequest{UserID: users[i], TotalAmount: 5000, Count: 5, StartDate: enginetesting.Epoch.Add(-30 * 24 * time.Hour)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := sched.ProcessDueInstallments(ctx, enginetesting.Epoch)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			processed += summary.Processed
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 20, processed)
	for _, uid := range users {
		require.Equal(t, int64(5000), s.Balance(t, uid))
	}
	s.RequireConsistent(t)
}
