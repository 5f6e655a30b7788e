package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/commission"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/installment"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/pool"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	"github.com/cartnet/compensation/engine/pkg/withdrawal"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const adminID = 42

func newEngine(t *testing.T, settings engine.Settings) (*engine.Engine, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	e, err := engine.New(engine.Config{
		Logger:   comptesting.NewLogger(),
		Pool:     apitesting.NewTestPool(t, testDB),
		Clock:    clock,
		Alerter:  &alert.Recorder{},
		Settings: settings,
	})
	require.NoError(t, err)
	return e, clock
}

func activeUser(t *testing.T, e *engine.Engine, code string) int64 {
	t.Helper()
	u, err := e.Accounts.Create(t.Context(), accounts.NewUser{ReferralCode: code})
	require.NoError(t, err)
	_, err = e.Accounts.Activate(t.Context(), e.Accounts.Pool(), u.ID)
	require.NoError(t, err)
	return u.ID
}

func balance(t *testing.T, e *engine.Engine, userID int64) int64 {
	t.Helper()
	w, err := e.Ledger.Balance(t.Context(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestComp_Engine_ManualPlace(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.Settings{ManualPlacementAmount: 10000})
	ctx := t.Context()

	root := activeUser(t, e, "ROOT")
	sponsor := activeUser(t, e, "SPONSOR")
	_, err := e.Graph.PlaceUser(ctx, sponsor, "ROOT")
	require.NoError(t, err)

	u, err := e.Accounts.Create(ctx, accounts.NewUser{ReferralCode: "NEWBIE"})
	require.NoError(t, err)

	res, err := e.ManualPlace(ctx, engine.ManualPlacement{AdminID: adminID, UserID: u.ID, Sponsor: "sponsor", MatrixLevel: 1})
	require.NoError(t, err)
	require.Equal(t, sponsor, res.Placement.SponsorID)
	require.Len(t, res.Placement.Created, 2)
	require.NotNil(t, res.Slot)
	require.Equal(t, sponsorship.Slot{UserID: u.ID, Level: 1, Position: 1}, *res.Slot)
	for _, edge := range res.Placement.Created {
		require.NotNil(t, edge.MatrixLevel)
		require.Equal(t, 1, *edge.MatrixLevel)
		require.Equal(t, 1, *edge.MatrixPosition)
	}
	require.NotNil(t, res.Commission)
	require.Equal(t, commission.TypeManualPlacement, res.Commission.Type)
	require.Equal(t, int64(1500), res.Commission.Total)

	require.Equal(t, int64(1000), balance(t, e, sponsor))
	require.Equal(t, int64(500), balance(t, e, root))

	entry, err := e.Ledger.EntryByRef(ctx, e.Accounts.Pool(), "COMM_"+engine.ManualPurchaseRef(u.ID)+"_1")
	require.NoError(t, err)
	require.Equal(t, ledger.TypeManualPlacement, entry.Type)

	placed, err := e.Accounts.Get(ctx, e.Accounts.Pool(), u.ID)
	require.NoError(t, err)
	require.True(t, placed.IsActive)

	entries, err := audit.List(ctx, e.Accounts.Pool(), audit.Filter{Action: audit.ActionManualPlacement})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(adminID), entries[0].AdminID)
	require.Equal(t, u.ID, *entries[0].TargetUserID)

	t.Run("failure rolls back every step", func(t *testing.T) {
		other, err := e.Accounts.Create(ctx, accounts.NewUser{ReferralCode: "LATE"})
		require.NoError(t, err)

		_, err = e.ManualPlace(ctx, engine.ManualPlacement{AdminID: adminID, UserID: other.ID, Sponsor: "SPONSOR", MatrixLevel: 1})
		require.ErrorIs(t, err, apperr.ErrMatrixLevelFull)

		got, err := e.Accounts.Get(ctx, e.Accounts.Pool(), other.ID)
		require.NoError(t, err)
		require.Nil(t, got.SponsorID)
		require.False(t, got.IsActive)
		require.Equal(t, int64(1000), balance(t, e, sponsor))

		entries, err := audit.List(ctx, e.Accounts.Pool(), audit.Filter{Action: audit.ActionManualPlacement})
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("admin id is required", func(t *testing.T) {
		_, err := e.ManualPlace(ctx, engine.ManualPlacement{UserID: u.ID, Sponsor: "SPONSOR"})
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
	})
}

func TestComp_Engine_ManualPlace_WithoutCommission(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.Settings{})
	ctx := t.Context()

	sponsor := activeUser(t, e, "SPONSOR")
	u, err := e.Accounts.Create(ctx, accounts.NewUser{ReferralCode: "NEWBIE"})
	require.NoError(t, err)

	res, err := e.ManualPlace(ctx, engine.ManualPlacement{AdminID: adminID, UserID: u.ID, Sponsor: "SPONSOR"})
	require.NoError(t, err)
	require.Nil(t, res.Commission)
	require.Nil(t, res.Slot)
	require.Zero(t, balance(t, e, sponsor))

	placed, err := e.Accounts.Get(ctx, e.Accounts.Pool(), u.ID)
	require.NoError(t, err)
	require.True(t, placed.IsActive)
}

func TestComp_Engine_AdminOperations(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.Settings{})
	ctx := t.Context()
	db := e.Accounts.Pool()

	uid := activeUser(t, e, "U1")

	t.Run("kyc", func(t *testing.T) {
		require.NoError(t, e.SetKYC(ctx, adminID, uid, true))
		u, err := e.Accounts.Get(ctx, db, uid)
		require.NoError(t, err)
		require.True(t, u.IsKYCApproved)

		require.ErrorIs(t, e.SetKYC(ctx, adminID, 999999, true), apperr.ErrUserNotFound)
		require.ErrorIs(t, e.SetKYC(ctx, 0, uid, false), apperr.ErrInvalidInput)
		u, err = e.Accounts.Get(ctx, db, uid)
		require.NoError(t, err)
		require.True(t, u.IsKYCApproved, "rejected call changes nothing")
	})

	t.Run("matrix slot", func(t *testing.T) {
		slot, err := e.AllocateMatrixSlot(ctx, adminID, uid, 2)
		require.NoError(t, err)
		require.Equal(t, 1, slot.Position)
		entries, err := audit.List(ctx, db, audit.Filter{Action: audit.ActionMatrixAllocation})
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("unfreeze", func(t *testing.T) {
		_, err := db.Exec(ctx, `UPDATE users SET ledger_frozen = TRUE, frozen_reason = 'test' WHERE id = $1`, uid)
		require.NoError(t, err)
		require.NoError(t, e.UnfreezeLedger(ctx, adminID, uid, "checked"))
		w, err := e.Ledger.Balance(ctx, uid)
		require.NoError(t, err)
		require.False(t, w.Frozen)
	})

	t.Run("schedule and requeue", func(t *testing.T) {
		rows, err := e.ScheduleInstallments(ctx, adminID, installment.ScheduleRequest{
			UserID: uid, TotalAmount: 3000, Count: 3, StartDate: epoch, SourceRef: "SI_1",
		})
		require.NoError(t, err)
		require.Len(t, rows, 3)

		_, err = e.RequeueInstallment(ctx, adminID, rows[0].ID)
		require.ErrorIs(t, err, apperr.ErrNotTerminal)

		entries, err := audit.List(ctx, db, audit.Filter{Action: audit.ActionScheduleIncome})
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("distribute pool requires admin", func(t *testing.T) {
		_, err := e.DistributePool(ctx, 0, epoch, epoch.Add(time.Hour))
		require.ErrorIs(t, err, apperr.ErrInvalidInput)

		res, err := e.DistributePool(ctx, adminID, epoch, epoch.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, pool.StatusCompleted, res.Distribution.Status)
	})
}

func TestComp_Engine_ProcessInstallments(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.Settings{})
	ctx := t.Context()
	db := e.Accounts.Pool()

	uid := activeUser(t, e, "EARNER")
	rows, err := e.ScheduleInstallments(ctx, adminID, installment.ScheduleRequest{
		UserID: uid, TotalAmount: 3000, Count: 2, StartDate: epoch, SourceRef: "SI_AUDIT",
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = e.ProcessInstallments(ctx, 0, epoch)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	sum, err := e.ProcessInstallments(ctx, adminID, epoch)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Processed)

	entries, err := audit.List(ctx, db, audit.Filter{Action: audit.ActionInstallmentSettled})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(adminID), entries[0].AdminID)
	require.NotNil(t, entries[0].TargetUserID)
	require.Equal(t, uid, *entries[0].TargetUserID)
	var details map[string]any
	require.NoError(t, json.Unmarshal(entries[0].Details, &details))
	require.Equal(t, fmt.Sprintf("SELF_%d", rows[0].ID), details["ledger_ref"])

	// Scheduled runs settle without an audit row.
	sum, err = e.Installments.ProcessDueInstallments(ctx, epoch.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Equal(t, 1, sum.Processed)
	require.Equal(t, int64(3000), balance(t, e, uid))

	entries, err = audit.List(ctx, db, audit.Filter{Action: audit.ActionInstallmentSettled})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestComp_Engine_JobLoops(t *testing.T) {
	t.Parallel()
	e, clock := newEngine(t, engine.Settings{
		InstallmentJobInterval: time.Minute,
		ReconcileJobInterval:   time.Hour,
	})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	uid := activeUser(t, e, "EARNER")
	_, err := e.ScheduleInstallments(ctx, adminID, installment.ScheduleRequest{
		UserID: uid, TotalAmount: 5000, Count: 1, StartDate: epoch,
	})
	require.NoError(t, err)

	e.Start(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		w, err := e.Ledger.Balance(ctx, uid)
		return err == nil && w.Balance == 5000
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	e.Wait()
}

func TestComp_Engine_LoadSettingsFromEnv(t *testing.T) {
	t.Setenv("COMP_MATRIX_WIDTH", "3")
	t.Setenv("COMP_COMMISSION_RATES", "0.2, 0.1")
	t.Setenv("COMP_POOL_COMPANY_SHARE", "0.6")
	t.Setenv("COMP_WITHDRAWAL_MINIMUM", "1000")
	t.Setenv("COMP_WITHDRAWAL_METHODS", "upi")
	t.Setenv("COMP_WITHDRAWAL_HOLD_POLICY", "creation")
	t.Setenv("COMP_INSTALLMENT_JOB_INTERVAL", "15m")
	t.Setenv("COMP_INACTIVE_POLICY", "roll_up")

	s, err := engine.LoadSettingsFromEnv()
	require.NoError(t, err)
	require.Equal(t, 3, s.MatrixWidth)
	require.Len(t, s.CommissionRates, 2)
	require.True(t, s.CommissionRates[0].Equal(decimal.RequireFromString("0.2")))
	require.True(t, s.PoolCompanyShare.Equal(decimal.RequireFromString("0.6")))
	require.Equal(t, int64(1000), s.WithdrawalMinimum)
	require.Equal(t, []string{"upi"}, s.WithdrawalMethods)
	require.Equal(t, withdrawal.HoldAtCreation, s.WithdrawalHoldPolicy)
	require.Equal(t, 15*time.Minute, s.InstallmentJobInterval)
	require.Equal(t, commission.PolicyRollUp, s.InactivePolicy)
	require.Zero(t, s.ReconcileJobInterval)

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("COMP_LEASE_TTL", "soon")
		_, err := engine.LoadSettingsFromEnv()
		require.Error(t, err)
	})
}

func TestComp_Engine_Register(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t, engine.Settings{})
	ctx := t.Context()

	root := activeUser(t, e, "ROOT")

	res, err := e.Register(ctx, engine.Registration{ReferralCode: "CHILD", Sponsor: "root"})
	require.NoError(t, err)
	require.NotNil(t, res.Placement)
	require.Equal(t, root, res.Placement.SponsorID)
	require.NotNil(t, res.User.SponsorID)
	require.Equal(t, root, *res.User.SponsorID)

	res, err = e.Register(ctx, engine.Registration{ReferralCode: "LONER"})
	require.NoError(t, err)
	require.Nil(t, res.Placement)
	require.Nil(t, res.User.SponsorID)

	t.Run("unknown sponsor leaves no account", func(t *testing.T) {
		_, err := e.Register(ctx, engine.Registration{ReferralCode: "GHOST", Sponsor: "NOBODY"})
		require.ErrorIs(t, err, apperr.ErrSponsorNotFound)

		_, err = e.Accounts.ResolveSponsor(ctx, e.Accounts.Pool(), "GHOST")
		require.ErrorIs(t, err, apperr.ErrSponsorNotFound)
	})
}
