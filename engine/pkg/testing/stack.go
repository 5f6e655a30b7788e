// Package enginetesting wires the base engine stores against a per-test
// database.
package enginetesting

import (
	"strconv"
	"testing"
	"time"

	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/ledger"
	"github.com/cartnet/compensation/engine/pkg/pg"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// Epoch is the fake clock's start time.
var Epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type Stack struct {
	Pool     *pgxpool.Pool
	Clock    clockwork.FakeClock
	Alerts   *alert.Recorder
	Accounts *accounts.Store
	Ledger   *ledger.Store
	Graph    *sponsorship.Store
}

func NewStack(t *testing.T, db *apitesting.DB) *Stack {
	t.Helper()
	log := comptesting.NewLogger()
	pool := apitesting.NewTestPool(t, db)
	clock := clockwork.NewFakeClockAt(Epoch)
	alerts := &alert.Recorder{}

	acc, err := accounts.NewStore(accounts.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	led, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool, Clock: clock, Alerter: alerts})
	require.NoError(t, err)
	graph, err := sponsorship.NewStore(sponsorship.StoreConfig{
		Logger:   log,
		Pool:     pool,
		Clock:    clock,
		Accounts: acc,
		Matrix:   sponsorship.MatrixConfig{Width: 2, MaxLevel: 5},
	})
	require.NoError(t, err)

	return &Stack{Pool: pool, Clock: clock, Alerts: alerts, Accounts: acc, Ledger: led, Graph: graph}
}

// User creates an active user.
func (s *Stack) User(t *testing.T, code string) int64 {
	t.Helper()
	id := s.InactiveUser(t, code)
	_, err := s.Accounts.Activate(t.Context(), s.Pool, id)
	require.NoError(t, err)
	return id
}

func (s *Stack) InactiveUser(t *testing.T, code string) int64 {
	t.Helper()
	u, err := s.Accounts.Create(t.Context(), accounts.NewUser{ReferralCode: code})
	require.NoError(t, err)
	return u.ID
}

func (s *Stack) Place(t *testing.T, userID, sponsorID int64) {
	t.Helper()
	_, err := s.Graph.PlaceUser(t.Context(), userID, strconv.FormatInt(sponsorID, 10))
	require.NoError(t, err)
}

func (s *Stack) ApproveKYC(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, s.Accounts.SetKYCApproval(t.Context(), s.Pool, userID, true))
}

func (s *Stack) Deactivate(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, s.Accounts.Deactivate(t.Context(), s.Pool, userID))
}

// Credit posts an adjustment entry.
func (s *Stack) Credit(t *testing.T, userID, amount int64, ref string) {
	t.Helper()
	err := pg.WithTx(t.Context(), s.Pool, func(tx pgx.Tx) error {
		_, err := s.Ledger.Post(t.Context(), tx, ledger.Entry{UserID: userID, Type: ledger.TypeAdjustment, Amount: amount, Ref: ref})
		return err
	})
	require.NoError(t, err)
}

func (s *Stack) Balance(t *testing.T, userID int64) int64 {
	t.Helper()
	w, err := s.Ledger.Balance(t.Context(), userID)
	require.NoError(t, err)
	return w.Balance
}

// RequireConsistent asserts that every wallet matches its ledger.
func (s *Stack) RequireConsistent(t *testing.T) {
	t.Helper()
	summary, err := s.Ledger.ReconcileAll(t.Context())
	require.NoError(t, err)
	require.Zero(t, summary.Failed, "wallet invariant violated: %+v", summary.Errors)
}
