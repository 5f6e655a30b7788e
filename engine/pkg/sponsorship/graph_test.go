package sponsorship_test

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/engine/pkg/audit"
	"github.com/cartnet/compensation/engine/pkg/sponsorship"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pool     *pgxpool.Pool
	accounts *accounts.Store
	graph    *sponsorship.Store
	clock    clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := comptesting.NewLogger()
	pool := apitesting.NewTestPool(t, testDB)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	acc, err := accounts.NewStore(accounts.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	graph, err := sponsorship.NewStore(sponsorship.StoreConfig{
		Logger:   log,
		Pool:     pool,
		Clock:    clock,
		Accounts: acc,
		Matrix:   sponsorship.MatrixConfig{Width: 2, MaxLevel: 5},
	})
	require.NoError(t, err)
	return &fixture{pool: pool, accounts: acc, graph: graph, clock: clock}
}

// user creates an active user.
func (f *fixture) user(t *testing.T, code string) int64 {
	t.Helper()
	u, err := f.accounts.Create(t.Context(), accounts.NewUser{ReferralCode: code})
	require.NoError(t, err)
	_, err = f.accounts.Activate(t.Context(), f.pool, u.ID)
	require.NoError(t, err)
	return u.ID
}

func (f *fixture) place(t *testing.T, userID, sponsorID int64) {
	t.Helper()
	_, err := f.graph.PlaceUser(t.Context(), userID, strconv.FormatInt(sponsorID, 10))
	require.NoError(t, err)
}

func (f *fixture) ancestorIDs(t *testing.T, userID int64) []int64 {
	t.Helper()
	edges, err := f.graph.Ancestors(t.Context(), f.pool, userID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(edges))
	for i, e := range edges {
		require.Equal(t, i+1, e.Level)
		ids = append(ids, e.AncestorID)
	}
	return ids
}

func TestComp_Sponsorship_PlaceUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	root := f.user(t, "ROOT")
	a := f.user(t, "ALICE")
	b := f.user(t, "BOB")
	_, err := f.graph.AllocateMatrixSlot(ctx, root, 1)
	require.NoError(t, err)
	_, err = f.graph.AllocateMatrixSlot(ctx, b, 2)
	require.NoError(t, err)

	p, err := f.graph.PlaceUser(ctx, a, "root")
	require.NoError(t, err)
	require.Equal(t, root, p.SponsorID)
	require.Len(t, p.Created, 1)
	require.Empty(t, p.Superseded)
	require.Nil(t, p.Created[0].MatrixLevel, "alice holds no slot")
	require.Nil(t, p.Created[0].MatrixPosition)

	f.place(t, b, a)
	require.Equal(t, []int64{a, root}, f.ancestorIDs(t, b))

	// Edges carry the descendant's slot, not the ancestor's.
	edges, err := f.graph.Ancestors(ctx, f.pool, b)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		require.NotNil(t, e.MatrixLevel)
		require.NotNil(t, e.MatrixPosition)
		require.Equal(t, 2, *e.MatrixLevel, "edge to %d", e.AncestorID)
		require.Equal(t, 1, *e.MatrixPosition, "edge to %d", e.AncestorID)
	}

	got, err := f.accounts.Get(ctx, f.pool, b)
	require.NoError(t, err)
	require.NotNil(t, got.SponsorID)
	require.Equal(t, a, *got.SponsorID)
	require.NotNil(t, got.PlacedAt)

	downline, err := f.graph.Downline(ctx, root, 0)
	require.NoError(t, err)
	require.Len(t, downline, 2)
	require.Equal(t, a, downline[0].UserID)
	require.Equal(t, 1, downline[0].Level)
	require.Equal(t, b, downline[1].UserID)
	require.Equal(t, 2, downline[1].Level)

	downline, err = f.graph.Downline(ctx, root, 1)
	require.NoError(t, err)
	require.Len(t, downline, 1)
}

func TestComp_Sponsorship_DepthIsCapped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	chain := make([]int64, 7)
	for i := range chain {
		chain[i] = f.user(t, fmt.Sprintf("CHAIN%d", i))
		if i > 0 {
			f.place(t, chain[i], chain[i-1])
		}
	}

	// chain[0] is six levels above chain[6].
	require.Equal(t, []int64{chain[5], chain[4], chain[3], chain[2], chain[1]}, f.ancestorIDs(t, chain[6]))
	require.Equal(t, []int64{chain[0]}, f.ancestorIDs(t, chain[1]))
}

func TestComp_Sponsorship_PlaceUser_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	root := f.user(t, "ROOT")
	a := f.user(t, "ALICE")
	inactive, err := f.accounts.Create(ctx, accounts.NewUser{ReferralCode: "SLEEPY"})
	require.NoError(t, err)
	f.place(t, a, root)

	tests := []struct {
		name    string
		userID  int64
		sponsor string
		err     error
	}{
		{name: "already placed", userID: a, sponsor: "ROOT", err: apperr.ErrAlreadyPlaced},
		{name: "unknown sponsor", userID: root, sponsor: "GHOST", err: apperr.ErrSponsorNotFound},
		{name: "inactive sponsor", userID: root, sponsor: "SLEEPY", err: apperr.ErrSponsorInactive},
		{name: "self", userID: root, sponsor: "ROOT", err: apperr.ErrInvalidSponsor},
		{name: "own descendant", userID: root, sponsor: "ALICE", err: apperr.ErrInvalidSponsor},
		{name: "unknown user", userID: 999999, sponsor: "ROOT", err: apperr.ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.graph.PlaceUser(ctx, tt.userID, tt.sponsor)
			require.ErrorIs(t, err, tt.err)
		})
	}

	got, err := f.accounts.Get(ctx, f.pool, inactive.ID)
	require.NoError(t, err)
	require.Nil(t, got.SponsorID)
}

func TestComp_Sponsorship_PlaceExtendsExistingDownline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	top := f.user(t, "TOP")
	mid := f.user(t, "MID")
	x := f.user(t, "X")
	y := f.user(t, "Y")
	z := f.user(t, "Z")

	f.place(t, mid, top)
	f.place(t, y, x)
	f.place(t, z, y)
	require.Equal(t, []int64{y, x}, f.ancestorIDs(t, z))

	f.place(t, x, mid)
	require.Equal(t, []int64{mid, top}, f.ancestorIDs(t, x))
	require.Equal(t, []int64{x, mid, top}, f.ancestorIDs(t, y))
	require.Equal(t, []int64{y, x, mid, top}, f.ancestorIDs(t, z))
}

func TestComp_Sponsorship_Reparent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	r1 := f.user(t, "R1")
	r2 := f.user(t, "R2")
	a := f.user(t, "A")
	b := f.user(t, "B")
	loose := f.user(t, "LOOSE")
	f.place(t, a, r1)
	f.place(t, b, a)

	_, err := f.graph.Reparent(ctx, sponsorship.ReparentRequest{UserID: loose, NewSponsor: "R2", AdminID: 7})
	require.ErrorIs(t, err, apperr.ErrNotPlaced)
	_, err = f.graph.Reparent(ctx, sponsorship.ReparentRequest{UserID: a, NewSponsor: "R1", AdminID: 7})
	require.ErrorIs(t, err, apperr.ErrInvalidSponsor)
	_, err = f.graph.Reparent(ctx, sponsorship.ReparentRequest{UserID: a, NewSponsor: "B", AdminID: 7})
	require.ErrorIs(t, err, apperr.ErrInvalidSponsor)

	f.clock.Advance(time.Hour)
	p, err := f.graph.Reparent(ctx, sponsorship.ReparentRequest{UserID: a, NewSponsor: "R2", AdminID: 7, Reason: "support ticket"})
	require.NoError(t, err)
	// a loses r1 at level 1, b loses r1 at level 2.
	require.Len(t, p.Superseded, 2)
	require.Len(t, p.Created, 2)

	require.Equal(t, []int64{r2}, f.ancestorIDs(t, a))
	require.Equal(t, []int64{a, r2}, f.ancestorIDs(t, b))

	history, err := f.graph.EdgeHistory(ctx, b)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 2, history[1].Level)
	require.Equal(t, 1, history[1].Version)
	require.NotNil(t, history[1].SupersededAt)
	require.Equal(t, r1, history[1].AncestorID)
	require.Equal(t, 2, history[2].Version)
	require.Nil(t, history[2].SupersededAt)

	entries, err := audit.List(ctx, f.pool, audit.Filter{TargetUserID: &a})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.ActionReparent, entries[0].Action)
	require.Equal(t, int64(7), entries[0].AdminID)
}
