package accounts_test

import (
	"strconv"
	"testing"
	"time"

	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/accounts"
	"github.com/cartnet/compensation/engine/pkg/apperr"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*accounts.Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store, err := accounts.NewStore(accounts.StoreConfig{
		Logger: comptesting.NewLogger(),
		Pool:   apitesting.NewTestPool(t, testDB),
		Clock:  clock,
	})
	require.NoError(t, err)
	return store, clock
}

func TestComp_Accounts_Create(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := t.Context()

	t.Run("normalizes referral code", func(t *testing.T) {
		u, err := store.Create(ctx, accounts.NewUser{ReferralCode: " alice01 "})
		require.NoError(t, err)
		require.Equal(t, "ALICE01", u.ReferralCode)
		require.False(t, u.IsActive)
		require.False(t, u.IsKYCApproved)
		require.Zero(t, u.WalletBalance)
		require.Nil(t, u.SponsorID)
	})

	t.Run("rejects duplicate code case-insensitively", func(t *testing.T) {
		_, err := store.Create(ctx, accounts.NewUser{ReferralCode: "Alice01"})
		require.ErrorIs(t, err, apperr.ErrReferralCodeTaken)
	})

	t.Run("generates a code when empty", func(t *testing.T) {
		u, err := store.Create(ctx, accounts.NewUser{})
		require.NoError(t, err)
		require.Len(t, u.ReferralCode, 10)
	})

	t.Run("rejects numeric codes", func(t *testing.T) {
		_, err := store.Create(ctx, accounts.NewUser{ReferralCode: "12345"})
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
	})
}

func TestComp_Accounts_ResolveSponsor(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	ctx := t.Context()

	u, err := store.Create(ctx, accounts.NewUser{ReferralCode: "BOB"})
	require.NoError(t, err)

	tests := []struct {
		name string
		ref  string
		err  error
	}{
		{name: "by id", ref: strconv.FormatInt(u.ID, 10)},
		{name: "by code", ref: "bob"},
		{name: "unknown code", ref: "nobody", err: apperr.ErrSponsorNotFound},
		{name: "unknown id", ref: "999999", err: apperr.ErrSponsorNotFound},
		{name: "empty", ref: "  ", err: apperr.ErrSponsorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ResolveSponsor(ctx, store.Pool(), tt.ref)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, u.ID, got.ID)
		})
	}
}

func TestComp_Accounts_ActivationAndKYC(t *testing.T) {
	t.Parallel()
	store, clock := newStore(t)
	ctx := t.Context()

	u, err := store.Create(ctx, accounts.NewUser{ReferralCode: "CAROL"})
	require.NoError(t, err)

	changed, err := store.Activate(ctx, store.Pool(), u.ID)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.Activate(ctx, store.Pool(), u.ID)
	require.NoError(t, err)
	require.False(t, changed)

	got, err := store.Get(ctx, store.Pool(), u.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.NotNil(t, got.ActivatedAt)
	require.True(t, got.ActivatedAt.Equal(clock.Now()))

	require.NoError(t, store.SetKYCApproval(ctx, store.Pool(), u.ID, true))
	require.NoError(t, store.Deactivate(ctx, store.Pool(), u.ID))

	got, err = store.Get(ctx, store.Pool(), u.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.True(t, got.IsKYCApproved)

	require.ErrorIs(t, store.Deactivate(ctx, store.Pool(), 424242), apperr.ErrUserNotFound)
	require.ErrorIs(t, store.SetKYCApproval(ctx, store.Pool(), 424242, true), apperr.ErrUserNotFound)
	_, err = store.Get(ctx, store.Pool(), 424242)
	require.ErrorIs(t, err, apperr.ErrUserNotFound)
}
