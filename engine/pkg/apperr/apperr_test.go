package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComp_AppErr_Wrapf(t *testing.T) {
	t.Parallel()

	err := Wrapf(ErrBelowMinimum, "amount %d under %d", 99, 100)
	require.ErrorIs(t, err, ErrBelowMinimum)
	require.Equal(t, "amount is below the withdrawal minimum: amount 99 under 100", err.Error())
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, "below_minimum", CodeOf(err))
}

func TestComp_AppErr_KindOf(t *testing.T) {
	t.Parallel()

	t.Run("nested wrapping keeps classification", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("approve request 7: %w", Wrapf(ErrInsufficientBalance, "balance 10"))
		require.Equal(t, KindEligibility, KindOf(err))
		require.False(t, errors.Is(err, ErrBelowMinimum))
	})

	t.Run("unclassified errors are internal", func(t *testing.T) {
		t.Parallel()
		err := errors.New("boom")
		require.Equal(t, KindInternal, KindOf(err))
		require.Equal(t, "internal_error", CodeOf(err))
		_, ok := As(err)
		require.False(t, ok)
	})
}
