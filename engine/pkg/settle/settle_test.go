package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cartnet/compensation/engine/pkg/apperr"
	"github.com/cartnet/compensation/utils/pkg/retry"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	p := Policy{
		MaxRetries:     3,
		AttemptTimeout: 200 * time.Millisecond,
		Retry:          retry.Config{MaxAttempts: 1},
	}
	return p
}

func TestComp_Settle_Policy_Validate(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		var p Policy
		require.NoError(t, p.Validate())
		require.Equal(t, 3, p.MaxRetries)
		require.Equal(t, 30*time.Second, p.AttemptTimeout)
		require.Equal(t, 2, p.Retry.MaxAttempts)
	})

	t.Run("rejects negative retries", func(t *testing.T) {
		t.Parallel()
		p := Policy{MaxRetries: -1}
		err := p.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), "max retries must not be negative")
	})
}

func TestComp_Settle_Attempt(t *testing.T) {
	t.Parallel()

	t.Run("success keeps retry count", func(t *testing.T) {
		t.Parallel()
		res := Attempt(context.Background(), testPolicy(), 1, func(context.Context) error { return nil })
		require.Equal(t, OutcomeSucceeded, res.Outcome)
		require.Equal(t, 1, res.Retries)
		require.NoError(t, res.Err)
	})

	t.Run("failure below max is retryable", func(t *testing.T) {
		t.Parallel()
		res := Attempt(context.Background(), testPolicy(), 0, func(context.Context) error {
			return errors.New("credit rejected")
		})
		require.Equal(t, OutcomeRetryable, res.Outcome)
		require.Equal(t, 1, res.Retries)
	})

	t.Run("failure reaching max is exhausted", func(t *testing.T) {
		t.Parallel()
		res := Attempt(context.Background(), testPolicy(), 2, func(context.Context) error {
			return errors.New("credit rejected")
		})
		require.Equal(t, OutcomeExhausted, res.Outcome)
		require.Equal(t, 3, res.Retries)
	})

	t.Run("skip is not a failure", func(t *testing.T) {
		t.Parallel()
		res := Attempt(context.Background(), testPolicy(), 0, func(context.Context) error {
			return fmt.Errorf("claim lost: %w", ErrSkip)
		})
		require.Equal(t, OutcomeSkipped, res.Outcome)
	})

	t.Run("hung attempt surfaces as settlement timeout", func(t *testing.T) {
		t.Parallel()
		p := testPolicy()
		p.AttemptTimeout = 20 * time.Millisecond
		res := Attempt(context.Background(), p, 0, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.Equal(t, OutcomeRetryable, res.Outcome)
		require.ErrorIs(t, res.Err, apperr.ErrSettlementTimeout)
	})
}

type fakeItem struct {
	id      int
	retries int
}

func (i fakeItem) Key() string  { return fmt.Sprintf("item:%d", i.id) }
func (i fakeItem) Retries() int { return i.retries }

type fakeSource struct {
	mu       sync.Mutex
	pending  []fakeItem
	fail     map[int]bool
	skip     map[int]bool
	settled  []int
	failures map[int]Result
}

func (s *fakeSource) Claim(_ context.Context, limit int) ([]fakeItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.pending))
	out := s.pending[:n]
	s.pending = s.pending[n:]
	return out, nil
}

func (s *fakeSource) Settle(_ context.Context, item fakeItem) error {
	if s.skip[item.id] {
		return ErrSkip
	}
	if s.fail[item.id] {
		return errors.New("ledger unavailable for user")
	}
	s.mu.Lock()
	s.settled = append(s.settled, item.id)
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) RecordFailure(_ context.Context, item fakeItem, res Result) error {
	s.mu.Lock()
	s.failures[item.id] = res
	s.mu.Unlock()
	return nil
}

func TestComp_Settle_Process(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		fail:     map[int]bool{3: true, 5: true},
		skip:     map[int]bool{4: true},
		failures: map[int]Result{},
	}
	for i := 1; i <= 7; i++ {
		item := fakeItem{id: i}
		if i == 5 {
			item.retries = 2
		}
		src.pending = append(src.pending, item)
	}

	var exhausted []string
	var exMu sync.Mutex
	summary, err := Process(context.Background(), ProcessConfig{
		Logger:      comptesting.NewLogger(),
		Policy:      testPolicy(),
		BatchSize:   3,
		Concurrency: 2,
		OnExhausted: func(_ context.Context, key string, _ error) {
			exMu.Lock()
			exhausted = append(exhausted, key)
			exMu.Unlock()
		},
	}, src)
	require.NoError(t, err)

	require.Equal(t, 4, summary.Processed)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Errors, 2)
	require.ElementsMatch(t, []int{1, 2, 6, 7}, src.settled)

	require.Equal(t, OutcomeRetryable, src.failures[3].Outcome)
	require.Equal(t, 1, src.failures[3].Retries)
	require.Equal(t, OutcomeExhausted, src.failures[5].Outcome)
	require.Equal(t, []string{"item:5"}, exhausted)
}

func TestComp_Settle_Recorder(t *testing.T) {
	t.Parallel()

	rec := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Processed()
		}()
	}
	wg.Wait()
	rec.Note("level:3", apperr.ErrNoEligibleParticipants)

	s := rec.Summary()
	require.Equal(t, 50, s.Processed)
	require.Equal(t, 0, s.Failed)
	require.Equal(t, "no_eligible_participants", s.Errors[0].Code)
}
