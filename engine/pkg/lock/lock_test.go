package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cartnet/compensation/engine/pkg/lock"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) *lock.RedisLocker {
	t.Helper()
	rdb, err := lock.ConnectRedis(t.Context(), redisAddr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	// Keys are prefixed per test.
	return lock.NewRedisLocker(rdb, "test:"+uuid.NewString()+":")
}

func TestComp_Lock_Redis(t *testing.T) {
	t.Parallel()
	l := newRedisLocker(t)
	ctx := t.Context()

	release, ok, err := l.TryAcquire(ctx, "installments", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "installments", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "lease is held")

	_, ok, err = l.TryAcquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "keys are independent")

	require.NoError(t, release(ctx))
	_, ok, err = l.TryAcquire(ctx, "installments", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestComp_Lock_Redis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	t.Parallel()
	l := newRedisLocker(t)
	ctx := t.Context()

	stale, ok, err := l.TryAcquire(ctx, "job", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := l.TryAcquire(ctx, "job", time.Minute)
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stale(ctx))
	_, ok, err = l.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "new holder keeps the lease")
}

func TestComp_Lock_Local(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	l := lock.NewLocalLocker(clock)
	ctx := t.Context()

	release, ok, err := l.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = l.TryAcquire(ctx, "job", time.Minute)
	require.False(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok, _ = l.TryAcquire(ctx, "job", time.Minute)
	require.True(t, ok, "expired lease can be taken")

	require.NoError(t, release(ctx))
	_, ok, _ = l.TryAcquire(ctx, "job", time.Minute)
	require.False(t, ok, "stale release does not drop the new lease")
}

func TestComp_Lock_Run(t *testing.T) {
	t.Parallel()
	l := newRedisLocker(t)
	log := comptesting.NewLogger()
	ctx := t.Context()

	var ran atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := lock.Run(ctx, log, l, "job", time.Minute, func(context.Context) error {
				ran.Add(1)
				time.Sleep(200 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), ran.Load())

	boom := errors.New("boom")
	did, err := lock.Run(ctx, log, l, "job", time.Minute, func(context.Context) error { return boom })
	require.True(t, did)
	require.ErrorIs(t, err, boom)
}
