// Package lock provides job leases so that one replica runs a periodic job at
// a time.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Release gives a lease back before its TTL expires.
type Release func(ctx context.Context) error

type Locker interface {
	// TryAcquire takes the lease on key for ttl. ok is false when another
	// holder has it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release Release, ok bool, err error)
}

// Run calls fn while holding the lease on key and reports whether it ran.
func Run(ctx context.Context, log *slog.Logger, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	release, ok, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug("lock: lease held elsewhere", "key", key)
		return false, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("lock: failed to release lease", "key", key, "error", err)
		}
	}()
	return true, fn(ctx)
}

// LocalLocker leases keys within one process.
type LocalLocker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	leases map[string]localLease
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLocker(clock clockwork.Clock) *LocalLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalLocker{clock: clock, leases: make(map[string]localLease)}
}

func (l *LocalLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.leases[key] = localLease{token: token, expires: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
		return nil
	}, true, nil
}
