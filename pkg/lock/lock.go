// Package lock provides named-resource mutual exclusion across processes,
// backed by Redis. Acquisition is an atomic set-if-not-exists with expiry;
// the key's value is the caller's owner token, and release is a server-side
// compare-and-delete so no other owner can release a lock it does not hold.
//
// The lease is a safety net: if the holder crashes without releasing, the
// lock auto-releases at lease end. A holder must not run past its lease;
// long operations should renew explicitly or be redesigned to be shorter.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/slate-ai/slate/pkg/blackboard"
)

// pollInterval is the fixed delay between acquisition attempts when
// blocking.
const pollInterval = 50 * time.Millisecond

// releaseScript deletes the lock key only if its value equals the caller's
// owner token. Runs atomically on the server.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// renewScript extends the lease only for the current owner.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Manager acquires and releases distributed locks. It is thread-safe.
type Manager struct {
	rdb *redis.Client
}

// NewManager creates a lock manager over an existing Redis client.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Acquire attempts a non-blocking acquisition of the named lock with the
// given lease. On success it returns the generated owner token and true;
// when the lock is held elsewhere it returns ("", false, nil).
func (m *Manager) Acquire(ctx context.Context, name string, lease time.Duration) (string, bool, error) {
	if lease <= 0 {
		return "", false, fmt.Errorf("lease must be positive, got %v", lease)
	}

	token := uuid.New().String()
	ok, err := m.rdb.SetNX(ctx, blackboard.LockKey(name), token, lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// AcquireBlocking polls for the lock with a small fixed delay until it is
// acquired, the total wait budget elapses, or the context is cancelled.
func (m *Manager) AcquireBlocking(ctx context.Context, name string, lease, wait time.Duration) (string, bool, error) {
	deadline := time.Now().Add(wait)

	for {
		token, ok, err := m.Acquire(ctx, name, lease)
		if err != nil || ok {
			return token, ok, err
		}

		if time.Now().After(deadline) {
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release deletes the lock only if the owner token matches. Releasing a
// lock that already expired (or was taken over) is not an error; the second
// return reports whether anything was actually deleted.
func (m *Manager) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{blackboard.LockKey(name)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return n == 1, nil
}

// Renew extends the lease for the current owner. Returns false if the lock
// is no longer held by this token, meaning the holder ran past its lease.
func (m *Manager) Renew(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{blackboard.LockKey(name)}, token, lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	return n == 1, nil
}

// With runs fn while holding the named lock, blocking up to wait for the
// acquisition. The lock is released on every exit path, including panics.
// Returns false without calling fn when the wait budget elapses.
func (m *Manager) With(ctx context.Context, name string, lease, wait time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, ok, err := m.AcquireBlocking(ctx, name, lease, wait)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	defer func() {
		// Release must survive a cancelled caller context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = m.Release(releaseCtx, name, token)
	}()

	return true, fn(ctx)
}
