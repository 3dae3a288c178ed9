// Package lock provides the named, TTL-bounded write lock the refresh
// scheduler acquires before running dependency-map-style derived analyses
// (spec §4.8 invariant 4: "acquire a named write lock per logical scope
// before running derived analyses, release it only if acquire returned
// true"). It is grounded on db/repository/redis.go's
// AcquireLock/ReleaseLock/IsLocked trio, generalized from a single
// actionID key space to any named scope (the scheduler only ever uses the
// "cidx-meta" scope today).
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager issues SETNX-based distributed locks with a TTL safety net, so a
// crashed holder never wedges the scope forever.
type Manager struct {
	client *redis.Client
}

// New wraps an already-connected redis client.
func New(client *redis.Client) *Manager {
	return &Manager{client: client}
}

func lockKey(scope string) string { return "lock:" + scope }

// Acquire attempts to take the named write lock. It returns true if the
// caller now holds it. Callers MUST only call Release when Acquire
// returned true -- releasing a lock you never held can evict another
// holder's lock out from under it.
func (m *Manager) Acquire(ctx context.Context, scope string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, lockKey(scope), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", scope, err)
	}
	return ok, nil
}

// Release drops the named write lock. See Acquire's contract: only call
// this after a successful Acquire for the same scope.
func (m *Manager) Release(ctx context.Context, scope string) error {
	if err := m.client.Del(ctx, lockKey(scope)).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", scope, err)
	}
	return nil
}

// IsLocked reports whether scope is currently held by anyone.
func (m *Manager) IsLocked(ctx context.Context, scope string) (bool, error) {
	n, err := m.client.Exists(ctx, lockKey(scope)).Result()
	if err != nil {
		return false, fmt.Errorf("lock: is-locked %s: %w", scope, err)
	}
	return n > 0, nil
}

// WithLock acquires scope, runs fn only if acquisition succeeded, and
// releases afterward -- the scoped-acquisition pattern SPEC_FULL.md
// requires so every acquire path guarantees a matching release without
// callers hand-rolling try/finally.
func (m *Manager) WithLock(ctx context.Context, scope string, ttl time.Duration, fn func() error) (ran bool, err error) {
	ok, err := m.Acquire(ctx, scope, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if relErr := m.Release(ctx, scope); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn()
}
