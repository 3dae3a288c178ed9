package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client)
}

func TestAcquireThenIsLocked(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	locked, err := m.IsLocked(ctx, "cidx-meta")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquire while the scope is held must fail")
}

func TestReleaseFreesTheScope(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "cidx-meta"))

	locked, err := m.IsLocked(ctx, "cidx-meta")
	require.NoError(t, err)
	assert.False(t, locked)

	ok, err := m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLockOnlyReleasesWhenAcquired(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ran, err := m.WithLock(ctx, "cidx-meta", time.Minute, func() error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	locked, err := m.IsLocked(ctx, "cidx-meta")
	require.NoError(t, err)
	assert.False(t, locked, "WithLock must release after a successful acquire")
}

func TestWithLockSkipsFnWhenAlreadyHeld(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "cidx-meta", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	ran, err := m.WithLock(ctx, "cidx-meta", time.Minute, func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called, "fn must not run when acquire fails")

	// the outer holder's lock must still be intact: WithLock must not have
	// released a lock it never acquired.
	locked, err := m.IsLocked(ctx, "cidx-meta")
	require.NoError(t, err)
	assert.True(t, locked)
}
