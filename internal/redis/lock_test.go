package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerSingleOwner(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewLocker(client, "creditguard:lock")
	lease, err := locker.Acquire(ctx, "period_refill", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "period_refill", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("creditguard:lock:period_refill"))

	next, err := locker.Acquire(ctx, "period_refill", time.Minute)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))
}

func TestLockerReleaseIgnoresForeignOwner(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewLocker(client, "")
	lease, err := locker.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	other, err := locker.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	require.NoError(t, lease.Release(ctx))
	assert.True(t, mr.Exists("job"))
	require.NoError(t, other.Release(ctx))
}

func TestNilLockerGrantsLease(t *testing.T) {
	var locker *Locker
	lease, err := locker.Acquire(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, lease.Release(context.Background()))
}
