package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditguard/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "test:rl")
	require.NoError(t, err)
	return store, mr
}

func TestRedisStoreSlidingWindow(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Add(ctx, "generation:sub:s", epoch.Add(time.Duration(i)*time.Second), time.Minute))
	}
	count, oldest, err := store.Count(ctx, "generation:sub:s", epoch.Add(3*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.True(t, oldest.Equal(epoch))

	count, oldest, err = store.Count(ctx, "generation:sub:s", epoch.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, oldest.Equal(epoch.Add(2*time.Second)))

	assert.True(t, mr.Exists("test:rl:w:generation:sub:s"))
	assert.Greater(t, mr.TTL("test:rl:w:generation:sub:s"), time.Duration(0))
}

func TestRedisStorePenalty(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	until, err := store.PenaltyUntil(ctx, "generation:penalty:sub:s")
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	deadline := epoch.Add(5 * time.Minute)
	require.NoError(t, store.SetPenalty(ctx, "generation:penalty:sub:s", deadline, 5*time.Minute))

	until, err = store.PenaltyUntil(ctx, "generation:penalty:sub:s")
	require.NoError(t, err)
	assert.True(t, until.Equal(deadline))

	mr.FastForward(6 * time.Minute)
	until, err = store.PenaltyUntil(ctx, "generation:penalty:sub:s")
	require.NoError(t, err)
	assert.True(t, until.IsZero())
}

func TestLimiterBurstThenPenaltyOnRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	clk := clock.NewFakeClock(epoch)
	limiter := NewLimiter(store, burstRules(), clk, nil, nil)
	req := Request{Class: ClassGeneration, SubscriberID: "sub_1"}

	for i := 0; i < 8; i++ {
		d, err := limiter.Allow(ctx, req)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		clk.Advance(time.Second)
	}
	d, err := limiter.Allow(ctx, req)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonRequestLimitExceeded, d.Reason)

	clk.Advance(301 * time.Second)
	d, err = limiter.Allow(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, "x")
	assert.Error(t, err)
}
