package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockMutualExclusion(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, nil, "recovery", time.Minute)
	b := New(rdb, nil, "recovery", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReleaseIsOwnerOnly(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, nil, "recovery", time.Minute)
	b := New(rdb, nil, "recovery", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// b never held the lock; releasing must not free a's lock.
	require.NoError(t, b.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := New(rdb, nil, "recovery", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := New(rdb, nil, "recovery", time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFallsBackToAdvisoryLock(t *testing.T) {
	l := New(nil, nil, "recovery", time.Minute)
	_, ok := l.(*advisoryLock)
	assert.True(t, ok)
}
