package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, ""), mr
}

func TestRedisTryLock(t *testing.T) {
	ctx := context.Background()
	r, mr := setupMiniredis(t)

	release, ok, err := r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(DefaultPrefix+"refresh"))
	assert.Equal(t, time.Minute, mr.TTL(DefaultPrefix+"refresh"))

	_, ok, err = r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock is not granted twice")

	_, ok, err = r.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys lock independently")

	release()
	release()
	assert.False(t, mr.Exists(DefaultPrefix+"refresh"))

	_, ok, err = r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	r, mr := setupMiniredis(t)

	_, ok, err := r.TryLock(ctx, "refresh", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	_, ok, err = r.TryLock(ctx, "refresh", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken again")
}

func TestRedisReleaseLeavesForeignLock(t *testing.T) {
	ctx := context.Background()
	r, mr := setupMiniredis(t)

	release, ok, err := r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Our lock lapsed and another process took it.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set(DefaultPrefix+"refresh", "someone-else"))

	release()
	v, err := mr.Get(DefaultPrefix + "refresh")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisCustomPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := NewRedis(client, "app:")
	_, ok, err := r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("app:refresh"))
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	r, mr := setupMiniredis(t)
	mr.Close()

	_, ok, err := r.TryLock(ctx, "refresh", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestDialRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	r, err := DialRedis(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, ok, err := r.TryLock(ctx, "refresh", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = DialRedis(ctx, "not a url")
	assert.Error(t, err)
}
