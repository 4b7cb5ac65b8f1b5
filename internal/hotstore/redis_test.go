package hotstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewRedisClient(RedisOptions{Addr: mr.Addr(), Timeout: 500 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Ping(ctx))

	t.Run("get missing key", func(t *testing.T) {
		_, err := c.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		ok, err := c.CompareAndSwap(ctx, "cas", nil, []byte("v1"), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, time.Hour, mr.TTL("cas"))

		ok, err = c.CompareAndSwap(ctx, "cas", nil, []byte("v2"), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = c.CompareAndSwap(ctx, "cas", []byte("other"), []byte("v2"), time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = c.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2"), time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := mr.Get("cas")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
	})

	t.Run("keys walks every scan page", func(t *testing.T) {
		for i := 0; i < 1200; i++ {
			require.NoError(t, mr.Set(fmt.Sprintf("scan:pv:%04d", i), "1"))
		}
		require.NoError(t, mr.Set("elsewhere", "1"))

		keys, err := c.Keys(ctx, "scan:pv:*")
		require.NoError(t, err)
		assert.Len(t, keys, 1200)
	})

	t.Run("incr expire del", func(t *testing.T) {
		n, err := c.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.NoError(t, c.Expire(ctx, "counter", time.Minute))
		assert.Equal(t, time.Minute, mr.TTL("counter"))

		deleted, err := c.Del(ctx, "counter", "nope")
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		deleted, err = c.Del(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), deleted)
	})
}

func TestRedisClientUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisClient(RedisOptions{Addr: mr.Addr(), Timeout: 200 * time.Millisecond})
	defer c.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.Error(t, c.Ping(ctx))
	_, err := c.Incr(ctx, "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}
