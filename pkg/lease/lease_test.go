package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedis(rdb, "test:")
}

func TestLeasers(t *testing.T) {
	_, rl := newMiniRedis(t)

	leasers := map[string]Leaser{
		"local": NewLocal(),
		"redis": rl,
	}
	for name, l := range leasers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := l.Acquire(ctx, "toast_orders/r1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, "toast_orders/r1", first.Key())

			_, err = l.Acquire(ctx, "toast_orders/r1", time.Minute)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

			other, err := l.Acquire(ctx, "toast_orders/r2", time.Minute)
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, first.Extend(ctx, time.Minute))
			require.NoError(t, first.Release(ctx))
			assert.True(t, errors.IsType(first.Release(ctx), errors.ErrorTypeConflict))

			again, err := l.Acquire(ctx, "toast_orders/r1", time.Minute)
			require.NoError(t, err)
			require.NoError(t, again.Release(ctx))
		})
	}
}

func TestLocalLeaseExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.True(t, errors.IsType(stale.Extend(ctx, time.Minute), errors.ErrorTypeConflict))
	assert.True(t, errors.IsType(stale.Release(ctx), errors.ErrorTypeConflict))
	require.NoError(t, fresh.Release(ctx))
}

func TestRedisLeaseExpires(t *testing.T) {
	mr, l := newMiniRedis(t)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	assert.True(t, errors.IsType(stale.Extend(ctx, time.Minute), errors.ErrorTypeConflict))
	assert.True(t, errors.IsType(stale.Release(ctx), errors.ErrorTypeConflict))
	assert.True(t, mr.Exists("test:k"))
	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("test:k"))
}

func TestLocalExclusiveUnderContention(t *testing.T) {
	l := NewLocal()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	l, err := New(ctx, config.LeaseConfig{Backend: "local"})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)

	l, err = New(ctx, config.LeaseConfig{Backend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, l)
	require.NoError(t, l.(*Redis).Close())

	_, err = New(ctx, config.LeaseConfig{Backend: "etcd"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
