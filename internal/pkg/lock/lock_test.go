package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func runLockerSuite(t *testing.T, l Locker) {
	ctx := context.Background()
	key := "bp-" + uuid.NewString()

	release, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key)
	require.ErrorIs(t, err, ErrHeld)

	other, err := l.TryLock(ctx, key+"-other")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	again, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocal(t *testing.T) {
	runLockerSuite(t, NewLocal())
}

func TestLocal_StaleReleaseKeepsNewHolder(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	first, err := l.TryLock(ctx, "bp-1")
	require.NoError(t, err)
	require.NoError(t, first(ctx))

	second, err := l.TryLock(ctx, "bp-1")
	require.NoError(t, err)
	require.NoError(t, first(ctx))
	require.True(t, l.Held("bp-1"))
	require.NoError(t, second(ctx))
	require.False(t, l.Held("bp-1"))
}

func TestLocal_OneWinnerUnderContention(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(ctx, "bp-1"); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestLocal_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal().TryLock(ctx, "bp-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, Prefix: "nfvcl:test:lock:", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	runLockerSuite(t, r)
}
