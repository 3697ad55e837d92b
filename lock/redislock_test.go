package lock

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockExcludesSecondAcquirer(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "reactivedoc:lock:docs:", "tab-a", Options{})
	b := NewRedisLock(client, "reactivedoc:lock:docs:", "tab-b", Options{})

	if !a.Acquire(ctx, "room-1") {
		t.Fatal("expected tab-a to acquire the uncontended lock")
	}
	if b.Acquire(ctx, "room-1") {
		t.Fatal("expected tab-b to be excluded while tab-a holds the lock")
	}

	a.Release(ctx, "room-1")
	if !b.Acquire(ctx, "room-1") {
		t.Fatal("expected tab-b to acquire after tab-a released")
	}
}

func TestRedisLockReleaseOnlyByHolder(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "reactivedoc:lock:docs:", "tab-a", Options{})
	b := NewRedisLock(client, "reactivedoc:lock:docs:", "tab-b", Options{})

	require.True(t, a.Acquire(ctx, "room-2"))

	// b never held the lock, so its release must be a no-op: a should
	// still hold it afterwards.
	b.Release(ctx, "room-2")
	require.False(t, b.Acquire(ctx, "room-2"))
}
