package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reactivedoc/core/broadcast"
)

func TestNoChannelAcquiresImmediately(t *testing.T) {
	m := New("t1", nil, time.Second, Options{})
	if !m.Acquire(context.Background(), "res") {
		t.Fatal("expected immediate acquire with no channel")
	}
}

func TestSingleRequesterClaimsAfterGrace(t *testing.T) {
	factory := broadcast.NewMemoryFactory()
	ch, _ := factory.Open("lock-test-solo")
	m := New("t1", ch, 20*time.Millisecond, Options{LockExpiry: time.Second})

	if !m.Acquire(context.Background(), "res") {
		t.Fatal("expected solo requester to claim the lock")
	}
}

func TestExclusionAcrossThreeTabs(t *testing.T) {
	factory := broadcast.NewMemoryFactory()
	hbInterval := 20 * time.Millisecond

	open := func() broadcast.Channel {
		ch, _ := factory.Open("lock-test-three")
		return ch
	}
	m1 := New("t1", open(), hbInterval, Options{LockExpiry: 10 * time.Second})
	m2 := New("t2", open(), hbInterval, Options{LockExpiry: 10 * time.Second})
	m3 := New("t3", open(), hbInterval, Options{LockExpiry: 10 * time.Second})

	var mu sync.Mutex
	active := 0
	maxActive := 0
	successes := 0

	run := func(m *Manager) {
		ctx := context.Background()
		ran, _ := m.WithLock(ctx, "X", func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})
		if ran {
			mu.Lock()
			successes++
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for _, m := range []*Manager{m1, m2, m3} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			run(m)
		}(m)
	}
	wg.Wait()

	if maxActive > 1 {
		t.Fatalf("expected mutual exclusion, saw %d concurrent holders", maxActive)
	}
	if successes < 1 {
		t.Fatal("expected at least one successful acquire")
	}
}
