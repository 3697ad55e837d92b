package crosssync

import (
	"context"
	"testing"
	"time"

	"github.com/reactivedoc/core/broadcast"
	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/store/memadapter"
)

func TestLocalWriteReplaysToPeerStore(t *testing.T) {
	factory := broadcast.NewMemoryFactory()
	ch1, _ := factory.Open("sync-test")
	ch2, _ := factory.Open("sync-test")

	s1 := memadapter.New()
	s2 := memadapter.New()

	sync1 := New("t1", "docs", s1, ch1, Options{})
	defer sync1.Close()
	sync2 := New("t2", "docs", s2, ch2, Options{})
	defer sync2.Close()

	ctx := context.Background()
	if err := s1.Put(ctx, &document.Document{ID: "a", Fields: map[string]interface{}{"n": 1.0}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, err := s2.Get(ctx, "a"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected peer store to receive replayed write")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDedupCacheSlidingTTL(t *testing.T) {
	d := newDedupCache(10, 20*time.Millisecond)
	d.Remember("m1")
	if !d.SeenRecently("m1") {
		t.Fatal("expected m1 to be seen recently")
	}
	time.Sleep(30 * time.Millisecond)
	if d.SeenRecently("m1") {
		t.Fatal("expected m1 to have expired from the dedup window")
	}
}
