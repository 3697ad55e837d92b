package livequery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
)

type fakeSource struct {
	mu       sync.Mutex
	handlers []func(document.ChangeEvent)
}

func (f *fakeSource) Subscribe(handler func(document.ChangeEvent)) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeSource) emit(e document.ChangeEvent) {
	f.mu.Lock()
	handlers := append([]func(document.ChangeEvent){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func activeSpec() query.Spec {
	return query.Spec{Filter: filter.Field{Path: "status", Op: filter.Eq{Value: "active"}}}
}

func mkDoc(id string) *document.Document {
	return &document.Document{ID: id, Fields: map[string]interface{}{"status": "active"}}
}

func TestLiveQueryInitialExecute(t *testing.T) {
	src := &fakeSource{}
	exec := func(ctx context.Context, spec query.Spec) ([]*document.Document, error) {
		return []*document.Document{mkDoc("A")}, nil
	}
	lq := New(activeSpec(), exec, src, Options{UseEventReduce: true})

	var got State
	var mu sync.Mutex
	done := make(chan struct{}, 10)
	lq.SubscribeState(func(s State) {
		mu.Lock()
		got = s
		mu.Unlock()
		done <- struct{}{}
	})

	lq.Start(context.Background())
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got.Data) != 1 || got.Data[0].ID != "A" {
		t.Fatalf("expected [A], got %v", got.Data)
	}
}

func TestLiveQueryAppliesEventReduce(t *testing.T) {
	src := &fakeSource{}
	exec := func(ctx context.Context, spec query.Spec) ([]*document.Document, error) {
		return nil, nil
	}
	lq := New(activeSpec(), exec, src, Options{UseEventReduce: true})

	states := make(chan State, 10)
	lq.SubscribeState(func(s State) { states <- s })
	lq.Start(context.Background())
	<-states // loading state published before the initial execute
	<-states // initial empty execute

	src.emit(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "A", Document: mkDoc("A")})

	select {
	case s := <-states:
		if len(s.Data) != 1 || s.Data[0].ID != "A" {
			t.Fatalf("expected [A] after insert, got %v", s.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event-reduce update")
	}
}

func TestLiveQueryErrorPreservesLastGoodData(t *testing.T) {
	src := &fakeSource{}
	calls := 0
	exec := func(ctx context.Context, spec query.Spec) ([]*document.Document, error) {
		calls++
		if calls == 1 {
			return []*document.Document{mkDoc("A")}, nil
		}
		return nil, errors.New("boom")
	}
	lq := New(activeSpec(), exec, src, Options{UseEventReduce: true})

	states := make(chan State, 10)
	lq.SubscribeState(func(s State) { states <- s })
	lq.Start(context.Background())
	<-states // initial success

	lq.Refresh(context.Background())

	var last State
	timeout := time.After(time.Second)
	for {
		select {
		case s := <-states:
			last = s
			if s.Error != nil {
				goto done
			}
		case <-timeout:
			t.Fatal("timed out waiting for error state")
		}
	}
done:
	if len(last.Data) != 1 || last.Data[0].ID != "A" {
		t.Fatalf("expected last-good data preserved, got %v", last.Data)
	}
	if last.IsLoading {
		t.Fatal("expected isLoading cleared on error")
	}
}

func TestLiveQueryDestroyIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	exec := func(ctx context.Context, spec query.Spec) ([]*document.Document, error) { return nil, nil }
	lq := New(activeSpec(), exec, src, Options{})
	lq.Start(context.Background())
	lq.Destroy()
	lq.Destroy() // must not panic
}
