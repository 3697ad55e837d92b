package memadapter

import (
	"context"
	"testing"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
)

func TestPutEmitsInsertThenUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	var events []document.ChangeEvent
	unsub := s.Changes(func(e document.ChangeEvent) { events = append(events, e) })
	defer unsub()

	doc := &document.Document{ID: "a", Fields: map[string]interface{}{"n": 1.0}}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc2 := &document.Document{ID: "a", Fields: map[string]interface{}{"n": 2.0}}
	if err := s.Put(ctx, doc2); err != nil {
		t.Fatalf("put: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Operation != document.OpInsert {
		t.Fatalf("expected first event insert, got %s", events[0].Operation)
	}
	if events[1].Operation != document.OpUpdate || events[1].PreviousDocument == nil {
		t.Fatalf("expected second event update with previous document, got %+v", events[1])
	}
}

func TestDeleteIsTombstoneAndExcludedFromGetAll(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &document.Document{ID: "a", Fields: map[string]interface{}{}})

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "a"); err == nil {
		t.Fatal("expected not-found after delete")
	}
	all, _ := s.GetAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected 0 live documents, got %d", len(all))
	}
}

func TestPutIncrementsRevisionSequenceAndRecordsHistory(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc := &document.Document{ID: "a", Fields: map[string]interface{}{"n": 1.0}}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	first, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Rev.Sequence != 1 || first.Rev.Hash == "" {
		t.Fatalf("expected sequence 1 with a non-empty hash, got %+v", first.Rev)
	}

	if err := s.Put(ctx, &document.Document{ID: "a", Fields: map[string]interface{}{"n": 2.0}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.Rev.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Rev.Sequence)
	}
	if second.Rev.Hash == first.Rev.Hash {
		t.Fatal("expected a new hash on the second revision")
	}

	history := s.RevisionHistory("a")
	if len(history) != 2 || history[0] != first.Rev || history[1] != second.Rev {
		t.Fatalf("expected history [%v %v], got %v", first.Rev, second.Rev, history)
	}
}

func TestQueryFiltersSortsAndLimits(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, v := range []float64{3, 1, 2} {
		_ = s.Put(ctx, &document.Document{
			ID:     string(rune('a' + i)),
			Fields: map[string]interface{}{"n": v, "active": true},
		})
	}

	spec := query.Spec{
		Filter: filter.Field{Path: "active", Op: filter.Eq{Value: true}},
		Sort:   []query.SortField{{Field: "n", Direction: query.Ascending}},
		Limit:  2,
	}
	results, err := s.Query(ctx, spec)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	n0, _ := results[0].Get("n")
	n1, _ := results[1].Get("n")
	if n0 != 1.0 || n1 != 2.0 {
		t.Fatalf("expected sorted [1,2], got [%v,%v]", n0, n1)
	}
}
