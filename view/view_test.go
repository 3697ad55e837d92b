package view

import (
	"testing"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
)

func activeDef() Definition {
	return Definition{
		Name:       "actives",
		Collection: "docs",
		Spec: query.Spec{
			Filter: filter.Field{Path: "active", Op: filter.Eq{Value: true}},
			Sort:   []query.SortField{{Field: "createdAt", Direction: query.Ascending}},
			Limit:  3,
		},
	}
}

func mk(id string, createdAt float64, active bool) *document.Document {
	return &document.Document{ID: id, Fields: map[string]interface{}{"createdAt": createdAt, "active": active}}
}

// Scenario #4 from spec.md §8: 5 inserts active=true, then update #2 to
// active=false; expect one removed delta for #2, resultIDs size stays 3.
func TestScenarioFour(t *testing.T) {
	v := New(activeDef())
	// Stands in for re-running the query against the store once doc 2
	// is inactive: the first three active docs by createdAt.
	reExec := func() ([]*document.Document, error) {
		return []*document.Document{mk("1", 1, true), mk("3", 3, true), mk("4", 4, true)}, nil
	}

	var lastDelta Delta
	v.SubscribeDelta(func(d Delta) { lastDelta = d })

	for i := 1; i <= 5; i++ {
		id := string(rune('0' + i))
		err := v.ApplyChange(document.ChangeEvent{
			Operation:  document.OpInsert,
			DocumentID: id,
			Document:   mk(id, float64(i), true),
			Sequence:   uint64(i),
		}, reExec)
		if err != nil {
			t.Fatalf("apply insert %d: %v", i, err)
		}
	}

	if len(v.ResultIDs()) != 3 {
		t.Fatalf("expected window of 3 after 5 inserts with limit 3, got %d", len(v.ResultIDs()))
	}

	doc2 := mk("2", 2, false)
	err := v.ApplyChange(document.ChangeEvent{
		Operation:  document.OpUpdate,
		DocumentID: "2",
		Document:   doc2,
		Sequence:   6,
	}, reExec)
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	if len(lastDelta.Removed) != 1 || lastDelta.Removed[0].ID != "2" {
		t.Fatalf("expected removed delta for doc 2, got %+v", lastDelta)
	}
	if len(v.ResultIDs()) != 3 {
		t.Fatalf("expected resultIDs size to stay 3 (doc 4 enters the window), got %d", len(v.ResultIDs()))
	}
}

func TestLimitEvictionNoNetChangeWhenInsertedElementIsEvicted(t *testing.T) {
	def := activeDef()
	def.Spec.Limit = 2
	v := New(def)
	reExec := func() ([]*document.Document, error) { return nil, nil }

	deltas := 0
	v.SubscribeDelta(func(d Delta) { deltas++ })

	_ = v.ApplyChange(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "a", Document: mk("a", 1, true), Sequence: 1}, reExec)
	_ = v.ApplyChange(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "b", Document: mk("b", 2, true), Sequence: 2}, reExec)
	deltasBefore := deltas

	// Inserting a doc beyond the window (createdAt=99 sorts last, limit=2) must not
	// report it as added since it's immediately evicted.
	_ = v.ApplyChange(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "z", Document: mk("z", 99, true), Sequence: 3}, reExec)

	if deltas != deltasBefore {
		t.Fatalf("expected no delta when the inserted element is immediately evicted, deltas went from %d to %d", deltasBefore, deltas)
	}
}

func TestAggregateCountSumAvg(t *testing.T) {
	docs := []*document.Document{
		{ID: "1", Fields: map[string]interface{}{"amount": 10.0, "team": "a"}},
		{ID: "2", Fields: map[string]interface{}{"amount": 20.0, "team": "a"}},
		{ID: "3", Fields: map[string]interface{}{"amount": 5.0, "team": "b"}},
	}

	count, err := Aggregate(docs, Count, "", "", nil)
	if err != nil || count != 3 {
		t.Fatalf("expected count 3, got %v err %v", count, err)
	}

	grouped, err := Aggregate(docs, Sum, "amount", "team", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := grouped.(map[string]interface{})
	if m["a"] != 30.0 || m["b"] != 5.0 {
		t.Fatalf("expected grouped sums a=30 b=5, got %v", m)
	}

	avg, err := Aggregate(docs, Avg, "amount", "team", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	am := avg.(map[string]interface{})
	if am["a"] != 15.0 || am["b"] != 5.0 {
		t.Fatalf("expected grouped averages a=15 b=5, got %v", am)
	}
}
