package eventreduce

import (
	"fmt"
	"testing"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
)

func activeSpec(limit int) query.Spec {
	return query.Spec{
		Filter: filter.Field{Path: "status", Op: filter.Eq{Value: "active"}},
		Sort:   []query.SortField{{Field: "priority", Direction: query.Ascending}},
		Limit:  limit,
	}
}

func doc(id string, priority float64, active bool) *document.Document {
	status := "active"
	if !active {
		status = "inactive"
	}
	return &document.Document{
		ID:     id,
		Fields: map[string]interface{}{"status": status, "priority": priority},
	}
}

// Scenario #1 from spec.md §8.
func TestScenarioOne(t *testing.T) {
	spec := activeSpec(2)
	var results []*document.Document

	a := doc("A", 2, true)
	action := Reduce(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "A", Document: a}, results, spec)
	if action.Kind != InsertAt || action.Index != 0 {
		t.Fatalf("expected insert-at(0) for A, got %+v", action)
	}
	results = Apply(results, action, spec)

	b := doc("B", 1, true)
	action = Reduce(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "B", Document: b}, results, spec)
	if action.Kind != InsertAt || action.Index != 0 {
		t.Fatalf("expected insert-at(0) for B, got %+v", action)
	}
	results = Apply(results, action, spec)

	c := doc("C", 3, true)
	action = Reduce(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "C", Document: c}, results, spec)
	if action.Kind != NoChange {
		t.Fatalf("expected no-change for C beyond limit, got %+v", action)
	}
	results = Apply(results, action, spec)

	if len(results) != 2 || results[0].ID != "B" || results[1].ID != "A" {
		t.Fatalf("expected final [B, A], got %v", ids(results))
	}
}

func TestDeleteWithLimitReExecutes(t *testing.T) {
	spec := activeSpec(2)
	results := []*document.Document{doc("A", 1, true), doc("B", 2, true)}

	action := Reduce(document.ChangeEvent{Operation: document.OpDelete, DocumentID: "A"}, results, spec)
	if action.Kind != ReExecute {
		t.Fatalf("expected re-execute on delete with limit set, got %+v", action)
	}
}

func TestDeleteWithoutLimitRemoves(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{doc("A", 1, true), doc("B", 2, true)}

	action := Reduce(document.ChangeEvent{Operation: document.OpDelete, DocumentID: "A"}, results, spec)
	if action.Kind != RemoveAt || action.Index != 0 {
		t.Fatalf("expected remove-at(0), got %+v", action)
	}
	out := Apply(results, action, spec)
	if len(out) != 1 || out[0].ID != "B" {
		t.Fatalf("expected [B] remaining, got %v", ids(out))
	}
}

func TestUpdateSortKeyUnchangedUpdatesInPlace(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{doc("A", 1, true), doc("B", 2, true)}

	updated := doc("A", 1, true)
	updated.Fields["extra"] = "x"
	action := Reduce(document.ChangeEvent{Operation: document.OpUpdate, DocumentID: "A", Document: updated}, results, spec)
	if action.Kind != UpdateAt || action.Index != 0 {
		t.Fatalf("expected update-at(0), got %+v", action)
	}
}

func TestUpdateSortKeyChangedMoves(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{doc("A", 1, true), doc("B", 2, true), doc("C", 3, true)}

	// A moves past C.
	updated := doc("A", 5, true)
	action := Reduce(document.ChangeEvent{Operation: document.OpUpdate, DocumentID: "A", Document: updated}, results, spec)
	if action.Kind != Move {
		t.Fatalf("expected move, got %+v", action)
	}
	// After removing A from [A,B,C] -> [B,C]; A(priority=5) belongs at the end: index 2.
	if action.To != 2 {
		t.Fatalf("expected move destination 2 post-removal, got %d", action.To)
	}
	out := Apply(results, action, spec)
	if len(out) != 3 || out[len(out)-1].ID != "A" {
		t.Fatalf("expected A to land last, got %v", ids(out))
	}
}

func TestUpdateNoLongerMatchingRemoves(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{doc("A", 1, true)}

	updated := doc("A", 1, false)
	action := Reduce(document.ChangeEvent{Operation: document.OpUpdate, DocumentID: "A", Document: updated}, results, spec)
	if action.Kind != RemoveAt {
		t.Fatalf("expected remove-at, got %+v", action)
	}
}

func TestUpdateNewlyMatchingBehavesLikeInsert(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{}

	updated := doc("A", 1, true)
	action := Reduce(document.ChangeEvent{Operation: document.OpUpdate, DocumentID: "A", Document: updated}, results, spec)
	if action.Kind != InsertAt {
		t.Fatalf("expected insert-at behavior for a newly matching update, got %+v", action)
	}
}

func TestNoChangeReturnsSameSliceIdentity(t *testing.T) {
	spec := activeSpec(0)
	results := []*document.Document{doc("A", 1, true)}

	action := Reduce(document.ChangeEvent{Operation: document.OpInsert, DocumentID: "B", Document: doc("B", 1, false)}, results, spec)
	out := Apply(results, action, spec)
	if fmt.Sprintf("%p", out) != fmt.Sprintf("%p", results) || len(out) != len(results) {
		t.Fatal("no-change must return the identical input slice")
	}
}

func ids(docs []*document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
