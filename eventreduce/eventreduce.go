// Package eventreduce implements the change -> action compiler described
// in spec §4.2: given a ChangeEvent, the current ordered result set and
// a query.Spec, it emits an O(1) Action instead of requiring the caller
// to re-run the full query. It is grounded on the event-diffing style of
// eventsync.Event (operation-tagged mutation against a known prior
// state) and the sorted-insert/limit-eviction discipline later reused
// by the view package, but the reduction policy itself is novel to this
// spec — no donor repo compiles a change directly into a splice-style
// action against a live result window.
package eventreduce

import (
	"sort"
	"time"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
)

// Kind tags the shape of an Action.
type Kind int

const (
	NoChange Kind = iota
	InsertAt
	RemoveAt
	UpdateAt
	Move
	ReExecute
)

// Action is the O(1) mutation EventReduce compiles a ChangeEvent into.
type Action struct {
	Kind     Kind
	Index    int // InsertAt, RemoveAt, UpdateAt: target index. Move: From.
	To       int // Move only: destination index, computed post-removal.
	Document *document.Document
}

// Comparator orders two documents under a query.Spec's sort key. Equal
// documents (identical sort key) are ordered stably by document id so
// binary search and move-index computation are deterministic.
type Comparator func(a, b *document.Document) int

// NewComparator builds a Comparator from a query.Spec's sort fields.
func NewComparator(spec query.Spec) Comparator {
	return func(a, b *document.Document) int {
		for _, sf := range spec.Sort {
			av, _ := a.Get(sf.Field)
			bv, _ := b.Get(sf.Field)
			c := compareValues(av, bv)
			if sf.Direction == query.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	}
}

func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0
		}
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// sortKey renders the portion of a document relevant to spec.Sort, used
// to detect whether an update changed the document's position.
func sortKey(spec query.Spec, doc *document.Document) []interface{} {
	key := make([]interface{}, len(spec.Sort))
	for i, sf := range spec.Sort {
		v, _ := doc.Get(sf.Field)
		key[i] = v
	}
	return key
}

func sameSortKey(a, b []interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reduce compiles event into an Action against results, which must
// already be sorted under spec's comparator and trimmed to spec.Limit.
// results is never mutated; callers apply the Action via Apply.
func Reduce(event document.ChangeEvent, results []*document.Document, spec query.Spec) Action {
	cmp := NewComparator(spec)

	switch event.Operation {
	case document.OpInsert:
		if !filter.Evaluate(event.Document, spec.Filter) {
			return Action{Kind: NoChange}
		}
		pos := insertionIndex(results, event.Document, cmp)
		if spec.HasLimit() && pos >= spec.Limit {
			return Action{Kind: NoChange}
		}
		return Action{Kind: InsertAt, Index: pos, Document: event.Document}

	case document.OpUpdate:
		idx, wasPresent := indexOf(results, event.DocumentID)
		matchesNow := filter.Evaluate(event.Document, spec.Filter)

		if !wasPresent {
			if !matchesNow {
				return Action{Kind: NoChange}
			}
			pos := insertionIndex(results, event.Document, cmp)
			if spec.HasLimit() && pos >= spec.Limit {
				return Action{Kind: NoChange}
			}
			return Action{Kind: InsertAt, Index: pos, Document: event.Document}
		}

		if !matchesNow {
			return Action{Kind: RemoveAt, Index: idx}
		}

		oldKey := sortKey(spec, results[idx])
		newKey := sortKey(spec, event.Document)
		if sameSortKey(oldKey, newKey) {
			return Action{Kind: UpdateAt, Index: idx, Document: event.Document}
		}

		to := moveDestination(results, idx, event.Document, cmp)
		return Action{Kind: Move, Index: idx, To: to, Document: event.Document}

	case document.OpDelete:
		idx, wasPresent := indexOf(results, event.DocumentID)
		if !wasPresent {
			return Action{Kind: NoChange}
		}
		if spec.HasLimit() {
			// A successor outside the visible prefix may now qualify;
			// only a full re-execution can discover it (spec §4.2).
			return Action{Kind: ReExecute}
		}
		return Action{Kind: RemoveAt, Index: idx}

	default:
		return Action{Kind: NoChange}
	}
}

// insertionIndex returns the binary-search position doc would occupy in
// results under cmp.
func insertionIndex(results []*document.Document, doc *document.Document, cmp Comparator) int {
	return sort.Search(len(results), func(i int) bool {
		return cmp(results[i], doc) > 0
	})
}

// moveDestination computes toIndex as the insertion position in the
// array after removing the element at fromIndex (spec §4.2's documented
// convention for the asymmetric move contract).
func moveDestination(results []*document.Document, fromIndex int, doc *document.Document, cmp Comparator) int {
	without := make([]*document.Document, 0, len(results)-1)
	for i, d := range results {
		if i == fromIndex {
			continue
		}
		without = append(without, d)
	}
	return insertionIndex(without, doc, cmp)
}

func indexOf(results []*document.Document, id string) (int, bool) {
	for i, d := range results {
		if d.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Apply produces a fresh array reflecting action against results.
// NoChange returns the input slice unchanged by identity; ReExecute is a
// signal for the caller to run the full query and must not be passed to
// Apply.
func Apply(results []*document.Document, action Action, spec query.Spec) []*document.Document {
	switch action.Kind {
	case NoChange:
		return results

	case InsertAt:
		out := make([]*document.Document, 0, len(results)+1)
		out = append(out, results[:action.Index]...)
		out = append(out, action.Document)
		out = append(out, results[action.Index:]...)
		if spec.HasLimit() && len(out) > spec.Limit {
			out = out[:spec.Limit]
		}
		return out

	case RemoveAt:
		out := make([]*document.Document, 0, len(results)-1)
		out = append(out, results[:action.Index]...)
		out = append(out, results[action.Index+1:]...)
		return out

	case UpdateAt:
		out := make([]*document.Document, len(results))
		copy(out, results)
		out[action.Index] = action.Document
		return out

	case Move:
		without := make([]*document.Document, 0, len(results)-1)
		for i, d := range results {
			if i == action.Index {
				continue
			}
			without = append(without, d)
		}
		out := make([]*document.Document, 0, len(without)+1)
		out = append(out, without[:action.To]...)
		out = append(out, action.Document)
		out = append(out, without[action.To:]...)
		if spec.HasLimit() && len(out) > spec.Limit {
			out = out[:spec.Limit]
		}
		return out

	default:
		return results
	}
}
