// Package view implements the materialized view and view manager of
// spec §4.4/§4.5: a persisted, sorted, limited, projected query result
// maintained incrementally via eventreduce, plus a named registry with
// an aggregation layer. It is grounded on the versioned, callback-driven
// document lifecycle of luvjson/crdtstorage.Document (create/update/
// dispose, onChangeCallbacks) generalized from a single CRDT document to
// a query result set, and on crdtstorage.SimpleQuery/QueryResult for the
// filter+sort+limit+projection shape.
package view

import (
	"sync"
	"time"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/eventreduce"
	"github.com/reactivedoc/core/query"
)

// Definition is a named view's immutable configuration (spec §3).
type Definition struct {
	Name       string
	Collection string
	Spec       query.Spec
}

// Delta describes one applied change to a view's result set (spec §4.4).
type Delta struct {
	Added    []*document.Document
	Removed  []*document.Document
	Modified []ModifiedPair
}

// ModifiedPair is one updated-in-place document.
type ModifiedPair struct {
	Before *document.Document
	After  *document.Document
}

// IsEmpty reports whether the delta changed nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// View is a persistent, sorted, limited, projected materialized view
// maintained incrementally (spec §4.4).
type View struct {
	def Definition

	mu           sync.Mutex
	results      []*document.Document
	resultIDs    map[string]struct{}
	lastSequence uint64
	createdAt    time.Time
	updatedAt    time.Time
	samples      []time.Duration

	deltaPub *deltaPublisher
	disposed bool
}

// New creates an empty view for def.
func New(def Definition) *View {
	return &View{
		def:       def,
		resultIDs: make(map[string]struct{}),
		createdAt: time.Now(),
		deltaPub:  newDeltaPublisher(),
	}
}

// Definition returns the view's configuration.
func (v *View) Definition() Definition { return v.def }

// Results returns a snapshot of the view's current, already-projected
// result array.
func (v *View) Results() []*document.Document {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*document.Document, len(v.results))
	copy(out, v.results)
	return out
}

// Subscribe delivers the current full result array immediately to a new
// subscriber once the view has published at least one non-empty delta
// (spec §4.4 "full-results replay for new subscribers"), then the full
// array again after every non-empty delta. A view that has never
// published delivers nothing on Subscribe.
func (v *View) Subscribe(fn func([]*document.Document)) (unsubscribe func()) {
	return v.deltaPub.subscribeResults(fn)
}

// SubscribeDelta delivers only the Delta produced by each applied
// change; empty deltas are not delivered (spec §4.4).
func (v *View) SubscribeDelta(fn func(Delta)) (unsubscribe func()) {
	return v.deltaPub.subscribeDelta(fn)
}

// Dispose completes the view's streams; idempotent.
func (v *View) Dispose() {
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		return
	}
	v.disposed = true
	v.mu.Unlock()
	v.deltaPub.complete()
}

// ApplyChange feeds event through eventreduce and maintains results,
// resultIDs, lastSequence and the rolling update-time sample, emitting a
// Delta when the visible result set actually changes.
func (v *View) ApplyChange(event document.ChangeEvent, reExecute func() ([]*document.Document, error)) error {
	start := time.Now()

	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		return nil
	}
	current := v.results
	v.mu.Unlock()

	action := eventreduce.Reduce(event, current, v.def.Spec)

	// Unlike a Live Query, a View is a persisted window that must keep
	// itself as full as its limit allows: any removal that shrinks a
	// limited window below capacity may let a successor outside the old
	// window now qualify, so it is treated like a limited delete
	// (re-execute) rather than a bare remove-at.
	if action.Kind == eventreduce.RemoveAt && v.def.Spec.HasLimit() {
		action = eventreduce.Action{Kind: eventreduce.ReExecute}
	}

	if action.Kind == eventreduce.ReExecute {
		fresh, err := reExecute()
		if err != nil {
			return err
		}
		v.replace(fresh, event.Sequence, start)
		return nil
	}
	if action.Kind == eventreduce.NoChange {
		v.mu.Lock()
		v.lastSequence = event.Sequence
		v.mu.Unlock()
		return nil
	}

	v.applyWithLimitEviction(action, event.Sequence, start)
	return nil
}

// applyWithLimitEviction implements the limit-eviction semantics of spec
// §4.4: if applying the action grows the array past the limit, the tail
// is popped; if the popped element is the one just inserted, the view
// reports no net change (it never entered the window), otherwise the
// popped element is reported removed.
func (v *View) applyWithLimitEviction(action eventreduce.Action, sequence uint64, start time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	before := v.results
	beforeIndex := indexByID(before)

	after := eventreduce.Apply(before, action, v.def.Spec)
	after = applyProjection(after, v.def.Spec.Projection)

	var added, removed []*document.Document
	var modified []ModifiedPair

	afterIDs := make(map[string]struct{}, len(after))
	for _, d := range after {
		afterIDs[d.ID] = struct{}{}
	}

	insertedID := ""
	if action.Kind == eventreduce.InsertAt || action.Kind == eventreduce.Move {
		insertedID = action.Document.ID
	}

	for _, d := range after {
		if _, existed := beforeIndex[d.ID]; !existed {
			added = append(added, d)
		} else if (action.Kind == eventreduce.UpdateAt || action.Kind == eventreduce.Move) && d.ID == action.Document.ID {
			modified = append(modified, ModifiedPair{Before: beforeIndex[d.ID], After: d})
		}
	}
	for id, d := range beforeIndex {
		if _, stillPresent := afterIDs[id]; !stillPresent {
			if id == insertedID {
				// Popped the element that was just inserted: it never
				// entered the window, so no net change is reported.
				continue
			}
			removed = append(removed, d)
		}
	}

	v.results = after
	v.resultIDs = afterIDs
	v.lastSequence = sequence
	v.updatedAt = time.Now()
	v.recordSample(time.Since(start))

	delta := Delta{Added: added, Removed: removed, Modified: modified}
	if !delta.IsEmpty() {
		v.deltaPub.publish(delta, after)
	}
}

func (v *View) replace(fresh []*document.Document, sequence uint64, start time.Time) {
	fresh = applyProjection(fresh, v.def.Spec.Projection)

	v.mu.Lock()
	before := indexByID(v.results)
	afterIDs := make(map[string]struct{}, len(fresh))

	var added, removed []*document.Document
	for _, d := range fresh {
		afterIDs[d.ID] = struct{}{}
		if _, existed := before[d.ID]; !existed {
			added = append(added, d)
		}
	}
	for id, d := range before {
		if _, stillPresent := afterIDs[id]; !stillPresent {
			removed = append(removed, d)
		}
	}

	v.results = fresh
	v.resultIDs = afterIDs
	v.lastSequence = sequence
	v.updatedAt = time.Now()
	v.recordSample(time.Since(start))
	v.mu.Unlock()

	delta := Delta{Added: added, Removed: removed}
	if !delta.IsEmpty() {
		v.deltaPub.publish(delta, fresh)
	}
}

const maxSamples = 100

func (v *View) recordSample(d time.Duration) {
	v.samples = append(v.samples, d)
	if len(v.samples) > maxSamples {
		v.samples = v.samples[len(v.samples)-maxSamples:]
	}
}

// AverageUpdateTime returns the rolling average over the last 100
// applied-change samples (spec §4.4).
func (v *View) AverageUpdateTime() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range v.samples {
		total += s
	}
	return total / time.Duration(len(v.samples))
}

// ResultIDs returns a copy of the view's id set, which must always equal
// the set of ids in Results() (spec §8 property 4).
func (v *View) ResultIDs() map[string]struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]struct{}, len(v.resultIDs))
	for k := range v.resultIDs {
		out[k] = struct{}{}
	}
	return out
}

func indexByID(docs []*document.Document) map[string]*document.Document {
	out := make(map[string]*document.Document, len(docs))
	for _, d := range docs {
		out[d.ID] = d
	}
	return out
}

func applyProjection(docs []*document.Document, proj query.Projection) []*document.Document {
	if proj.IsZero() {
		return docs
	}
	out := make([]*document.Document, len(docs))
	for i, d := range docs {
		clone := d.Clone()
		clone.Fields = proj.Apply(clone.Fields)
		out[i] = clone
	}
	return out
}
