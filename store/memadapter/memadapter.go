// Package memadapter is a reference in-memory DocumentStore, grounded
// on luvjson/crdtstorage's MemoryAdapter: a mutex-protected map
// standing in for a real persistence engine, useful for tests and for
// single-tab usage with no durability requirement.
package memadapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reerror"
	"github.com/reactivedoc/core/store"
)

// maxTrackedRevisionHistories bounds how many documents' revision
// history this store keeps around for conflict diagnostics; the
// coldest-accessed document's history is evicted first once the cap is
// reached, per spec §3's "fall back to equal _rev.sequence with
// different hash" conflict-detection rule, which only needs each
// document's own last few revisions, not an unbounded log.
const maxTrackedRevisionHistories = 4096

// revisionHistoryDepth is how many past revisions are kept per tracked
// document.
const revisionHistoryDepth = 10

// Store is a memory-backed store.DocumentStore.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*document.Document
	seq     uint64
	indexes map[string]store.IndexSpec

	revHistory *lru.Cache[string, []document.Revision]

	subMu    sync.Mutex
	handlers map[int]store.ChangeHandler
	nextSub  int
}

// New creates an empty in-memory store.
func New() *Store {
	revHistory, err := lru.New[string, []document.Revision](maxTrackedRevisionHistories)
	if err != nil {
		// only returns an error for a non-positive size, which
		// maxTrackedRevisionHistories never is.
		panic(err)
	}
	return &Store{
		docs:       make(map[string]*document.Document),
		indexes:    make(map[string]store.IndexSpec),
		revHistory: revHistory,
		handlers:   make(map[int]store.ChangeHandler),
	}
}

// RevisionHistory returns the most recent revisions recorded for id,
// oldest first, for conflict diagnostics (spec §3 "fall back to equal
// _rev.sequence with different hash"). Returns nil if id has not been
// written through this store instance or was evicted under memory
// pressure.
func (s *Store) RevisionHistory(id string) []document.Revision {
	history, _ := s.revHistory.Get(id)
	return append([]document.Revision(nil), history...)
}

func (s *Store) recordRevision(id string, rev document.Revision) {
	history, _ := s.revHistory.Get(id)
	history = append(history, rev)
	if len(history) > revisionHistoryDepth {
		history = history[len(history)-revisionHistoryDepth:]
	}
	s.revHistory.Add(id, history)
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok || d.Deleted {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) GetMany(ctx context.Context, ids []string) ([]*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.docs[id]; ok && !d.Deleted {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetAll(ctx context.Context) ([]*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*document.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if !d.Deleted {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Put(ctx context.Context, doc *document.Document) error {
	if err := document.Validate(doc); err != nil {
		return err
	}

	s.mu.Lock()
	prev, existed := s.docs[doc.ID]
	doc = doc.Clone()
	doc.UpdatedAt = nowMillis()
	seqno := uint64(1)
	if existed {
		seqno = prev.Rev.Sequence + 1
	}
	doc.Rev = document.Revision{Sequence: seqno, Hash: uuid.NewString()}
	s.recordRevision(doc.ID, doc.Rev)
	s.seq++
	seq := s.seq
	s.docs[doc.ID] = doc
	s.mu.Unlock()

	event := document.ChangeEvent{
		DocumentID: doc.ID,
		Document:   doc.Clone(),
		Sequence:   seq,
		Timestamp:  doc.UpdatedAt,
	}
	if existed {
		event.Operation = document.OpUpdate
		event.PreviousDocument = prev.Clone()
	} else {
		event.Operation = document.OpInsert
	}
	s.emit(event)
	return nil
}

func (s *Store) BulkPut(ctx context.Context, docs []*document.Document) error {
	for _, d := range docs {
		if err := s.Put(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	prev, existed := s.docs[id]
	if !existed || prev.Deleted {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	seq := s.seq
	nextRev := document.Revision{Sequence: prev.Rev.Sequence + 1, Hash: uuid.NewString()}
	tombstone := document.MakeTombstone(id, nextRev, nowMillis(), prev.VClock)
	s.recordRevision(id, nextRev)
	s.docs[id] = tombstone
	s.mu.Unlock()

	s.emit(document.ChangeEvent{
		Operation:        document.OpDelete,
		DocumentID:       id,
		Document:         nil,
		PreviousDocument: prev.Clone(),
		Sequence:         seq,
		Timestamp:        tombstone.UpdatedAt,
	})
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.docs {
		if !d.Deleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.docs = make(map[string]*document.Document)
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, spec store.IndexSpec) error {
	if spec.Name == "" {
		return errors.Wrap(reerror.ErrValidation, "memadapter: index name is required")
	}
	s.mu.Lock()
	s.indexes[spec.Name] = spec
	s.mu.Unlock()
	return nil
}

func (s *Store) DropIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	delete(s.indexes, name)
	s.mu.Unlock()
	return nil
}

// Query evaluates spec.Filter against every live document with
// filter.Evaluate; memadapter keeps no real indexes, CreateIndex only
// records intent for callers that introspect it.
func (s *Store) Query(ctx context.Context, spec query.Spec) ([]*document.Document, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*document.Document, 0, len(all))
	for _, d := range all {
		if filter.Evaluate(d, spec.Filter) {
			matched = append(matched, d)
		}
	}

	if len(spec.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return sortLess(matched[i], matched[j], spec.Sort)
		})
	}

	if spec.Skip > 0 {
		if spec.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[spec.Skip:]
		}
	}
	if spec.HasLimit() && len(matched) > spec.Limit {
		matched = matched[:spec.Limit]
	}

	for i, d := range matched {
		clone := d.Clone()
		clone.Fields = spec.Projection.Apply(clone.Fields)
		matched[i] = clone
	}
	return matched, nil
}

func sortLess(a, b *document.Document, fields []query.SortField) bool {
	for _, f := range fields {
		av, _ := a.Get(f.Field)
		bv, _ := b.Get(f.Field)
		cmp := compareAny(av, bv)
		if cmp == 0 {
			continue
		}
		if f.Direction == query.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.ID < b.ID
}

func compareAny(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		default:
			return 0
		}
	}

	as, bs := toString(a), toString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (s *Store) Changes(handler store.ChangeHandler) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.handlers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(event document.ChangeEvent) {
	s.subMu.Lock()
	handlers := make([]store.ChangeHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

func (s *Store) Close() error { return nil }

func nowMillis() int64 { return time.Now().UnixMilli() }
