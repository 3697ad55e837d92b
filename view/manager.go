package view

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/reerror"
)

// ManagerOptions configures a Manager (spec §6).
type ManagerOptions struct {
	MaxViews int // 0 means unbounded
}

// Manager is the named registry over materialized views plus the
// aggregation layer of spec §4.5.
type Manager struct {
	opts ManagerOptions

	mu    sync.RWMutex
	views map[string]*View
}

// NewManager creates an empty registry.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{opts: opts, views: make(map[string]*View)}
}

// CreateView registers a new, uniquely-named view.
func (m *Manager) CreateView(name string, def Definition) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.views[name]; exists {
		return nil, errors.Wrapf(reerror.ErrValidation, "view: name %q already registered", name)
	}
	if m.opts.MaxViews > 0 && len(m.views) >= m.opts.MaxViews {
		return nil, errors.Wrapf(reerror.ErrValidation, "view: max views (%d) reached", m.opts.MaxViews)
	}

	def.Name = name
	v := New(def)
	m.views[name] = v
	return v, nil
}

// DropView completes the view's stream and removes it from the registry.
func (m *Manager) DropView(name string) {
	m.mu.Lock()
	v, ok := m.views[name]
	delete(m.views, name)
	m.mu.Unlock()

	if ok {
		v.Dispose()
	}
}

// Get returns a registered view by name.
func (m *Manager) Get(name string) (*View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[name]
	return v, ok
}

// HandleChange fans event out to every view whose Definition.Collection
// matches collection (spec §4.5). reExecute is invoked only for the
// specific view that requests a re-execution.
func (m *Manager) HandleChange(collection string, event document.ChangeEvent, reExecute func(def Definition) ([]*document.Document, error)) error {
	m.mu.RLock()
	matching := make([]*View, 0)
	for _, v := range m.views {
		if v.def.Collection == collection {
			matching = append(matching, v)
		}
	}
	m.mu.RUnlock()

	for _, v := range matching {
		def := v.def
		if err := v.ApplyChange(event, func() ([]*document.Document, error) {
			return reExecute(def)
		}); err != nil {
			return errors.Wrapf(err, "view: applying change to %q", v.def.Name)
		}
	}
	return nil
}

// AggregateOp is one of count/sum/avg/min/max (spec §4.5).
type AggregateOp string

const (
	Count AggregateOp = "count"
	Sum   AggregateOp = "sum"
	Avg   AggregateOp = "avg"
	Min   AggregateOp = "min"
	Max   AggregateOp = "max"
)

const ungroupedKey = "_ungrouped"

// Aggregate computes op over field across docs matched by pred (nil
// matches all), optionally grouped by groupField. Sum/Avg/Min/Max
// consider only numeric values (spec §4.5). Returns either a scalar
// (int for count; float64 for sum/avg/min/max, which is 0 when there
// are no numeric samples) when groupField is empty, or a
// map[string]interface{} keyed by the stringified group value (null
// group key becomes "_ungrouped").
func Aggregate(docs []*document.Document, op AggregateOp, field string, groupField string, pred func(*document.Document) bool) (interface{}, error) {
	if pred == nil {
		pred = func(*document.Document) bool { return true }
	}

	if groupField == "" {
		return aggregateScalar(docs, op, field, pred)
	}

	groups := make(map[string][]*document.Document)
	for _, d := range docs {
		if !pred(d) {
			continue
		}
		key := ungroupedKey
		if v, ok := d.Get(groupField); ok && v != nil {
			key = fmt.Sprintf("%v", v)
		}
		groups[key] = append(groups[key], d)
	}

	out := make(map[string]interface{}, len(groups))
	for key, group := range groups {
		v, err := aggregateScalar(group, op, field, func(*document.Document) bool { return true })
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func aggregateScalar(docs []*document.Document, op AggregateOp, field string, pred func(*document.Document) bool) (interface{}, error) {
	switch op {
	case Count:
		n := 0
		for _, d := range docs {
			if pred(d) {
				n++
			}
		}
		return n, nil

	case Sum, Avg, Min, Max:
		var values []float64
		for _, d := range docs {
			if !pred(d) {
				continue
			}
			v, ok := d.Get(field)
			if !ok {
				continue
			}
			f, isNum := toFloat(v)
			if !isNum {
				continue
			}
			values = append(values, f)
		}
		return reduceNumeric(op, values), nil

	default:
		return nil, errors.Wrapf(reerror.ErrValidation, "view: unknown aggregate op %q", op)
	}
}

func reduceNumeric(op AggregateOp, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch op {
	case Sum:
		var total float64
		for _, v := range values {
			total += v
		}
		return total
	case Avg:
		var total float64
		for _, v := range values {
			total += v
		}
		return total / float64(len(values))
	case Min:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case Max:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
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

// SortDocuments orders docs by a single {field, order} sort (spec §4.5).
func SortDocuments(docs []*document.Document, field string, dir query.SortDirection) []*document.Document {
	out := make([]*document.Document, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		vi, _ := out[i].Get(field)
		vj, _ := out[j].Get(field)
		fi, iok := toFloat(vi)
		fj, jok := toFloat(vj)
		var less bool
		if iok && jok {
			less = fi < fj
		} else {
			less = fmt.Sprintf("%v", vi) < fmt.Sprintf("%v", vj)
		}
		if dir == query.Descending {
			return !less
		}
		return less
	})
	return out
}
