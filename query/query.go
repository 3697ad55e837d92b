// Package query defines the declarative QuerySpec shape consumed by the
// filter evaluator, EventReduce, live queries and materialized views
// (spec §3, §4.2). It is intentionally tiny: a filter tree plus a sort
// key, limit, skip and projection, grounded on the filter/sort/limit
// shape of luvjson/crdtstorage.SimpleQuery but expressed as a reusable
// value type rather than a fluent builder, since every layer above it
// needs direct field access to implement EventReduce's comparator.
package query

import "github.com/reactivedoc/core/filter"

// SortDirection is the direction of a single sort key.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// SortField is one entry of a lexicographic sort key.
type SortField struct {
	Field     string
	Direction SortDirection
}

// Projection selects which fields of a matched document are returned.
// Exactly one of Include/Exclude may be non-empty (spec §4.4); mixing is
// rejected by Validate.
type Projection struct {
	Include map[string]bool
	Exclude map[string]bool
}

// IsZero reports whether the projection selects everything (no-op).
func (p Projection) IsZero() bool {
	return len(p.Include) == 0 && len(p.Exclude) == 0
}

// Spec is the declarative {filter, sort, limit, skip, projection} shape.
type Spec struct {
	Filter     filter.Operator
	Sort       []SortField
	Limit      int // 0 means unlimited
	Skip       int
	Projection Projection
}

// HasLimit reports whether results are capped.
func (s Spec) HasLimit() bool {
	return s.Limit > 0
}

// Apply projects a document's Fields according to Projection, returning
// a new map; "_id" is always included. A zero Projection returns the
// input unchanged (by reference — callers must clone first if needed).
func (p Projection) Apply(fields map[string]interface{}) map[string]interface{} {
	if p.IsZero() {
		return fields
	}
	out := make(map[string]interface{})
	if len(p.Include) > 0 {
		for k := range p.Include {
			if v, ok := fields[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range fields {
		if p.Exclude[k] {
			continue
		}
		out[k] = v
	}
	return out
}
