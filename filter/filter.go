// Package filter implements the pure, dependency-free predicate engine
// described in spec §4.1: a small operator tree evaluated against a
// document's payload by dot-path. It is grounded on the fail-closed,
// typed-error discipline of luvjson/crdt's node construction
// (crdt/node_factory.go) and on the simple key/value filter shape of
// crdtstorage.SimpleQuery, generalized into a full operator tree since
// the spec requires nested $and/$or/$not/$nor composition that the
// donor's flat equality filter does not need.
package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/reactivedoc/core/reerror"
)

// Getter resolves a dot-path field against whatever document type the
// caller evaluates against. document.Document implements this.
type Getter interface {
	Get(path string) (interface{}, bool)
}

// Operator is a node in the filter tree. A nil Operator matches every
// document (spec §4.1 "empty/absent filter matches all").
type Operator interface {
	Evaluate(doc Getter) bool
}

// Evaluate runs op against doc, treating a nil op as "match all".
func Evaluate(doc Getter, op Operator) bool {
	if op == nil {
		return true
	}
	return op.Evaluate(doc)
}

// Field wraps a comparison/set/existence/pattern operator under a field
// path, e.g. Field{Path: "status", Op: Eq{Value: "active"}}.
type Field struct {
	Path string
	Op   ValueOperator
}

func (f Field) Evaluate(doc Getter) bool {
	v, ok := doc.Get(f.Path)
	return f.Op.Match(v, ok)
}

// ValueOperator matches a single resolved field value. ok is false when
// the path (or an intermediate segment) was absent.
type ValueOperator interface {
	Match(value interface{}, ok bool) bool
}

// Eq is implicit for a bare non-operator value (spec §4.1) and explicit
// $eq. Equality on objects/arrays is structural (reflect.DeepEqual).
type Eq struct{ Value interface{} }

func (e Eq) Match(v interface{}, ok bool) bool {
	if !ok {
		return e.Value == nil
	}
	return deepEqual(v, e.Value)
}

// Ne is $ne.
type Ne struct{ Value interface{} }

func (n Ne) Match(v interface{}, ok bool) bool {
	return !Eq{Value: n.Value}.Match(v, ok)
}

// Gt/Gte/Lt/Lte implement strict comparison on same-typed comparable
// values (number, string, date per spec §4.1); any other pairing, or a
// missing field, fails closed to false.
type Gt struct{ Value interface{} }
type Gte struct{ Value interface{} }
type Lt struct{ Value interface{} }
type Lte struct{ Value interface{} }

func (o Gt) Match(v interface{}, ok bool) bool {
	c, comparable := compare(v, o.Value)
	return ok && comparable && c > 0
}
func (o Gte) Match(v interface{}, ok bool) bool {
	c, comparable := compare(v, o.Value)
	return ok && comparable && c >= 0
}
func (o Lt) Match(v interface{}, ok bool) bool {
	c, comparable := compare(v, o.Value)
	return ok && comparable && c < 0
}
func (o Lte) Match(v interface{}, ok bool) bool {
	c, comparable := compare(v, o.Value)
	return ok && comparable && c <= 0
}

// compare returns (-1/0/1, true) if a and b are same-JS-comparable-type
// (number, string or time.Time), else (0, false).
func compare(a, b interface{}) (int, bool) {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}

	at, aIsTime := a.(time.Time)
	bt, bIsTime := b.(time.Time)
	if aIsTime && bIsTime {
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// In is $in: membership by deep equality against an array operand.
type In struct{ Values []interface{} }

func (i In) Match(v interface{}, ok bool) bool {
	if !ok {
		return false
	}
	for _, candidate := range i.Values {
		if deepEqual(v, candidate) {
			return true
		}
	}
	return false
}

// Nin is $nin.
type Nin struct{ Values []interface{} }

func (n Nin) Match(v interface{}, ok bool) bool {
	return !In{Values: n.Values}.Match(v, ok)
}

// Exists is $exists: true iff the value is neither absent nor nil.
type Exists struct{ Want bool }

func (e Exists) Match(v interface{}, ok bool) bool {
	present := ok && v != nil
	return present == e.Want
}

// Regex is $regex. It must be constructed with NewRegex, which performs
// the catastrophic-backtracking guard from spec §4.1; an Operator built
// any other way has undefined behavior.
type Regex struct {
	compiled *regexp.Regexp
}

// NewRegex safely compiles pattern, rejecting operands longer than 1000
// bytes and patterns that look like nested-repeat catastrophic
// backtracking traps (e.g. "(a+)+", "(a*)*", "(a{2,3})+"). Over-long or
// unsafe patterns return an error wrapping ErrUnsafeRegex; a pattern
// that does not compile returns an error wrapping the regexp compile
// error. In every error case the returned zero Regex fails closed.
func NewRegex(pattern string) (Regex, error) {
	if len(pattern) > 1000 {
		return Regex{}, fmt.Errorf("filter: regex pattern exceeds 1000 bytes: %w", reerror.ErrUnsafeRegex)
	}
	if looksCatastrophic(pattern) {
		return Regex{}, fmt.Errorf("filter: regex pattern rejected as unsafe: %w", reerror.ErrUnsafeRegex)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Regex{}, fmt.Errorf("filter: invalid regex: %w", err)
	}
	return Regex{compiled: re}, nil
}

// nestedRepeat matches a repetition quantifier immediately followed by
// another repetition quantifier over a group, e.g. "(a+)+", "(a*){2,3}".
// Its first alternative matches any group directly followed by * or +,
// so a group with no inner quantifier, such as "(ab)+", is rejected too.
var nestedRepeat = regexp.MustCompile(`\)[*+]|\)\{\d*,?\d*\}[*+{]|[*+]\)[*+{]`)

func looksCatastrophic(pattern string) bool {
	return nestedRepeat.MatchString(pattern)
}

func (r Regex) Match(v interface{}, ok bool) bool {
	if !ok || r.compiled == nil {
		return false
	}
	s, isStr := v.(string)
	if !isStr {
		return false
	}
	return r.compiled.MatchString(s)
}

// And/Or/Not/Nor are the logical combinators over Operator trees.
type And []Operator
type Or []Operator
type Not struct{ Op Operator }
type Nor []Operator

func (a And) Evaluate(doc Getter) bool {
	for _, op := range a {
		if !Evaluate(doc, op) {
			return false
		}
	}
	return true
}

func (o Or) Evaluate(doc Getter) bool {
	for _, op := range o {
		if Evaluate(doc, op) {
			return true
		}
	}
	return false
}

func (n Not) Evaluate(doc Getter) bool {
	return !Evaluate(doc, n.Op)
}

func (n Nor) Evaluate(doc Getter) bool {
	for _, op := range n {
		if Evaluate(doc, op) {
			return false
		}
	}
	return true
}

// Unknown represents an operator name the evaluator does not recognize.
// It always evaluates to false (spec §7 FilterEvaluationError: fail
// closed rather than propagating an error).
type Unknown struct{ Name string }

func (Unknown) Evaluate(Getter) bool { return false }
func (u Unknown) Match(interface{}, bool) bool { return false }

func deepEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
