package filter

import "testing"

type fakeDoc map[string]interface{}

func (f fakeDoc) Get(path string) (interface{}, bool) {
	v, ok := f[path]
	return v, ok
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	if !Evaluate(fakeDoc{}, nil) {
		t.Fatal("nil operator must match everything")
	}
}

func TestEqAndNe(t *testing.T) {
	doc := fakeDoc{"status": "active"}
	if !Evaluate(doc, Field{Path: "status", Op: Eq{Value: "active"}}) {
		t.Fatal("expected eq match")
	}
	if Evaluate(doc, Field{Path: "status", Op: Ne{Value: "active"}}) {
		t.Fatal("expected ne to fail on matching value")
	}
}

func TestComparisonFailsClosedOnTypeMismatch(t *testing.T) {
	doc := fakeDoc{"priority": "high"}
	if Evaluate(doc, Field{Path: "priority", Op: Gt{Value: 3}}) {
		t.Fatal("string vs number comparison must fail closed")
	}
}

func TestInNin(t *testing.T) {
	doc := fakeDoc{"tag": "b"}
	if !Evaluate(doc, Field{Path: "tag", Op: In{Values: []interface{}{"a", "b"}}}) {
		t.Fatal("expected in match")
	}
	if Evaluate(doc, Field{Path: "tag", Op: Nin{Values: []interface{}{"a", "b"}}}) {
		t.Fatal("expected nin to fail on membership")
	}
}

func TestExists(t *testing.T) {
	doc := fakeDoc{"present": nil}
	if Evaluate(doc, Field{Path: "present", Op: Exists{Want: true}}) {
		t.Fatal("nil value must count as not-exists")
	}
	if !Evaluate(doc, Field{Path: "absent", Op: Exists{Want: false}}) {
		t.Fatal("absent path must satisfy exists:false")
	}
}

func TestLogicalCombinators(t *testing.T) {
	doc := fakeDoc{"a": 1.0, "b": 2.0}
	op := And{
		Field{Path: "a", Op: Eq{Value: 1.0}},
		Or{
			Field{Path: "b", Op: Eq{Value: 99.0}},
			Field{Path: "b", Op: Eq{Value: 2.0}},
		},
	}
	if !Evaluate(doc, op) {
		t.Fatal("expected and/or combination to match")
	}

	if Evaluate(doc, Not{Op: Field{Path: "a", Op: Eq{Value: 1.0}}}) {
		t.Fatal("not should invert a matching predicate")
	}

	if !Evaluate(doc, Nor{Field{Path: "a", Op: Eq{Value: 99.0}}}) {
		t.Fatal("nor with no matching clause should match")
	}
}

func TestRegexRejectsCatastrophicPattern(t *testing.T) {
	if _, err := NewRegex("(a+)+"); err == nil {
		t.Fatal("expected nested-repeat pattern to be rejected")
	}
}

func TestRegexMatches(t *testing.T) {
	re, err := NewRegex("^foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := fakeDoc{"name": "foobar"}
	if !Evaluate(doc, Field{Path: "name", Op: re}) {
		t.Fatal("expected regex to match")
	}
}

func TestUnknownOperatorFailsClosed(t *testing.T) {
	if Evaluate(fakeDoc{"x": 1.0}, Field{Path: "x", Op: Unknown{Name: "$weird"}}) {
		t.Fatal("unknown operator must evaluate to false")
	}
}

func TestStructuralEqualityOnObjects(t *testing.T) {
	doc := fakeDoc{"obj": map[string]interface{}{"a": 1.0}}
	op := Field{Path: "obj", Op: Eq{Value: map[string]interface{}{"a": 1.0}}}
	if !Evaluate(doc, op) {
		t.Fatal("expected structural equality on objects")
	}
}
