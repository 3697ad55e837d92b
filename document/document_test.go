package document

import (
	"strings"
	"testing"

	"github.com/reactivedoc/core/vclock"
)

func TestRevisionRoundTrip(t *testing.T) {
	r := Revision{Sequence: 12, Hash: "abcd"}
	parsed, err := ParseRevision(r.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", parsed, r)
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	err := Validate(&Document{})
	if err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestValidateRejectsForbiddenKey(t *testing.T) {
	d := &Document{ID: "x", Fields: map[string]interface{}{"__proto__": 1}}
	if err := Validate(d); err == nil {
		t.Fatal("expected error for forbidden key")
	}
}

func TestValidateRejectsOversizeID(t *testing.T) {
	d := &Document{ID: strings.Repeat("a", MaxIDBytes+1)}
	if err := Validate(d); err == nil {
		t.Fatal("expected error for oversize id")
	}
}

func TestGetDotPath(t *testing.T) {
	d := &Document{ID: "x", Fields: map[string]interface{}{
		"user": map[string]interface{}{"address": map[string]interface{}{"city": "NYC"}},
	}}
	v, ok := d.Get("user.address.city")
	if !ok || v != "NYC" {
		t.Fatalf("expected NYC, got %v ok=%v", v, ok)
	}

	_, ok = d.Get("user.address.zip")
	if ok {
		t.Fatal("expected missing intermediate to short-circuit to not-found")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := &Document{ID: "x", Fields: map[string]interface{}{"a": map[string]interface{}{"b": 1}}}
	clone := d.Clone()
	clone.Fields["a"].(map[string]interface{})["b"] = 2
	if d.Fields["a"].(map[string]interface{})["b"] != 1 {
		t.Fatal("clone must not alias the original")
	}
}

func TestMakeTombstonePreservesClockOnlyIfPresent(t *testing.T) {
	withClock := MakeTombstone("x", Revision{Sequence: 1}, 0, vclock.Clock{"n1": 1})
	if withClock.VClock == nil {
		t.Fatal("expected clock to be preserved when the prior document had one")
	}

	withoutClock := MakeTombstone("x", Revision{Sequence: 1}, 0, nil)
	if withoutClock.VClock != nil {
		t.Fatal("expected no clock to be established for a tombstone when none existed")
	}
}
