package mongoadapter

import (
	"testing"

	"github.com/reactivedoc/core/document"
)

func TestRecordRoundTrip(t *testing.T) {
	d := &document.Document{
		ID:        "a",
		Rev:       document.Revision{Sequence: 3, Hash: "deadbeef"},
		UpdatedAt: 1234,
		VClock:    map[string]uint64{"n1": 2},
		Fields:    map[string]interface{}{"n": 1.0},
	}

	r, err := toRecord(d)
	if err != nil {
		t.Fatalf("toRecord: %v", err)
	}
	back, err := fromRecord(r)
	if err != nil {
		t.Fatalf("fromRecord: %v", err)
	}

	if back.ID != d.ID || back.Rev != d.Rev || back.UpdatedAt != d.UpdatedAt {
		t.Fatalf("round trip mismatch: got %+v", back)
	}
	if back.VClock["n1"] != 2 {
		t.Fatalf("expected vclock to survive round trip, got %+v", back.VClock)
	}
}
