// Package document implements the core record shape and causal metadata
// described in spec §3: an immutable-by-convention document with a
// monotonic revision, a wall-clock timestamp, an optional vector clock,
// and tombstone semantics for soft deletes. It is grounded on the
// reserved-field discipline of luvjson/crdtstorage.Document and the
// event/diff shape of eventsync.Event, generalized from a CRDT-specific
// node graph to the plain filter/sort/query domain this spec targets.
package document

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/reactivedoc/core/reerror"
	"github.com/reactivedoc/core/vclock"
)

// MaxIDBytes is the maximum byte length of a document id (spec §3).
const MaxIDBytes = 256

// MaxDocumentBytes is the maximum encoded size of a document (spec §7).
const MaxDocumentBytes = 16 * 1024 * 1024

// forbiddenKeys blocks prototype-pollution-style field names from ever
// entering a document's payload (spec §7, §9).
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Revision is the "<sequence>-<hash>" causal revision marker (spec §3).
// Sequence strictly increases per document id.
type Revision struct {
	Sequence uint64
	Hash     string
}

// String renders the canonical "<sequence>-<hash>" form.
func (r Revision) String() string {
	return fmt.Sprintf("%d-%s", r.Sequence, r.Hash)
}

// IsZero reports whether r is the unset revision.
func (r Revision) IsZero() bool {
	return r.Sequence == 0 && r.Hash == ""
}

// ParseRevision parses the "<sequence>-<hash>" wire form produced by String.
func ParseRevision(s string) (Revision, error) {
	idx := strings.IndexByte(s, '-')
	if idx < 0 {
		return Revision{}, errors.Errorf("document: malformed revision %q", s)
	}
	seq, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return Revision{}, errors.Wrapf(err, "document: malformed revision sequence in %q", s)
	}
	return Revision{Sequence: seq, Hash: s[idx+1:]}, nil
}

// Document is an immutable record identified by ID. A tombstone
// (Deleted == true) carries only ID, Rev, UpdatedAt and VClock; Fields
// is nil.
type Document struct {
	ID        string
	Rev       Revision
	UpdatedAt int64 // epoch milliseconds
	Deleted   bool
	VClock    vclock.Clock
	Fields    map[string]interface{}
}

// Get resolves a dot-path field (spec §4.1) against the document's
// payload, returning (value, true) or (nil, false) if any intermediate
// segment is missing or the path touches a forbidden key.
func (d *Document) Get(path string) (interface{}, bool) {
	if d == nil || d.Fields == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur interface{} = d.Fields
	for _, seg := range segments {
		if _, blocked := forbiddenKeys[seg]; blocked {
			return nil, false
		}
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Clone returns a deep copy so callers (store adapters, materialized-view
// projection) never alias a caller-owned document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		ID:        d.ID,
		Rev:       d.Rev,
		UpdatedAt: d.UpdatedAt,
		Deleted:   d.Deleted,
		VClock:    d.VClock.Clone(),
	}
	if d.Fields != nil {
		out.Fields = deepCopyMap(d.Fields)
	}
	return out
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Validate enforces the document invariants from spec §3/§7: non-empty
// id within MaxIDBytes and free of null bytes, total size within
// MaxDocumentBytes, and no forbidden top-level keys in Fields.
func Validate(d *Document) error {
	if d == nil {
		return errors.Wrap(reerror.ErrValidation, "document: nil document")
	}
	if d.ID == "" {
		return errors.Wrap(reerror.ErrValidation, "document: _id must not be empty")
	}
	if len(d.ID) > MaxIDBytes {
		return errors.Wrapf(reerror.ErrValidation, "document: _id exceeds %d bytes", MaxIDBytes)
	}
	if strings.IndexByte(d.ID, 0) >= 0 {
		return errors.Wrap(reerror.ErrValidation, "document: _id must not contain a null byte")
	}
	for key := range d.Fields {
		if _, blocked := forbiddenKeys[key]; blocked {
			return errors.Wrapf(reerror.ErrValidation, "document: forbidden key %q", key)
		}
	}
	if size := approximateSize(d); size > MaxDocumentBytes {
		return errors.Wrapf(reerror.ErrValidation, "document: size %d exceeds %d bytes", size, MaxDocumentBytes)
	}
	return nil
}

// approximateSize is a cheap, allocation-light estimate of the encoded
// size of a document (not an exact bound: numbers, bools and other
// non-string, non-nil scalars count as a flat 16 bytes and strings are
// not measured escaped), good enough for the
// §7 size guard without paying for a full JSON marshal on every write.
func approximateSize(d *Document) int {
	size := len(d.ID) + len(d.Rev.Hash) + 32
	size += sizeOfValue(d.Fields)
	return size
}

func sizeOfValue(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 4
	case string:
		return len(t) + 2
	case map[string]interface{}:
		n := 2
		for k, val := range t {
			n += len(k) + 3 + sizeOfValue(val)
		}
		return n
	case []interface{}:
		n := 2
		for _, val := range t {
			n += sizeOfValue(val) + 1
		}
		return n
	default:
		return 16
	}
}

// MakeTombstone returns the tombstone form of a delete: only causal
// metadata survives. The vector clock is carried over only if the
// pre-delete document already had one (spec §9 open question, decided
// as-specified: a delete never establishes a fresh clock for the
// tombstone).
func MakeTombstone(id string, rev Revision, updatedAt int64, priorClock vclock.Clock) *Document {
	return &Document{
		ID:        id,
		Rev:       rev,
		UpdatedAt: updatedAt,
		Deleted:   true,
		VClock:    priorClock.Clone(),
	}
}
