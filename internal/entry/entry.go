// Package entry is the logical view of a clipboard entry: an id, its ring
// and allocator coordinates, and its mime type (spec.md §3 "Entry model").
// It holds the conversions between the compact on-disk ring.Slot and the
// allocator's bucket.Ref, plus the out-of-line mime table for mime strings
// that don't fit the inline 2-bit code.
package entry

import (
	"fmt"
	"sync"

	"ringboard/internal/bucket"
	"ringboard/internal/ring"
)

// MaxMimeLen is the maximum accepted mime type length (spec.md §6).
const MaxMimeLen = 16

// Ref is the logical form of a populated slot: its mime string and the
// allocator Ref holding its payload (spec.md §3 invariant 1/3).
type Ref struct {
	Mime        string
	AllocatorRef bucket.Ref
}

// ToSlot converts a Ref into its on-disk ring.Slot encoding, consulting the
// mime table for mime strings that don't fit the inline code.
func ToSlot(mimeTable *MimeTable, r Ref) ring.Slot {
	code := ring.CodeForMime(r.Mime)
	if code == ring.MimeOverflow {
		mimeTable.Put(r.AllocatorRef, r.Mime)
	}
	switch r.AllocatorRef.Kind {
	case bucket.RefDirect:
		return ring.Large(code, r.AllocatorRef.Index)
	default:
		return ring.Bucketed(code, uint8(r.AllocatorRef.Class), r.AllocatorRef.Index)
	}
}

// FromSlot converts a decoded ring.Slot back into a Ref, looking the mime string up out-of-line when necessary. Returns
// ok=false for an Uninit slot.
func FromSlot(mimeTable *MimeTable, s ring.Slot) (Ref, bool) {
	var ref bucket.Ref
	switch s.Tag {
	case ring.TagBucketed:
		ref = bucket.Ref{Kind: bucket.RefBucketed, Class: int(s.SizeClass), Index: s.BucketIndex}
	case ring.TagLarge:
		ref = bucket.Ref{Kind: bucket.RefDirect, Index: s.DirectIndex}
	default:
		return Ref{}, false
	}

	mime := ring.WellKnown[s.Mime]
	if s.Mime == ring.MimeOverflow {
		mime = mimeTable.Get(ref)
	}
	return Ref{Mime: mime, AllocatorRef: ref}, true
}

// ValidateMime checks the length constraint from spec.md §6/§7.
func ValidateMime(mime string) error {
	if len(mime) == 0 || len(mime) > MaxMimeLen {
		return fmt.Errorf("entry: mime %q: length must be 1..%d bytes", mime, MaxMimeLen)
	}
	return nil
}

// refKey identifies an allocator ref for the overflow mime table.
type refKey struct {
	kind  bucket.RefKind
	class int
	index uint32
}

// MimeTable is the out-of-line mime string store for entries whose mime
// type doesn't fit the ring slot's 2-bit inline code (spec.md §6).
type MimeTable struct {
	mu sync.Mutex
	m  map[refKey]string
}

// NewMimeTable returns an empty out-of-line mime table.
func NewMimeTable() *MimeTable {
	return &MimeTable{m: make(map[refKey]string)}
}

func key(ref bucket.Ref) refKey {
	return refKey{kind: ref.Kind, class: ref.Class, index: ref.Index}
}

// Put records mime for ref, overwriting any previous entry (ref reuse after
// a free is expected).
func (t *MimeTable) Put(ref bucket.Ref, mime string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key(ref)] = mime
}

// Get returns the mime string for ref, or "" if absent.
func (t *MimeTable) Get(ref bucket.Ref) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[key(ref)]
}

// Delete removes ref's out-of-line mime entry, called when the slot it
// named is freed.
func (t *MimeTable) Delete(ref bucket.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key(ref))
}
