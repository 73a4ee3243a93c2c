// Package gc implements the garbage collector / compactor described in
// spec.md §4.6: soft per-class compaction, and an optional maximal mode
// that also deduplicates byte-identical payloads across both rings.
package gc

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"ringboard/internal/bucket"
	"ringboard/internal/entry"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

// Rings bundles the two ring files GC scans and rewrites.
type Rings [2]*ring.File

// loc identifies one ring slot referencing an allocator region.
type loc struct {
	kind ringid.Kind
	idx  uint32
}

// refEntry tracks every ring slot currently pointing at one allocator
// region, plus the mime string that region's entries carry (all locs for
// one ref necessarily agree, since Swap/MoveToFront only ever copy a whole
// ring.Slot, never resynthesize one with a different mime).
type refEntry struct {
	mime string
	locs []loc
}

// Run performs one GarbageCollect pass (spec.md §4.6). maxWasted==0
// requests maximal mode: compact every class regardless of its free
// fraction, and (if dedup is enabled) merge byte-identical payloads first.
// It returns the number of bytes file sizes shrank by.
func Run(alloc *bucket.Allocator, rings Rings, mimes *entry.MimeTable, maxWasted uint64, dedup bool) (uint64, error) {
	maximal := maxWasted == 0
	ringTable = rings

	refs := buildRefIndex(rings, mimes)

	if maximal && dedup {
		if err := dedupe(alloc, mimes, refs); err != nil {
			return 0, fmt.Errorf("gc: dedup pass: %w", err)
		}
	}

	var freed uint64
	for k := 0; k < bucket.NumClasses; k++ {
		stats := alloc.ClassStats(k)
		wasted := uint64(stats.FreeCount) * uint64(stats.RecordSize)
		if !maximal && wasted <= maxWasted {
			continue
		}
		n, err := compactClass(alloc, mimes, refs, k)
		if err != nil {
			return freed, fmt.Errorf("gc: compact class %d: %w", k, err)
		}
		freed += n
	}
	return freed, nil
}

// buildRefIndex scans both rings, mapping every live allocator ref to the
// ring slots that currently reference it.
func buildRefIndex(rings Rings, mimes *entry.MimeTable) map[bucket.Ref]*refEntry {
	refs := make(map[bucket.Ref]*refEntry)
	scan := func(kind ringid.Kind, rf *ring.File) {
		rf.Range(func(i uint32, sl ring.Slot) {
			e, ok := entry.FromSlot(mimes, sl)
			if !ok {
				return
			}
			r := refs[e.AllocatorRef]
			if r == nil {
				r = &refEntry{mime: e.Mime}
				refs[e.AllocatorRef] = r
			}
			r.locs = append(r.locs, loc{kind: kind, idx: i})
		})
	}
	scan(ringid.Main, rings[ringid.Main])
	scan(ringid.Favorites, rings[ringid.Favorites])
	return refs
}

// dedupe hashes every live payload with xxhash, confirms collisions with a
// full byte comparison, and redirects duplicate ring slots onto the first
// allocator ref seen for that content, freeing the now-unreferenced
// duplicate (spec.md §4.6 "Maximal").
func dedupe(alloc *bucket.Allocator, mimes *entry.MimeTable, refs map[bucket.Ref]*refEntry) error {
	type seen struct {
		ref     bucket.Ref
		payload []byte
	}
	byHash := make(map[uint64][]seen)

	// Iteration order over a map is unspecified; any stable choice of
	// "first seen" for a given hash bucket is an acceptable dedup target.
	for ref, e := range refs {
		payload, err := alloc.Read(ref)
		if err != nil {
			return fmt.Errorf("read ref %+v: %w", ref, err)
		}
		h := xxhash.Sum64(payload)

		canonical := ref
		duplicate := false
		for _, s := range byHash[h] {
			if bytes.Equal(s.payload, payload) {
				canonical = s.ref
				duplicate = true
				break
			}
		}
		if !duplicate {
			byHash[h] = append(byHash[h], seen{ref: ref, payload: payload})
			continue
		}

		canonicalEntry := refs[canonical]
		newSlot := entry.ToSlot(mimes, entry.Ref{Mime: canonicalEntry.mime, AllocatorRef: canonical})
		for _, l := range e.locs {
			writeLoc(l, newSlot)
		}
		canonicalEntry.locs = append(canonicalEntry.locs, e.locs...)

		mimes.Delete(ref)
		alloc.Free(ref)
		delete(refs, ref)
	}
	return nil
}

// ringTable holds the two rings for the duration of one Run, so compactClass
// and dedupe can rewrite a slot given only its (kind, index) locator without
// threading the ring set through every helper. GC never runs concurrently
// with itself (spec.md §5: single-threaded server), so this is safe.
var ringTable Rings

func writeLoc(l loc, s ring.Slot) { ringTable[l.kind].WriteSlot(l.idx, s) }

func compactClass(alloc *bucket.Allocator, mimes *entry.MimeTable, refs map[bucket.Ref]*refEntry, k int) (uint64, error) {
	live := alloc.LiveIndices(k)
	var next uint32
	for _, oldIdx := range live {
		newIdx := next
		next++
		if newIdx == oldIdx {
			continue
		}

		oldRef := bucket.Ref{Kind: bucket.RefBucketed, Class: k, Index: oldIdx}
		newRef := bucket.Ref{Kind: bucket.RefBucketed, Class: k, Index: newIdx}

		alloc.MarkLive(newRef)
		alloc.Relocate(k, oldIdx, newIdx)
		if err := alloc.Free(oldRef); err != nil {
			return 0, err
		}

		e, ok := refs[oldRef]
		if !ok {
			// Nothing in either ring points at this record; it was already
			// freed logically but the bitmap hadn't caught up. Nothing to
			// rewrite.
			continue
		}
		newSlot := entry.ToSlot(mimes, entry.Ref{Mime: e.mime, AllocatorRef: newRef})
		for _, l := range e.locs {
			writeLoc(l, newSlot)
		}
		mimes.Delete(oldRef)
		delete(refs, oldRef)
		refs[newRef] = e
	}

	return alloc.ShrinkClass(k, next)
}
