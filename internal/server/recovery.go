package server

import (
	"fmt"

	"ringboard/internal/bucket"
	"ringboard/internal/entry"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

// Recover rebuilds the allocator's free bitmaps authoritatively from a scan
// of both rings' live slots (spec.md §3 invariant 5: "any torn write is
// reconciled ... by rebuilding the free bitmap by scanning live slots"),
// then reconciles direct-file orphans: a direct file with no referencing
// ring slot, left behind by a crash between allocation and the ring write
// that would have published it (SPEC_FULL.md §4 "Supplemented features").
func Recover(s *Store) error {
	s.alloc.BeginRecovery()

	liveDirect := make(map[uint64]struct{})

	scan := func(kind ringid.Kind, rf *ring.File) {
		rf.Range(func(i uint32, sl ring.Slot) {
			ref, ok := entry.FromSlot(s.mimes, sl)
			if !ok {
				return
			}
			s.alloc.MarkLive(ref.AllocatorRef)
			if ref.AllocatorRef.Kind == bucket.RefDirect {
				liveDirect[uint64(ref.AllocatorRef.Index)] = struct{}{}
			}
		})
	}
	scan(ringid.Main, s.rings[ringid.Main])
	scan(ringid.Favorites, s.rings[ringid.Favorites])

	if err := s.alloc.FinishRecovery(); err != nil {
		return fmt.Errorf("server: recovery: persist bitmaps: %w", err)
	}

	onDisk, err := s.alloc.DirectLiveIndices()
	if err != nil {
		return fmt.Errorf("server: recovery: list direct files: %w", err)
	}
	for _, idx := range onDisk {
		if _, ok := liveDirect[idx]; ok {
			continue
		}
		if err := s.alloc.FreeOrphanDirect(idx); err != nil {
			s.log.Warnw("failed to remove orphaned direct file", "index", idx, "error", err)
		}
	}

	return nil
}
