package server

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"

	"ringboard/internal/entry"
	"ringboard/internal/rberrors"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

// Add implements spec.md §4.4 Add: allocate a region sized to payload's
// length, ingest the bytes, overwrite the target ring's head slot (freeing
// whatever it held), advance head. The caller owns payload and closes it.
func (s *Store) Add(ringByte byte, mime string, payload *os.File) (ringid.ID, error) {
	rf, err := s.ringFor(ringid.Kind(ringByte))
	if err != nil {
		return 0, err
	}
	if err := entry.ValidateMime(mime); err != nil {
		return 0, fmt.Errorf("%w: %v", rberrors.ErrInvalidArgument, err)
	}

	st, err := payload.Stat()
	if err != nil {
		return 0, fmt.Errorf("server: fstat payload fd: %w", err)
	}
	size := st.Size()
	if size == 0 {
		return 0, rberrors.ErrEmptyInput
	}

	allocRef, err := s.alloc.Alloc(int(size))
	if err != nil {
		return 0, err
	}
	if err := s.alloc.Write(allocRef, payload, size); err != nil {
		s.alloc.Free(allocRef)
		return 0, fmt.Errorf("server: ingest payload: %w", err)
	}

	newSlot := entry.ToSlot(s.mimes, entry.Ref{Mime: mime, AllocatorRef: allocRef})
	head := rf.Head()
	if err := s.displaceHead(rf, head); err != nil {
		return 0, err
	}
	rf.WriteSlot(head, newSlot)
	rf.SetHead(head + 1)

	kind := ringid.Kind(ringByte)
	return ringid.Pack(kind, s.bumpGeneration(kind, head), uint64(head)), nil
}

// displaceHead frees whatever allocator region the ring's current head slot
// references, so the caller can safely overwrite it (spec.md §4.4 "the
// displaced slot's allocator ref is freed before the new one is written;
// there is never a moment where two slots reference the same allocator
// slot").
func (s *Store) displaceHead(rf *ring.File, head uint32) error {
	displaced := rf.ReadSlot(head)
	return s.freeSlot(displaced)
}

// resolve decodes an id into its ring and validates the slot is in range,
// returning IdNotFound for an out-of-range slot (spec.md §7 "IdNotFound ...
// id is out of range for its ring").
func (s *Store) resolve(id ringid.ID) (*ring.File, uint32, error) {
	rf, err := s.ringFor(id.Kind())
	if err != nil {
		return nil, 0, err
	}
	slot := id.Slot()
	if slot >= uint64(rf.Capacity()) {
		return nil, 0, fmt.Errorf("server: %w: slot %d", rberrors.ErrIdNotFound, slot)
	}
	return rf, uint32(slot), nil
}

// MoveToFront implements spec.md §4.4 MoveToFront.
func (s *Store) MoveToFront(rawID uint64, hasTarget bool, targetRingByte byte) (ringid.ID, error) {
	id := ringid.ID(rawID)
	srcRing, srcSlot, err := s.resolve(id)
	if err != nil {
		return 0, err
	}

	cur := srcRing.ReadSlot(srcSlot)
	if cur.Tag == ring.TagUninit {
		return 0, fmt.Errorf("server: %w", rberrors.ErrIdNotFound)
	}

	targetKind := id.Kind()
	if hasTarget {
		targetKind = ringid.Kind(targetRingByte)
	}
	dstRing, err := s.ringFor(targetKind)
	if err != nil {
		return 0, err
	}

	front := (dstRing.Head() + dstRing.Capacity() - 1) % dstRing.Capacity()
	if targetKind == id.Kind() && srcSlot == front {
		return id, nil // already at the front of its ring: no-op
	}

	head := dstRing.Head()
	if targetKind == id.Kind() && srcSlot == head {
		// The entry already sits at the slot head would otherwise displace
		// (the oldest entry in a fully wrapped ring). displaceHead would read
		// cur right back out of that same slot and free it out from under us,
		// and writing cur to head followed by clearing srcSlot would then
		// clobber the very slot we just wrote, since they're one and the
		// same. Moving it to front here means only advancing head past it —
		// its contents and allocator ref never move.
		dstRing.SetHead(head + 1)
		return ringid.Pack(targetKind, id.Generation(), uint64(head)), nil
	}
	if err := s.displaceHead(dstRing, head); err != nil {
		return 0, err
	}
	dstRing.WriteSlot(head, cur)
	srcRing.WriteSlot(srcSlot, ring.Uninit())
	dstRing.SetHead(head + 1)

	return ringid.Pack(targetKind, s.bumpGeneration(targetKind, head), uint64(head)), nil
}

// Swap implements spec.md §4.4 Swap: exchange the raw ring slots the two
// ids name, regardless of whether either is Uninit ("insert-via-swap
// idiom") — an id here is treated purely as a (ring, slot) address, not a
// claim about its current content.
func (s *Store) Swap(rawID1, rawID2 uint64) error {
	r1, slot1, err := s.resolve(ringid.ID(rawID1))
	if err != nil {
		return err
	}
	r2, slot2, err := s.resolve(ringid.ID(rawID2))
	if err != nil {
		return err
	}

	v1 := r1.ReadSlot(slot1)
	v2 := r2.ReadSlot(slot2)
	r1.WriteSlot(slot1, v2)
	r2.WriteSlot(slot2, v1)
	return nil
}

// Remove implements spec.md §4.4 Remove: free the allocator slot (if any)
// and mark the ring slot Uninit; head does not move. Idempotent.
func (s *Store) Remove(rawID uint64) error {
	rf, slot, err := s.resolve(ringid.ID(rawID))
	if err != nil {
		return err
	}
	cur := rf.ReadSlot(slot)
	if err := s.freeSlot(cur); err != nil {
		return err
	}
	rf.WriteSlot(slot, ring.Uninit())
	return nil
}

// ReloadSettings implements spec.md §4.4 ReloadSettings: re-reads on-disk
// config without touching ring/allocator state, and applies the new log
// level immediately (spec.md §9 watchers collaborate through the config
// file; the server's own verbosity is the one piece of config it acts on
// itself).
func (s *Store) ReloadSettings(level AtomicLevel) error {
	next, err := s.cfg.Reload()
	if err != nil {
		return fmt.Errorf("server: reload settings: %w", err)
	}
	level.SetLevel(next.Logging.Level)
	return nil
}

// AtomicLevel is the subset of zap.AtomicLevel ReloadSettings needs,
// kept narrow so this package doesn't otherwise depend on zapcore types.
type AtomicLevel interface {
	SetLevel(zapcore.Level)
}
