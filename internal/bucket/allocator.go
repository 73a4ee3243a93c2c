// Package bucket implements the allocator described in spec.md §4.2:
// eleven size-classed append-only data files, an unbounded "direct" file
// for oversized payloads, and the free-slot bitmaps and length tables that
// back them.
package bucket

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"ringboard/internal/layout"
	"ringboard/internal/rberrors"
)

// RefKind distinguishes a bucketed allocation from a direct-file one.
type RefKind uint8

const (
	RefBucketed RefKind = iota
	RefDirect
)

// Ref identifies one allocated payload region, mirroring the reference a
// ring.Slot carries (spec.md §3 "Allocator ref").
type Ref struct {
	Kind  RefKind
	Class int    // valid when Kind == RefBucketed, 0..10
	Index uint32 // bucket record index, or direct file index
}

// Allocator owns every size class plus the direct file store.
type Allocator struct {
	dir     layout.Dir
	classes [NumClasses]*class
	direct  *directStore
}

// Open opens (creating as needed) all size classes and the direct store
// beneath dir.
func Open(dir layout.Dir) (*Allocator, error) {
	if err := os.MkdirAll(dir.BucketDir(), 0o755); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}

	a := &Allocator{dir: dir}
	for k := 0; k < NumClasses; k++ {
		c, err := openClass(k, dir.BucketData(k), dir.BucketFree(k), dir.BucketLen(k))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.classes[k] = c
	}

	direct, err := openDirectStore(dir.DirectDir())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.direct = direct

	return a, nil
}

// classFor returns the smallest class whose record size fits size, or -1 if
// size exceeds the largest bucket (caller should use the direct file).
func classFor(size int) int {
	for k := 0; k < NumClasses; k++ {
		if size <= int(ClassSize(k)) {
			return k
		}
	}
	return -1
}

// Alloc reserves space for a size-byte payload, choosing the smallest
// bucket class that fits it, or the direct file if it exceeds the largest
// class (spec.md §4.2).
func (a *Allocator) Alloc(size int) (Ref, error) {
	if k := classFor(size); k >= 0 {
		idx, err := a.classes[k].alloc()
		if err != nil {
			return Ref{}, err
		}
		return Ref{Kind: RefBucketed, Class: k, Index: idx}, nil
	}
	idx, f, err := a.direct.create()
	if err != nil {
		return Ref{}, err
	}
	f.Close()
	return Ref{Kind: RefDirect, Index: uint32(idx)}, nil
}

// Free releases the region referenced by ref (spec.md §4.2).
func (a *Allocator) Free(ref Ref) error {
	switch ref.Kind {
	case RefBucketed:
		a.classes[ref.Class].free_(ref.Index)
		return nil
	default:
		return a.direct.free(uint64(ref.Index))
	}
}

// Read returns the live bytes for ref. For bucketed entries this is a
// zero-copy slice of the mmap'd class file; for direct entries it reads
// the whole backing file (spec.md §4.2 "read(ref, out)").
func (a *Allocator) Read(ref Ref) ([]byte, error) {
	switch ref.Kind {
	case RefBucketed:
		return a.classes[ref.Class].read(ref.Index), nil
	default:
		f, err := a.direct.open(uint64(ref.Index))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
}

// Write ingests length bytes from src into the region referenced by ref.
// Bucketed writes read the payload into a buffer and copy it into the
// mmap'd record, recording its length in the class's length table; direct
// writes copy into the target file with copy_file_range (see spliceAll).
// The bucketed path does not use copy_file_range or splice.
func (a *Allocator) Write(ref Ref, src *os.File, length int64) error {
	switch ref.Kind {
	case RefBucketed:
		buf := make([]byte, length)
		if _, err := io.ReadFull(src, buf); err != nil {
			return fmt.Errorf("bucket: read payload fd: %w", err)
		}
		return a.classes[ref.Class].writeBytes(ref.Index, buf)
	default:
		dst, err := os.OpenFile(a.direct.path(uint64(ref.Index)), os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		defer dst.Close()
		return spliceAll(dst, src, length)
	}
}

// spliceAll copies length bytes from src to dst using copy_file_range when
// both are regular files, falling back to io.CopyN otherwise.
func spliceAll(dst, src *os.File, length int64) error {
	remaining := length
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), nil, int(dst.Fd()), nil, int(remaining), 0)
		if err != nil {
			_, cerr := io.CopyN(dst, src, remaining)
			return cerr
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	return nil
}

// Close persists every class's bitmap/length table and unmaps all files.
func (a *Allocator) Close() error {
	var first error
	for _, c := range a.classes {
		if c == nil {
			continue
		}
		if err := c.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Sync flushes all mmap'd class data to disk.
func (a *Allocator) Sync() error {
	for _, c := range a.classes {
		if err := c.sync(); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes every class's bitmap and length table to disk without
// unmapping (spec.md §4.2 "persisted periodically").
func (a *Allocator) Persist() error {
	for _, c := range a.classes {
		if err := c.persist(); err != nil {
			return err
		}
	}
	return nil
}

// --- recovery and GC support -------------------------------------------------

// BeginRecovery resets every class's free bitmap to "entirely free".
// Callers then mark each slot actually referenced by a live ring entry via
// MarkLive, and finish with FinishRecovery (spec.md §3 invariant 5): the
// persisted bitmap is discarded and rebuilt purely from what the rings
// reference, so a torn write can never leave a stale "used" bit behind.
func (a *Allocator) BeginRecovery() {
	for _, c := range a.classes {
		c.free = NewBitmap(c.numRecords)
	}
}

// MarkLive marks ref as in-use during recovery.
func (a *Allocator) MarkLive(ref Ref) {
	if ref.Kind == RefBucketed {
		a.classes[ref.Class].free.MarkUsed(ref.Index)
	}
}

// FinishRecovery persists the bitmaps rebuilt by BeginRecovery/MarkLive.
func (a *Allocator) FinishRecovery() error {
	return a.Persist()
}

// DirectLiveIndices lists every direct-file index present on disk.
func (a *Allocator) DirectLiveIndices() ([]uint64, error) {
	return a.direct.liveIndices()
}

// FreeOrphanDirect removes a direct file with no referencing ring slot,
// the cleanup described in SPEC_FULL.md §4 "Supplemented features".
func (a *Allocator) FreeOrphanDirect(idx uint64) error {
	return a.direct.free(idx)
}

// ClassStats reports the free record count and class geometry for class k,
// used by GarbageCollect to decide which classes need compaction.
type ClassStats struct {
	RecordSize uint32
	NumRecords uint32
	FreeCount  uint32
}

func (a *Allocator) ClassStats(k int) ClassStats {
	c := a.classes[k]
	return ClassStats{RecordSize: c.recordSize, NumRecords: c.numRecords, FreeCount: c.free.Count()}
}

// LiveIndices returns every in-use record index in class k, ascending.
func (a *Allocator) LiveIndices(k int) []uint32 {
	c := a.classes[k]
	out := make([]uint32, 0, c.numRecords-c.free.Count())
	for i := uint32(0); i < c.numRecords; i++ {
		if !c.free.IsFree(i) {
			out = append(out, i)
		}
	}
	return out
}

// Relocate copies the record at oldIdx in class k to newIdx (newIdx must
// already be marked used by the caller) and clears oldIdx's length. It does
// not mark oldIdx free in the bitmap; the caller frees it. Used by the
// compactor to pack live records into low indices (spec.md §4.6).
func (a *Allocator) Relocate(k int, oldIdx, newIdx uint32) {
	c := a.classes[k]
	if oldIdx == newIdx {
		return
	}
	n := c.lengths.get(oldIdx)
	oldOff, newOff := c.recordOffset(oldIdx), c.recordOffset(newIdx)
	copy(c.data[newOff:newOff+int64(c.recordSize)], c.data[oldOff:oldOff+int64(c.recordSize)])
	c.lengths.set(newIdx, n)
	c.lengths.set(oldIdx, 0)
}

// ShrinkClass truncates class k down to newNumRecords, which must be greater
// than every live index still in use, returning the number of bytes reclaimed.
func (a *Allocator) ShrinkClass(k int, newNumRecords uint32) (int64, error) {
	c := a.classes[k]
	if newNumRecords >= c.numRecords {
		return 0, nil
	}
	freedBytes := int64(c.numRecords-newNumRecords) * int64(c.recordSize)

	if err := unix.Munmap(c.data); err != nil {
		return 0, err
	}
	if err := c.f.Truncate(int64(newNumRecords) * int64(c.recordSize)); err != nil {
		return 0, fmt.Errorf("bucket: %w: class %d shrink: %v", rberrors.ErrOutOfSpace, k, err)
	}
	data, err := mmapFile(c.f, int64(newNumRecords)*int64(c.recordSize))
	if err != nil {
		return 0, err
	}
	c.data = data
	c.numRecords = newNumRecords

	shrunk := NewBitmap(newNumRecords)
	for i := uint32(0); i < newNumRecords; i++ {
		if c.free.IsFree(i) {
			shrunk.MarkFree(i)
		} else {
			shrunk.MarkUsed(i)
		}
	}
	c.free = shrunk
	c.lengths.lengths = c.lengths.lengths[:newNumRecords]

	return freedBytes, nil
}
