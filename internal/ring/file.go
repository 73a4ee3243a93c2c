// Package ring implements the fixed-record, memory-mapped circular index
// described in spec.md §4.1. Each ring (Main, Favorites) is backed by one
// file: a small fixed header followed by `capacity` 4-byte slots.
//
// The mmap plumbing follows the shape of pault.ag/go/go-diskring (our
// teacher): a single shared mapping, raw offset arithmetic, and explicit
// mmap/munmap via golang.org/x/sys/unix rather than the standard library's
// higher-level mmap wrappers (there isn't one in the stdlib; x/sys/unix is
// the idiom the rest of the retrieval pack reaches for too).
package ring

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"ringboard/internal/rberrors"
)

const (
	magic      uint32 = 0x52424b32 // "RBK2"
	headerSize        = 16         // magic(4) version(4) capacity(4) head(4)
	slotSize          = 4
)

// File is one ring's on-disk, memory-mapped state.
type File struct {
	f        *os.File
	data     []byte // mmap'd region: header + capacity*4 bytes
	capacity uint32
}

// Open opens (creating if absent) the ring file at path with the given
// capacity, which must be a power of two (spec.md §3). If the file already
// exists its persisted capacity must match.
func Open(path string, capacity uint32) (*File, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}

	size := int64(headerSize) + int64(capacity)*slotSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ring: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: stat %s: %w", path, err)
	}

	fresh := st.Size() == 0
	if fresh {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("ring: truncate %s: %w", path, err)
		}
	} else if st.Size() != size {
		f.Close()
		return nil, fmt.Errorf("ring: %w: %s is %d bytes, expected %d for capacity %d", rberrors.ErrCorrupt, path, st.Size(), size, capacity)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: mmap %s: %w", path, err)
	}

	rf := &File{f: f, data: data, capacity: capacity}

	if fresh {
		binary.LittleEndian.PutUint32(rf.data[0:4], magic)
		binary.LittleEndian.PutUint32(rf.data[4:8], 1)
		binary.LittleEndian.PutUint32(rf.data[8:12], capacity)
		binary.LittleEndian.PutUint32(rf.data[12:16], 0)
	} else {
		gotMagic := binary.LittleEndian.Uint32(rf.data[0:4])
		gotCap := binary.LittleEndian.Uint32(rf.data[8:12])
		if gotMagic != magic || gotCap != capacity {
			rf.Close()
			return nil, fmt.Errorf("ring: %w: %s header mismatch (magic=%x cap=%d)", rberrors.ErrCorrupt, path, gotMagic, gotCap)
		}
	}

	return rf, nil
}

// Capacity returns the ring's fixed slot count.
func (rf *File) Capacity() uint32 { return rf.capacity }

func (rf *File) headPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&rf.data[12]))
}

// Head returns the current write head, always < Capacity().
func (rf *File) Head() uint32 {
	return atomic.LoadUint32(rf.headPtr())
}

// SetHead atomically publishes a new head value. This is the single
// 4-byte-aligned store that makes advancement visible to readers; callers
// must have already made the corresponding slot write visible (write the
// slot, then call SetHead — never the reverse).
func (rf *File) SetHead(i uint32) {
	atomic.StoreUint32(rf.headPtr(), i%rf.capacity)
}

func (rf *File) slotPtr(i uint32) *uint32 {
	off := headerSize + int(i)*slotSize
	return (*uint32)(unsafe.Pointer(&rf.data[off]))
}

// ReadSlot reads slot i. Any reserved/unrecognized tag bits decode to
// Uninit (torn-write tolerance, spec.md §4.1/§9).
func (rf *File) ReadSlot(i uint32) Slot {
	raw := atomic.LoadUint32(rf.slotPtr(i % rf.capacity))
	return Decode(raw)
}

// WriteSlot writes slot i. This is a single aligned 4-byte store, so a
// concurrent reader mapping the file read-only never observes a torn
// mid-word value.
func (rf *File) WriteSlot(i uint32, s Slot) {
	atomic.StoreUint32(rf.slotPtr(i%rf.capacity), s.Encode())
}

// Sync flushes the mapping to disk. The hot path never calls this; it's
// used at shutdown and after a GarbageCollect pass (spec.md §9, Open
// Question resolution in SPEC_FULL.md).
func (rf *File) Sync() error {
	return unix.Msync(rf.data, unix.MS_SYNC)
}

// Close unmaps the ring and closes the backing file.
func (rf *File) Close() error {
	err := unix.Munmap(rf.data)
	if cerr := rf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Range calls fn for every slot index in [0, capacity). Used by recovery
// and the reader SDK-equivalent test helpers to scan all live slots.
func (rf *File) Range(fn func(i uint32, s Slot)) {
	for i := uint32(0); i < rf.capacity; i++ {
		fn(i, rf.ReadSlot(i))
	}
}
