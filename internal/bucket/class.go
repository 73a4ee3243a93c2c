package bucket

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"ringboard/internal/rberrors"
)

// MinBucketBits is MIN_BUCKET_BITS from spec.md §3: the smallest bucket
// holds 1<<MinBucketBits bytes.
const MinBucketBits = 2 // smallest class: 4 bytes

// NumClasses is the number of size classes, spec.md §3: "Eleven size
// classes".
const NumClasses = 11

// initialRecords is the number of records a freshly created class file
// starts with; it doubles on exhaustion.
const initialRecords = 64

// ClassSize returns the payload size, in bytes, of size class k (0..10).
func ClassSize(k int) uint32 {
	return uint32(1) << (k + MinBucketBits)
}

// class is one size-classed, append-allocated data file plus its free
// bitmap and length table (spec.md §4.2).
type class struct {
	k          int
	recordSize uint32

	dataPath, freePath string

	f          *os.File
	data       []byte
	numRecords uint32

	free    *Bitmap
	lengths *lengthTable
}

func openClass(k int, dataPath, freePath, lenPath string) (*class, error) {
	size := ClassSize(k)

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bucket: open class %d data file: %w", k, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	numRecords := uint32(st.Size()) / size
	if numRecords == 0 {
		numRecords = initialRecords
		if err := f.Truncate(int64(numRecords) * int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("bucket: %w: class %d: %v", rberrors.ErrOutOfSpace, k, err)
		}
	}

	data, err := mmapFile(f, int64(numRecords)*int64(size))
	if err != nil {
		f.Close()
		return nil, err
	}

	var free *Bitmap
	if raw, err := os.ReadFile(freePath); err == nil {
		free = LoadBitmap(raw, numRecords)
	} else {
		free = NewBitmap(numRecords)
	}

	lengths, err := openLengthTable(lenPath, numRecords)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	return &class{
		k: k, recordSize: size,
		dataPath: dataPath, freePath: freePath,
		f: f, data: data, numRecords: numRecords,
		free: free, lengths: lengths,
	}, nil
}

func mmapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// grow doubles the class's record capacity.
func (c *class) grow() error {
	newCount := c.numRecords * 2
	if newCount == 0 {
		newCount = initialRecords
	}
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			return err
		}
	}
	if err := c.f.Truncate(int64(newCount) * int64(c.recordSize)); err != nil {
		return fmt.Errorf("bucket: %w: class %d grow: %v", rberrors.ErrOutOfSpace, c.k, err)
	}
	data, err := mmapFile(c.f, int64(newCount)*int64(c.recordSize))
	if err != nil {
		return err
	}
	c.data = data
	c.free.Grow(newCount)
	c.numRecords = newCount
	return nil
}

// alloc returns the lowest free record index, growing the file if full.
func (c *class) alloc() (uint32, error) {
	idx, ok := c.free.FirstFree()
	if !ok {
		if err := c.grow(); err != nil {
			return 0, err
		}
		idx, ok = c.free.FirstFree()
		if !ok {
			return 0, fmt.Errorf("bucket: %w: class %d still full after grow", rberrors.ErrOutOfSpace, c.k)
		}
	}
	c.free.MarkUsed(idx)
	return idx, nil
}

func (c *class) free_(idx uint32) {
	c.free.MarkFree(idx)
	c.lengths.set(idx, 0)
}

func (c *class) recordOffset(idx uint32) int64 {
	return int64(idx) * int64(c.recordSize)
}

func (c *class) read(idx uint32) []byte {
	n := c.lengths.get(idx)
	off := c.recordOffset(idx)
	return c.data[off : off+int64(n)]
}

func (c *class) writeBytes(idx uint32, payload []byte) error {
	if uint32(len(payload)) > c.recordSize {
		return fmt.Errorf("bucket: payload %d exceeds class %d record size %d", len(payload), c.k, c.recordSize)
	}
	off := c.recordOffset(idx)
	copy(c.data[off:off+int64(c.recordSize)], payload)
	c.lengths.set(idx, uint16(len(payload)))
	return nil
}

func (c *class) persist() error {
	if err := os.WriteFile(c.freePath, c.free.Bytes(), 0o644); err != nil {
		return err
	}
	return c.lengths.persist()
}

func (c *class) sync() error {
	if len(c.data) == 0 {
		return nil
	}
	return unix.Msync(c.data, unix.MS_SYNC)
}

func (c *class) close() error {
	if err := c.persist(); err != nil {
		return err
	}
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			return err
		}
	}
	return c.f.Close()
}
