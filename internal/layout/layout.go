// Package layout names the on-disk files that make up a Ringboard data
// directory (spec.md §6).
package layout

import (
	"fmt"
	"path/filepath"
)

// CurrentVersion is the single protocol/layout version byte written to the
// version file and compared against every request's version byte.
const CurrentVersion byte = 1

// Dir describes the paths beneath a Ringboard data directory.
type Dir struct {
	Root string
}

// New returns a Dir rooted at root.
func New(root string) Dir {
	return Dir{Root: root}
}

// Lock is the empty file used for the advisory flock.
func (d Dir) Lock() string { return filepath.Join(d.Root, "lock") }

// Version is the one-byte protocol/layout version file.
func (d Dir) Version() string { return filepath.Join(d.Root, "version") }

// Socket is the well-known local stream socket path.
func (d Dir) Socket() string { return filepath.Join(d.Root, "server.sock") }

// Settings is the on-disk settings file reloaded by ReloadSettings.
func (d Dir) Settings() string { return filepath.Join(d.Root, "settings.yaml") }

// RingFile returns the backing file path for the given ring kind.
func (d Dir) RingFile(name string) string {
	return filepath.Join(d.Root, name+".ring")
}

// BucketDir is the directory holding size-classed data and free-bitmap files.
func (d Dir) BucketDir() string { return filepath.Join(d.Root, "buckets") }

// BucketData returns the fixed-record data file for size class k.
func (d Dir) BucketData(k int) string {
	return filepath.Join(d.BucketDir(), fmt.Sprintf("%d.bin", k))
}

// BucketFree returns the free-slot bitmap file for size class k.
func (d Dir) BucketFree(k int) string {
	return filepath.Join(d.BucketDir(), fmt.Sprintf("%d.free", k))
}

// BucketLen returns the persisted length table for size class k, one
// varint-free fixed uint16 per record giving the live payload length.
func (d Dir) BucketLen(k int) string {
	return filepath.Join(d.BucketDir(), fmt.Sprintf("%d.len", k))
}

// DirectDir holds one file per large ("direct") entry.
func (d Dir) DirectDir() string { return filepath.Join(d.Root, "direct") }

// DirectFile returns the path for direct-file index idx.
func (d Dir) DirectFile(idx uint64) string {
	return filepath.Join(d.DirectDir(), fmt.Sprintf("%d", idx))
}
