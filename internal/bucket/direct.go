package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"ringboard/internal/rberrors"
)

// directStore manages the "direct" file per entry too large for any bucket
// class (spec.md §3 "Direct file"). Allocation increments a monotonic
// counter and creates the file; freeing unlinks it.
type directStore struct {
	dir     string
	counter uint64
}

func openDirectStore(dir string) (*directStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bucket: direct dir: %w", err)
	}
	ds := &directStore{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if n, err := strconv.ParseUint(e.Name(), 10, 64); err == nil && n >= ds.counter {
			ds.counter = n + 1
		}
	}
	return ds, nil
}

func (ds *directStore) path(idx uint64) string {
	return filepath.Join(ds.dir, strconv.FormatUint(idx, 10))
}

// create allocates the next direct index and opens its backing file for
// writing.
func (ds *directStore) create() (uint64, *os.File, error) {
	idx := ds.counter
	ds.counter++
	f, err := os.OpenFile(ds.path(idx), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("bucket: %w: direct create: %v", rberrors.ErrOutOfSpace, err)
	}
	return idx, f, nil
}

func (ds *directStore) open(idx uint64) (*os.File, error) {
	return os.OpenFile(ds.path(idx), os.O_RDONLY, 0)
}

func (ds *directStore) free(idx uint64) error {
	err := os.Remove(ds.path(idx))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// liveIndices lists every direct index currently present on disk, used by
// startup recovery to find orphaned files (SPEC_FULL.md §4).
func (ds *directStore) liveIndices() ([]uint64, error) {
	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if n, err := strconv.ParseUint(e.Name(), 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}
