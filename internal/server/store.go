// Package server implements the request handlers and per-connection state
// machine described in spec.md §4.4/§4.5: the single in-process mutator of
// ring and allocator state, driven entirely by the reactor's completions.
package server

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"ringboard/internal/bucket"
	"ringboard/internal/config"
	"ringboard/internal/entry"
	"ringboard/internal/layout"
	"ringboard/internal/rberrors"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

// Store owns every piece of mutable server state: both rings, the bucket
// allocator, and the out-of-line mime table. There is exactly one Store per
// running server, touched only from the reactor's single thread (spec.md §5
// "one process, one thread").
type Store struct {
	dir layout.Dir

	rings       [2]*ring.File // indexed by ringid.Kind
	alloc       *bucket.Allocator
	mimes       *entry.MimeTable
	generations [2][]uint32 // indexed by ringid.Kind, then slot; in-memory only

	cfg *config.Store
	log *zap.SugaredLogger
}

// Geometry fixes each ring's capacity at creation time (spec.md §3
// "Capacity is fixed at server startup").
type Geometry struct {
	MainCapacity      uint32
	FavoritesCapacity uint32
}

// DefaultGeometry matches spec.md §3's suggested defaults.
func DefaultGeometry() Geometry {
	return Geometry{MainCapacity: 1 << 20, FavoritesCapacity: 1 << 10}
}

// Open opens both rings and the allocator beneath dir, then runs startup
// recovery (spec.md §3 invariant 5).
func Open(dir layout.Dir, geom Geometry, cfg *config.Store, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir.Root, 0o755); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	mainRing, err := ring.Open(dir.RingFile("main"), geom.MainCapacity)
	if err != nil {
		return nil, err
	}
	favRing, err := ring.Open(dir.RingFile("favorites"), geom.FavoritesCapacity)
	if err != nil {
		mainRing.Close()
		return nil, err
	}

	alloc, err := bucket.Open(dir)
	if err != nil {
		mainRing.Close()
		favRing.Close()
		return nil, err
	}

	if err := os.WriteFile(dir.Version(), []byte{layout.CurrentVersion}, 0o644); err != nil {
		alloc.Close()
		mainRing.Close()
		favRing.Close()
		return nil, fmt.Errorf("server: write version file: %w", err)
	}

	s := &Store{
		dir:   dir,
		rings: [2]*ring.File{ringid.Main: mainRing, ringid.Favorites: favRing},
		alloc: alloc,
		mimes: entry.NewMimeTable(),
		generations: [2][]uint32{
			ringid.Main:      make([]uint32, geom.MainCapacity),
			ringid.Favorites: make([]uint32, geom.FavoritesCapacity),
		},
		cfg: cfg,
		log: log,
	}

	if err := Recover(s); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// bumpGeneration advances the in-memory incarnation counter for one ring
// slot and returns the new value. Called whenever a slot receives a new
// occupant, so an id minted before and after the reuse differ in their
// generation field even though both name the same (kind, slot) address
// (spec.md §9 "Id stability"). Generations are not persisted: they reset to
// 0 across a restart, which the spec permits since the server never rejects
// a stale generation itself.
func (s *Store) bumpGeneration(k ringid.Kind, slot uint32) uint32 {
	g := ringid.NextGeneration(s.generations[k][slot])
	s.generations[k][slot] = g
	return g
}

func (s *Store) ringFor(k ringid.Kind) (*ring.File, error) {
	if k != ringid.Main && k != ringid.Favorites {
		return nil, fmt.Errorf("server: %w: ring kind %d", rberrors.ErrInvalidArgument, k)
	}
	return s.rings[k], nil
}

// freeSlot releases whatever allocator ref a populated slot refers to, and
// drops its out-of-line mime entry if it has one. A no-op on an Uninit slot.
func (s *Store) freeSlot(sl ring.Slot) error {
	ref, ok := entry.FromSlot(s.mimes, sl)
	if !ok {
		return nil
	}
	s.mimes.Delete(ref.AllocatorRef)
	return s.alloc.Free(ref.AllocatorRef)
}

// Close flushes and releases every on-disk resource.
func (s *Store) Close() error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if s.alloc != nil {
		record(s.alloc.Sync())
		record(s.alloc.Close())
	}
	for _, r := range s.rings {
		if r == nil {
			continue
		}
		record(r.Sync())
		record(r.Close())
	}
	return first
}
