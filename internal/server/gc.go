package server

import (
	"math"

	"ringboard/internal/gc"
)

// defaultMaxWasted is the sentinel a client sends to mean "use the server's
// configured soft threshold" — spec.md reserves 0 for maximal mode, so
// there's no other way to ask for "the default" without knowing its value
// (SPEC_FULL.md §3, Open Question resolution).
const defaultMaxWasted = math.MaxUint64

// GarbageCollect implements spec.md §4.6.
func (s *Store) GarbageCollect(maxWasted uint64) (uint64, error) {
	if maxWasted == defaultMaxWasted {
		maxWasted = s.cfg.Get().GC.SoftThresholdBytes
	}
	dedup := maxWasted == 0 && s.cfg.Get().GC.Dedup

	freed, err := gc.Run(s.alloc, gc.Rings{s.rings[0], s.rings[1]}, s.mimes, maxWasted, dedup)
	if err != nil {
		return 0, err
	}

	if err := s.rings[0].Sync(); err != nil {
		return freed, err
	}
	if err := s.rings[1].Sync(); err != nil {
		return freed, err
	}
	return freed, nil
}
