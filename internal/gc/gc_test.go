package gc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringboard/internal/bucket"
	"ringboard/internal/entry"
	"ringboard/internal/layout"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

type harness struct {
	alloc *bucket.Allocator
	mimes *entry.MimeTable
	rings Rings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := layout.New(t.TempDir())
	alloc, err := bucket.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	mainRing, err := ring.Open(dir.RingFile("main"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { mainRing.Close() })
	favRing, err := ring.Open(dir.RingFile("favorites"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { favRing.Close() })

	return &harness{
		alloc: alloc,
		mimes: entry.NewMimeTable(),
		rings: Rings{ringid.Main: mainRing, ringid.Favorites: favRing},
	}
}

// add writes payload into a fresh allocator region sized to its own length
// and records it at the given ring slot, mirroring what server.Store.Add
// does at a lower level.
func (h *harness) add(t *testing.T, kind ringid.Kind, slot uint32, mime string, payload []byte) {
	t.Helper()
	ref, err := h.alloc.Alloc(len(payload))
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(payload)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, h.alloc.Write(ref, f, int64(len(payload))))

	s := entry.ToSlot(h.mimes, entry.Ref{Mime: mime, AllocatorRef: ref})
	h.rings[kind].WriteSlot(slot, s)
}

func (h *harness) read(t *testing.T, kind ringid.Kind, slot uint32) ([]byte, string) {
	t.Helper()
	sl := h.rings[kind].ReadSlot(slot)
	ref, ok := entry.FromSlot(h.mimes, sl)
	require.True(t, ok)
	payload, err := h.alloc.Read(ref.AllocatorRef)
	require.NoError(t, err)
	return payload, ref.Mime
}

func TestSoftGCOnlyTouchesWastefulClasses(t *testing.T) {
	h := newHarness(t)
	h.add(t, ringid.Main, 0, "text/plain", []byte("a"))
	h.add(t, ringid.Main, 1, "text/plain", []byte("bb"))

	// Neither class is wasteful yet: max_wasted very high means nothing
	// gets compacted.
	freed, err := Run(h.alloc, h.rings, h.mimes, ^uint64(0), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), freed)

	p0, m0 := h.read(t, ringid.Main, 0)
	assert.Equal(t, []byte("a"), p0)
	assert.Equal(t, "text/plain", m0)
}

func TestMaximalGCCompactsAndPreservesLiveBytes(t *testing.T) {
	h := newHarness(t)
	for i := uint32(0); i < 4; i++ {
		h.add(t, ringid.Main, i, "text/plain", []byte{byte('a' + i)})
	}
	// Remove every other slot (free the allocator ref, then mark Uninit) to
	// fragment the class the way server.Store.Remove does.
	for _, slot := range []uint32{1, 3} {
		ref, ok := entry.FromSlot(h.mimes, h.rings[ringid.Main].ReadSlot(slot))
		require.True(t, ok)
		require.NoError(t, h.alloc.Free(ref.AllocatorRef))
		h.rings[ringid.Main].WriteSlot(slot, ring.Uninit())
	}

	before := h.alloc.ClassStats(0)

	_, err := Run(h.alloc, h.rings, h.mimes, 0, false)
	require.NoError(t, err)

	p0, _ := h.read(t, ringid.Main, 0)
	assert.Equal(t, []byte("a"), p0)
	p2, _ := h.read(t, ringid.Main, 2)
	assert.Equal(t, []byte("c"), p2)

	after := h.alloc.ClassStats(0)
	assert.LessOrEqual(t, after.NumRecords, before.NumRecords)
}

func TestMaximalGCDedupesIdenticalPayloads(t *testing.T) {
	h := newHarness(t)
	h.add(t, ringid.Main, 0, "text/plain", []byte("same"))
	h.add(t, ringid.Favorites, 0, "text/plain", []byte("same"))

	refBefore0, _ := entry.FromSlot(h.mimes, h.rings[ringid.Main].ReadSlot(0))
	refBefore1, _ := entry.FromSlot(h.mimes, h.rings[ringid.Favorites].ReadSlot(0))
	assert.NotEqual(t, refBefore0.AllocatorRef, refBefore1.AllocatorRef)

	_, err := Run(h.alloc, h.rings, h.mimes, 0, true)
	require.NoError(t, err)

	refAfter0, _ := entry.FromSlot(h.mimes, h.rings[ringid.Main].ReadSlot(0))
	refAfter1, _ := entry.FromSlot(h.mimes, h.rings[ringid.Favorites].ReadSlot(0))
	assert.Equal(t, refAfter0.AllocatorRef, refAfter1.AllocatorRef)

	p0, _ := h.read(t, ringid.Main, 0)
	p1, _ := h.read(t, ringid.Favorites, 0)
	assert.Equal(t, p0, p1)
}
