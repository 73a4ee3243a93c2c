package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ringboard/internal/config"
	"ringboard/internal/entry"
	"ringboard/internal/layout"
	"ringboard/internal/rberrors"
	"ringboard/internal/ring"
	"ringboard/internal/ringid"
)

func openTestStore(t *testing.T, geom Geometry) *Store {
	t.Helper()
	dir := layout.New(t.TempDir())
	cfg, err := config.NewStore(dir)
	require.NoError(t, err)
	s, err := Open(dir, geom, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func payloadFile(t *testing.T, content string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	if content != "" {
		_, err = f.WriteString(content)
		require.NoError(t, err)
		_, err = f.Seek(0, 0)
		require.NoError(t, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAddEmptyPayloadRejected(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	_, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, ""))
	assert.ErrorIs(t, err, rberrors.ErrEmptyInput)
}

func TestAddSmallPayloadRoundTrips(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "hello"))
	require.NoError(t, err)

	rf := s.rings[ringid.Main]
	sl := rf.ReadSlot(uint32(id.Slot()))
	ref, ok := entry.FromSlot(s.mimes, sl)
	require.True(t, ok)
	assert.Equal(t, "text/plain", ref.Mime)

	payload, err := s.alloc.Read(ref.AllocatorRef)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestAddWrapAroundLeavesOnlyLastCapacityEntries(t *testing.T) {
	s := openTestStore(t, Geometry{MainCapacity: 4, FavoritesCapacity: 4})

	letters := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, l := range letters {
		_, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, l))
		require.NoError(t, err)
	}

	rf := s.rings[ringid.Main]
	assert.Equal(t, uint32(3), rf.Head()) // 7 mod 4 == 3

	var contents []string
	for i := uint32(0); i < 4; i++ {
		sl := rf.ReadSlot(i)
		ref, ok := entry.FromSlot(s.mimes, sl)
		require.True(t, ok)
		payload, err := s.alloc.Read(ref.AllocatorRef)
		require.NoError(t, err)
		contents = append(contents, string(payload))
	}
	assert.ElementsMatch(t, []string{"d", "e", "f", "g"}, contents)

	live := 0
	for k := 0; k < 11; k++ {
		live += int(s.alloc.ClassStats(k).NumRecords - s.alloc.ClassStats(k).FreeCount)
	}
	assert.Equal(t, 4, live)
}

func TestSwapWithUninitSlots(t *testing.T) {
	s := openTestStore(t, Geometry{MainCapacity: 4, FavoritesCapacity: 4})
	id0 := ringid.Pack(ringid.Main, 0, 0)
	id1 := ringid.Pack(ringid.Main, 0, 1)

	require.NoError(t, s.Swap(uint64(id0), uint64(id1)))
	assert.Equal(t, ring.Uninit(), s.rings[ringid.Main].ReadSlot(0))
	assert.Equal(t, ring.Uninit(), s.rings[ringid.Main].ReadSlot(1))
}

func TestSwapIsInvolutive(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id0, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "first"))
	require.NoError(t, err)
	id1, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "second"))
	require.NoError(t, err)

	before0 := s.rings[ringid.Main].ReadSlot(uint32(id0.Slot()))
	before1 := s.rings[ringid.Main].ReadSlot(uint32(id1.Slot()))

	require.NoError(t, s.Swap(uint64(id0), uint64(id1)))
	require.NoError(t, s.Swap(uint64(id0), uint64(id1)))

	assert.Equal(t, before0, s.rings[ringid.Main].ReadSlot(uint32(id0.Slot())))
	assert.Equal(t, before1, s.rings[ringid.Main].ReadSlot(uint32(id1.Slot())))
}

func TestAddThenSwapThenRemoveFreesAllocator(t *testing.T) {
	s := openTestStore(t, Geometry{MainCapacity: 4, FavoritesCapacity: 4})
	id0, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "x"))
	require.NoError(t, err)
	id1 := ringid.Pack(ringid.Main, 0, (id0.Slot()+1)%4)

	require.NoError(t, s.Swap(uint64(id0), uint64(id1)))
	require.NoError(t, s.Remove(uint64(id0)))
	require.NoError(t, s.Remove(uint64(id1)))

	live := 0
	for k := 0; k < 11; k++ {
		live += int(s.alloc.ClassStats(k).NumRecords - s.alloc.ClassStats(k).FreeCount)
	}
	assert.Equal(t, 0, live)
}

func TestMoveToFrontAcrossRings(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "x"))
	require.NoError(t, err)

	newID, err := s.MoveToFront(uint64(id), true, byte(ringid.Favorites))
	require.NoError(t, err)
	assert.Equal(t, ringid.Favorites, newID.Kind())

	assert.Equal(t, ring.Uninit(), s.rings[ringid.Main].ReadSlot(uint32(id.Slot())))
	sl := s.rings[ringid.Favorites].ReadSlot(uint32(newID.Slot()))
	assert.NotEqual(t, ring.Uninit(), sl)
}

func TestMoveToFrontIdempotent(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "x"))
	require.NoError(t, err)

	first, err := s.MoveToFront(uint64(id), false, 0)
	require.NoError(t, err)
	second, err := s.MoveToFront(uint64(first), false, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMoveToFrontUninitFails(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id := ringid.Pack(ringid.Main, 0, 0)
	_, err := s.MoveToFront(uint64(id), false, 0)
	assert.ErrorIs(t, err, rberrors.ErrIdNotFound)
}

func TestRemoveDoesNotMoveHead(t *testing.T) {
	s := openTestStore(t, DefaultGeometry())
	id, err := s.Add(byte(ringid.Main), "text/plain", payloadFile(t, "x"))
	require.NoError(t, err)
	head := s.rings[ringid.Main].Head()

	require.NoError(t, s.Remove(uint64(id)))
	assert.Equal(t, head, s.rings[ringid.Main].Head())
	assert.Equal(t, ring.Uninit(), s.rings[ringid.Main].ReadSlot(uint32(id.Slot())))
}

func TestResolveOutOfRangeSlotIsIdNotFound(t *testing.T) {
	s := openTestStore(t, Geometry{MainCapacity: 4, FavoritesCapacity: 4})
	badID := ringid.Pack(ringid.Main, 0, 1000)
	_, err := s.MoveToFront(uint64(badID), false, 0)
	assert.ErrorIs(t, err, rberrors.ErrIdNotFound)
}
