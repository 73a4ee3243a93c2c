package ring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsNonPowerOfTwoCapacity(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "main.ring"), 3)
	require.Error(t, err)
}

func TestOpenCreatesFreshHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	rf, err := Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()

	assert.Equal(t, uint32(4), rf.Capacity())
	assert.Equal(t, uint32(0), rf.Head())
	assert.Equal(t, Uninit(), rf.ReadSlot(0))
}

func TestWriteSlotThenSetHeadIsVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	rf, err := Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()

	s := Bucketed(MimeTextPlain, 0, 7)
	rf.WriteSlot(0, s)
	rf.SetHead(1)

	assert.Equal(t, uint32(1), rf.Head())
	assert.Equal(t, s, rf.ReadSlot(0))
}

func TestSetHeadWrapsModuloCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	rf, err := Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()

	rf.SetHead(4)
	assert.Equal(t, uint32(0), rf.Head())
}

func TestReopenValidatesPersistedCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	rf, err := Open(path, 4)
	require.NoError(t, err)
	rf.WriteSlot(2, Bucketed(MimeTextHTML, 1, 3))
	rf.SetHead(3)
	require.NoError(t, rf.Close())

	rf2, err := Open(path, 4)
	require.NoError(t, err)
	defer rf2.Close()
	assert.Equal(t, uint32(3), rf2.Head())
	assert.Equal(t, Bucketed(MimeTextHTML, 1, 3), rf2.ReadSlot(2))

	_, err = Open(path, 8)
	assert.Error(t, err)
}

func TestRangeVisitsEverySlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ring")
	rf, err := Open(path, 4)
	require.NoError(t, err)
	defer rf.Close()

	rf.WriteSlot(1, Bucketed(MimeTextPlain, 0, 9))

	var seen []uint32
	rf.Range(func(i uint32, s Slot) {
		seen = append(seen, i)
		if i == 1 {
			assert.Equal(t, Bucketed(MimeTextPlain, 0, 9), s)
		} else {
			assert.Equal(t, Uninit(), s)
		}
	})
	assert.Equal(t, []uint32{0, 1, 2, 3}, seen)
}
