package bucket

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthTableSetGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.len")
	lt, err := openLengthTable(path, 4)
	require.NoError(t, err)

	lt.set(2, 123)
	assert.Equal(t, uint16(123), lt.get(2))
	assert.Equal(t, uint16(0), lt.get(0))
}

func TestLengthTablePersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.len")
	lt, err := openLengthTable(path, 4)
	require.NoError(t, err)
	lt.set(3, 4096)
	require.NoError(t, lt.persist())

	lt2, err := openLengthTable(path, 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(4096), lt2.get(3))
}

func TestLengthTableGrowsOnSetBeyondRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0.len")
	lt, err := openLengthTable(path, 2)
	require.NoError(t, err)
	lt.set(5, 10)
	assert.Equal(t, uint16(10), lt.get(5))
}
