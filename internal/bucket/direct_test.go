package bucket

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectStoreCreateIncrementsCounter(t *testing.T) {
	ds, err := openDirectStore(t.TempDir())
	require.NoError(t, err)

	idx0, f0, err := ds.create()
	require.NoError(t, err)
	f0.Close()
	idx1, f1, err := ds.create()
	require.NoError(t, err)
	f1.Close()

	assert.Equal(t, uint64(0), idx0)
	assert.Equal(t, uint64(1), idx1)
}

func TestDirectStoreFreeUnlinks(t *testing.T) {
	ds, err := openDirectStore(t.TempDir())
	require.NoError(t, err)

	idx, f, err := ds.create()
	require.NoError(t, err)
	f.Close()

	require.NoError(t, ds.free(idx))
	_, err = os.Stat(ds.path(idx))
	assert.True(t, os.IsNotExist(err))
}

func TestDirectStoreFreeMissingIsNotAnError(t *testing.T) {
	ds, err := openDirectStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, ds.free(42))
}

func TestDirectStoreRecoversCounterFromDisk(t *testing.T) {
	dir := t.TempDir()
	ds, err := openDirectStore(dir)
	require.NoError(t, err)
	_, f, err := ds.create()
	require.NoError(t, err)
	f.Close()
	_, f, err = ds.create()
	require.NoError(t, err)
	f.Close()

	ds2, err := openDirectStore(dir)
	require.NoError(t, err)
	idx, f, err := ds2.create()
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, uint64(2), idx)
}

func TestDirectStoreLiveIndices(t *testing.T) {
	dir := t.TempDir()
	ds, err := openDirectStore(dir)
	require.NoError(t, err)
	_, f, err := ds.create()
	require.NoError(t, err)
	f.Close()
	_, f, err = ds.create()
	require.NoError(t, err)
	f.Close()

	live, err := ds.liveIndices()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{0, 1}, live)
}
