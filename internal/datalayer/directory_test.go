package datalayer

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/region"
)

func TestDirectory_CreateLookupDrop(t *testing.T) {
	opener := newFakeOpener()
	root := t.TempDir()
	dir := NewDirectory(root, opener.Open, nil)
	id := region.ID{Space: 1, Subspace: 2}

	require.NoError(t, dir.Create(id, 3))
	assert.DirExists(t, filepath.Join(root, id.String()))
	assert.Equal(t, []region.ID{id}, dir.Regions())

	h, ok := dir.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, id, h.ID())
	assert.Equal(t, int64(2), h.Refs())
	require.NoError(t, h.Release())
	assert.Equal(t, int64(1), h.Refs())

	require.NoError(t, dir.Drop(id))
	_, ok = dir.Lookup(id)
	assert.False(t, ok)
	assert.Empty(t, dir.Regions())
	assert.True(t, opener.last(id).closed.Load(), "last reference gone, region closed")
}

func TestDirectory_CreateReusesExistingLocation(t *testing.T) {
	root := t.TempDir()
	id := region.ID{Space: 5}
	require.NoError(t, os.Mkdir(filepath.Join(root, id.String()), 0700))

	dir := NewDirectory(root, newFakeOpener().Open, nil)
	require.NoError(t, dir.Create(id, 1))
	assert.Equal(t, 1, dir.Len())
}

func TestDirectory_CreateFailsWhenLocationCannotBeMade(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing", "parent")
	opener := newFakeOpener()
	dir := NewDirectory(root, opener.Open, nil)

	err := dir.Create(region.ID{Space: 1}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageCreation)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, dir.Len())
	assert.Zero(t, opener.calls.Load(), "region must not be opened without a location")
}

func TestDirectory_CreateFailsWhenOpenFails(t *testing.T) {
	opener := newFakeOpener()
	opener.failErr = errors.New("disk full")
	dir := NewDirectory(t.TempDir(), opener.Open, nil)

	err := dir.Create(region.ID{Space: 1}, 1)
	assert.ErrorIs(t, err, ErrStorageCreation)
	assert.ErrorIs(t, err, opener.failErr)
	assert.Empty(t, dir.Regions())
}

func TestDirectory_RegionsSorted(t *testing.T) {
	dir := NewDirectory(t.TempDir(), newFakeOpener().Open, nil)
	ids := []region.ID{{Space: 3}, {Space: 1, Mask: 9}, {Space: 1}, {Space: 2, Subspace: 1}}
	for _, id := range ids {
		require.NoError(t, dir.Create(id, 1))
	}
	assert.Equal(t, []region.ID{{Space: 1}, {Space: 1, Mask: 9}, {Space: 2, Subspace: 1}, {Space: 3}}, dir.Regions())
}

func TestDirectory_SnapshotHoldsReferences(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	a, b := region.ID{Space: 1}, region.ID{Space: 2}
	require.NoError(t, dir.Create(a, 1))
	require.NoError(t, dir.Create(b, 1))

	snap := dir.Snapshot()
	require.Len(t, snap, 2)

	// dropping while a snapshot is held must not close the region
	require.NoError(t, dir.Drop(a))
	assert.False(t, opener.last(a).closed.Load())

	for _, h := range snap {
		require.NoError(t, h.Release())
	}
	assert.True(t, opener.last(a).closed.Load())
	assert.False(t, opener.last(b).closed.Load())
}

func TestDirectory_ConcurrentCreateSameID(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	id := region.ID{Space: 42}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(columns uint16) {
			defer wg.Done()
			assert.NoError(t, dir.Create(id, columns))
		}(uint16(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, dir.Len())
	assert.Equal(t, int64(1), opener.calls.Load(), "exactly one create may construct the region")
}

func TestDirectory_Close(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	id := region.ID{Space: 1}
	require.NoError(t, dir.Create(id, 1))

	require.NoError(t, dir.Close())
	require.NoError(t, dir.Close())
	assert.True(t, opener.last(id).closed.Load())
	assert.Zero(t, dir.Len())
	assert.ErrorIs(t, dir.Create(id, 1), ErrClosed)
	assert.ErrorIs(t, dir.Drop(id), ErrClosed)
}

func TestHandle_ReleaseClosesOnce(t *testing.T) {
	r := &fakeRegion{Memory: region.NewMemory(region.ID{}, 1)}
	h := newHandle(region.ID{}, r)
	h.acquire()

	require.NoError(t, h.Release())
	assert.Zero(t, r.closeCalls.Load())
	require.NoError(t, h.Release())
	assert.Equal(t, int64(1), r.closeCalls.Load())

	assert.Panics(t, func() { h.Release() })
}
