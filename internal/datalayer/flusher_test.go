package datalayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/region"
)

func TestFlusher_IterateReportsActivity(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	f := NewFlusher(dir, time.Hour, nil)

	assert.False(t, f.iterate(), "empty directory is idle")

	require.NoError(t, dir.Create(r1, 1))
	assert.False(t, f.iterate())

	h, _ := dir.Lookup(r1)
	h.Region().Put([]byte("a"), vals("1"), 1)
	h.Region().Put([]byte("b"), vals("2"), 1)
	h.Release()

	assert.True(t, f.iterate())
	assert.False(t, f.iterate())

	stats := f.Stats()
	assert.Equal(t, uint64(4), stats.Iterations)
	assert.Equal(t, uint64(1), stats.ActiveIterations)
	assert.Equal(t, uint64(2), stats.FlushedOps)
	assert.Equal(t, int64(3), opener.last(r1).asyncCalls.Load())
}

func TestFlusher_FailedFlushSkipsAsync(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	f := NewFlusher(dir, time.Hour, nil)
	require.NoError(t, dir.Create(r1, 1))
	fake := opener.last(r1)
	fake.failFlush.Store(true)

	assert.False(t, f.iterate())
	assert.Equal(t, int64(1), fake.flushCalls.Load())
	assert.Zero(t, fake.asyncCalls.Load())
	assert.Equal(t, uint64(1), f.Stats().Failures)
}

func TestFlusher_ReleasesSnapshotReferences(t *testing.T) {
	opener := newFakeOpener()
	dir := NewDirectory(t.TempDir(), opener.Open, nil)
	f := NewFlusher(dir, time.Hour, nil)
	require.NoError(t, dir.Create(r1, 1))

	f.iterate()
	h, ok := dir.Lookup(r1)
	require.True(t, ok)
	assert.Equal(t, int64(2), h.Refs())
	h.Release()
}

func TestFlusher_DrainsBacklogWithoutSleeping(t *testing.T) {
	dir := NewDirectory(t.TempDir(), region.OpenMemory, nil)
	f := NewFlusher(dir, time.Hour, nil)
	require.NoError(t, dir.Create(r1, 1))
	h, _ := dir.Lookup(r1)
	h.Region().Put([]byte("k"), vals("v"), 1)
	h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()

	// the active pass is followed immediately by an idle pass, which then
	// parks for the full idle interval
	require.Eventually(t, func() bool {
		s := f.Stats()
		return s.ActiveIterations == 1 && s.IdleWaits == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), f.Stats().Iterations)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("flusher ignored cancellation")
	}
}

func TestFlusher_CancelledBeforeRun(t *testing.T) {
	f := NewFlusher(NewDirectory(t.TempDir(), region.OpenMemory, nil), 0, nil)
	assert.Equal(t, DefaultIdleInterval, f.idle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.Run(ctx)
	assert.Zero(t, f.Stats().Iterations)
}

func TestFlusher_WakeNeverBlocks(t *testing.T) {
	f := NewFlusher(NewDirectory(t.TempDir(), region.OpenMemory, nil), time.Hour, nil)
	for i := 0; i < 10; i++ {
		f.Wake()
	}
}
