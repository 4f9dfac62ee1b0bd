package datalayer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/region"
)

// fakeRegion wraps an in-memory region and records how the flusher and the
// directory treat it.
type fakeRegion struct {
	*region.Memory

	flushCalls  atomic.Int64
	busyFlushes atomic.Int64
	asyncCalls  atomic.Int64
	closeCalls  atomic.Int64
	failFlush   atomic.Bool
	closed      atomic.Bool
}

var errFlushBroken = errors.New("flush broken")

func (f *fakeRegion) Flush() (int, error) {
	f.flushCalls.Add(1)
	if f.failFlush.Load() {
		return 0, errFlushBroken
	}
	n, err := f.Memory.Flush()
	if n > 0 {
		f.busyFlushes.Add(1)
	}
	return n, err
}

func (f *fakeRegion) Async() error {
	f.asyncCalls.Add(1)
	return f.Memory.Async()
}

func (f *fakeRegion) Close() error {
	f.closeCalls.Add(1)
	f.closed.Store(true)
	return f.Memory.Close()
}

// fakeOpener hands out fakeRegions and remembers them by ID.
type fakeOpener struct {
	mu      sync.Mutex
	opened  map[region.ID][]*fakeRegion
	calls   atomic.Int64
	failErr error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(map[region.ID][]*fakeRegion)}
}

func (o *fakeOpener) Open(id region.ID, location string, columns uint16) (region.Region, error) {
	o.calls.Add(1)
	if o.failErr != nil {
		return nil, o.failErr
	}
	r := &fakeRegion{Memory: region.NewMemory(id, columns)}
	o.mu.Lock()
	o.opened[id] = append(o.opened[id], r)
	o.mu.Unlock()
	return r, nil
}

func (o *fakeOpener) last(id region.ID) *fakeRegion {
	o.mu.Lock()
	defer o.mu.Unlock()
	rs := o.opened[id]
	if len(rs) == 0 {
		return nil
	}
	return rs[len(rs)-1]
}

func newTestDataLayer(t *testing.T, opener *fakeOpener, idle time.Duration) *DataLayer {
	t.Helper()
	dl, err := New(Options{
		Root:         t.TempDir(),
		Open:         opener.Open,
		IdleInterval: idle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { dl.Close() })
	return dl
}

func vals(vs ...string) [][]byte {
	out := make([][]byte, len(vs))
	for i, v := range vs {
		out[i] = []byte(v)
	}
	return out
}
