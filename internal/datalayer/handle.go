package datalayer

import (
	"sync"
	"sync/atomic"

	"kv-datalayer/internal/region"
)

// Handle is a reference-counted region. The directory entry owns one
// reference; every Lookup and every flusher snapshot owns another. The
// region is closed when the last reference is released.
type Handle struct {
	id     region.ID
	region region.Region
	refs   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newHandle(id region.ID, r region.Region) *Handle {
	h := &Handle{id: id, region: r}
	h.refs.Store(1)
	return h
}

// ID returns the identifier the handle was registered under.
func (h *Handle) ID() region.ID {
	return h.id
}

// Region returns the underlying region. It stays valid until the caller's
// reference is released.
func (h *Handle) Region() region.Region {
	return h.region
}

// acquire adds a reference. Callers must already hold one, or hold the
// directory lock while the handle is still registered.
func (h *Handle) acquire() *Handle {
	h.refs.Add(1)
	return h
}

// Release drops a reference and closes the region if it was the last one.
// The error is the region's close error, reported to the final releaser only.
func (h *Handle) Release() error {
	refs := h.refs.Add(-1)
	switch {
	case refs > 0:
		return nil
	case refs < 0:
		panic("datalayer: region handle released more times than acquired")
	}
	h.closeOnce.Do(func() {
		h.closeErr = h.region.Close()
	})
	return h.closeErr
}

// Refs reports the current reference count.
func (h *Handle) Refs() int64 {
	return h.refs.Load()
}
