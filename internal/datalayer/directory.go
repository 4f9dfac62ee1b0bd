package datalayer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"kv-datalayer/internal/metrics"
	"kv-datalayer/internal/region"
)

// Directory maps region IDs to handles. Lookups and snapshots share the lock;
// Create and Drop take it exclusively. No region operation ever runs under
// the lock except the open performed by Create.
type Directory struct {
	root    string
	open    region.Opener
	logger  hclog.Logger
	regions map[region.ID]*Handle
	closed  bool
	mu      sync.RWMutex
}

// NewDirectory creates an empty directory whose regions live under root.
func NewDirectory(root string, open region.Opener, logger hclog.Logger) *Directory {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Directory{
		root:    root,
		open:    open,
		logger:  logger,
		regions: make(map[region.ID]*Handle),
	}
}

// Location returns the storage location derived from id.
func (d *Directory) Location(id region.ID) string {
	return filepath.Join(d.root, id.String())
}

// Regions returns a sorted copy of the registered IDs.
func (d *Directory) Regions() []region.ID {
	d.mu.RLock()
	ids := make([]region.ID, 0, len(d.regions))
	for id := range d.regions {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Create registers a new region with the given column count. Creating a
// region that already exists is a logged no-op; the existing region keeps
// its original column count.
func (d *Directory) Create(id region.ID, columns uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if _, exists := d.regions[id]; exists {
		d.logger.Info("region already exists; cannot create region", "region", id)
		metrics.RegionLifecycle.WithLabelValues("create_noop").Inc()
		return nil
	}

	location := d.Location(id)
	if err := os.Mkdir(location, 0700); err != nil && !errors.Is(err, fs.ErrExist) {
		metrics.ErrorsTotal.WithLabelValues("storage_creation").Inc()
		return fmt.Errorf("%w: region %s at %s: %w", ErrStorageCreation, id, location, err)
	}

	d.logger.Info("creating region", "region", id, "columns", columns, "location", location)
	r, err := d.open(id, location, columns)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("storage_creation").Inc()
		return fmt.Errorf("%w: region %s at %s: %w", ErrStorageCreation, id, location, err)
	}

	d.regions[id] = newHandle(id, r)
	metrics.RegionLifecycle.WithLabelValues("create").Inc()
	metrics.RegionsRegistered.Set(float64(len(d.regions)))
	return nil
}

// Drop unregisters id. Dropping an absent region is a logged no-op. Holders
// of handles obtained earlier keep a usable region until they release it.
func (d *Directory) Drop(id region.ID) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	h, exists := d.regions[id]
	if !exists {
		d.mu.Unlock()
		d.logger.Info("region doesn't exist; cannot drop region", "region", id)
		metrics.RegionLifecycle.WithLabelValues("drop_noop").Inc()
		return nil
	}
	delete(d.regions, id)
	metrics.RegionsRegistered.Set(float64(len(d.regions)))
	d.mu.Unlock()

	d.logger.Info("dropping region", "region", id)
	metrics.RegionLifecycle.WithLabelValues("drop").Inc()

	// The directory's reference goes last so a final close never runs
	// under the lock.
	if err := h.Release(); err != nil {
		d.logger.Warn("failed to close dropped region", "region", id, "error", err)
	}
	return nil
}

// Lookup returns an acquired handle for id. The caller must Release it.
func (d *Directory) Lookup(id region.ID) (*Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, exists := d.regions[id]
	if !exists {
		return nil, false
	}
	return h.acquire(), true
}

// Snapshot returns an acquired handle for every registered region, each
// distinct handle once. The caller must Release every handle.
func (d *Directory) Snapshot() []*Handle {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[*Handle]struct{}, len(d.regions))
	handles := make([]*Handle, 0, len(d.regions))
	for _, h := range d.regions {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		handles = append(handles, h.acquire())
	}
	return handles
}

// Len returns the number of registered regions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regions)
}

// Close unregisters every region and releases the directory's references.
// Later structural operations fail with ErrClosed.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	handles := d.regions
	d.regions = make(map[region.ID]*Handle)
	metrics.RegionsRegistered.Set(0)
	d.mu.Unlock()

	var result error
	for id, h := range handles {
		if err := h.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("region %s: %w", id, err))
		}
	}
	return result
}
