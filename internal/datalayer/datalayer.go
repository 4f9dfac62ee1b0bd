// Package datalayer owns the node's regions: a directory mapping region IDs
// to reference-counted handles, a background flusher persisting them, and
// the DataLayer facade through which every read, write and structural change
// goes.
package datalayer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"kv-datalayer/internal/metrics"
	"kv-datalayer/internal/region"
)

// Options configure a DataLayer.
type Options struct {
	// Root is the parent directory of every region's storage location.
	Root string
	// Open constructs regions; defaults to region.OpenMemory.
	Open region.Opener
	// IdleInterval is the flusher's sleep when no region had work.
	IdleInterval time.Duration
	Logger       hclog.Logger
}

// DataLayer is the public surface over the region directory. It is created
// once per node and torn down with Close.
type DataLayer struct {
	dir     *Directory
	flusher *Flusher
	logger  hclog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates the data layer and starts its flusher.
func New(opts Options) (*DataLayer, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Open == nil {
		opts.Open = region.OpenMemory
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create region root %s: %w", opts.Root, err)
	}

	logger := opts.Logger.Named("datalayer")
	dir := NewDirectory(opts.Root, opts.Open, logger)
	flusher := NewFlusher(dir, opts.IdleInterval, logger.Named("flusher"))

	ctx, cancel := context.WithCancel(context.Background())
	dl := &DataLayer{
		dir:     dir,
		flusher: flusher,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(dl.done)
		flusher.Run(ctx)
	}()

	return dl, nil
}

// Regions returns the registered region IDs in order.
func (dl *DataLayer) Regions() []region.ID {
	return dl.dir.Regions()
}

// CreateRegion registers id with the given column count. It is a no-op if
// id is already registered.
func (dl *DataLayer) CreateRegion(id region.ID, columns uint16) error {
	return dl.dir.Create(id, columns)
}

// DropRegion unregisters id. It is a no-op if id is not registered.
func (dl *DataLayer) DropRegion(id region.ID) error {
	return dl.dir.Drop(id)
}

// Get reads key from region id.
func (dl *DataLayer) Get(id region.ID, key []byte) (*region.Object, region.Result, error) {
	start := time.Now()
	h, ok := dl.dir.Lookup(id)
	if !ok {
		observe("get", region.ResultInvalidRegion, nil, start)
		return nil, region.ResultInvalidRegion, nil
	}
	defer dl.release(h)

	obj, res, err := h.Region().Get(key)
	observe("get", res, err, start)
	return obj, res, err
}

// Put writes key to region id with the given version.
func (dl *DataLayer) Put(id region.ID, key []byte, values [][]byte, version uint64) (region.Result, error) {
	start := time.Now()
	h, ok := dl.dir.Lookup(id)
	if !ok {
		observe("put", region.ResultInvalidRegion, nil, start)
		return region.ResultInvalidRegion, nil
	}
	defer dl.release(h)

	res, err := h.Region().Put(key, values, version)
	observe("put", res, err, start)
	return res, err
}

// Del removes key from region id.
func (dl *DataLayer) Del(id region.ID, key []byte) (region.Result, error) {
	start := time.Now()
	h, ok := dl.dir.Lookup(id)
	if !ok {
		observe("del", region.ResultInvalidRegion, nil, start)
		return region.ResultInvalidRegion, nil
	}
	defer dl.release(h)

	res, err := h.Region().Del(key)
	observe("del", res, err, start)
	return res, err
}

// Lookup exposes the directory lookup for callers that need several
// operations against one region. The handle must be released.
func (dl *DataLayer) Lookup(id region.ID) (*Handle, bool) {
	return dl.dir.Lookup(id)
}

// Wake interrupts the flusher's idle wait.
func (dl *DataLayer) Wake() {
	dl.flusher.Wake()
}

// FlusherStats reports the flusher's counters.
func (dl *DataLayer) FlusherStats() FlusherStats {
	return dl.flusher.Stats()
}

// Shutdown asks the flusher to stop. It does not wait; Close does. Calling
// it more than once is harmless.
func (dl *DataLayer) Shutdown() {
	dl.cancel()
}

// Done is closed once the flusher has exited.
func (dl *DataLayer) Done() <-chan struct{} {
	return dl.done
}

// Close shuts the flusher down, waits for it to exit and then releases every
// region. Operations on handles obtained earlier stay valid until those
// handles are released.
func (dl *DataLayer) Close() error {
	dl.closeOnce.Do(func() {
		dl.Shutdown()
		<-dl.done

		dl.closeErr = dl.dir.Close()
		dl.logger.Info("data layer closed")
	})
	return dl.closeErr
}

func (dl *DataLayer) release(h *Handle) {
	if err := h.Release(); err != nil {
		dl.logger.Warn("failed to close released region", "region", h.ID(), "error", err)
	}
}

func observe(op string, res region.Result, err error, start time.Time) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(op).Inc()
		metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
		return
	}
	metrics.OperationsTotal.WithLabelValues(op, res.String()).Inc()
}
