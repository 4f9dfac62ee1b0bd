package datalayer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"kv-datalayer/internal/metrics"
)

// DefaultIdleInterval is how long the flusher waits after an iteration in
// which no region reported work.
const DefaultIdleInterval = 100 * time.Millisecond

// FlusherStats counts flusher activity since it started.
type FlusherStats struct {
	Iterations       uint64 `json:"iterations"`
	ActiveIterations uint64 `json:"active_iterations"`
	IdleWaits        uint64 `json:"idle_waits"`
	FlushedOps       uint64 `json:"flushed_ops"`
	Failures         uint64 `json:"failures"`
}

// Flusher periodically flushes every region in a directory. It snapshots
// the directory under the shared lock and does all region I/O without it.
type Flusher struct {
	dir    *Directory
	idle   time.Duration
	logger hclog.Logger
	wake   chan struct{}

	iterations       atomic.Uint64
	activeIterations atomic.Uint64
	idleWaits        atomic.Uint64
	flushedOps       atomic.Uint64
	failures         atomic.Uint64
}

// NewFlusher creates a flusher for dir. A non-positive idle interval means
// DefaultIdleInterval.
func NewFlusher(dir *Directory, idle time.Duration, logger hclog.Logger) *Flusher {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Flusher{
		dir:    dir,
		idle:   idle,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Run loops until ctx is cancelled. Cancellation is observed before every
// iteration and interrupts the idle wait; an iteration in progress is
// always completed.
func (f *Flusher) Run(ctx context.Context) {
	f.logger.Debug("flusher started", "idle_interval", f.idle)
	defer f.logger.Debug("flusher stopped")

	timer := time.NewTimer(f.idle)
	defer timer.Stop()

	for ctx.Err() == nil {
		if f.iterate() {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		f.idleWaits.Add(1)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(f.idle)

		select {
		case <-timer.C:
		case <-f.wake:
		case <-ctx.Done():
		}
	}
}

// Wake cuts the current idle wait short. It never blocks.
func (f *Flusher) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// iterate flushes every region once and reports whether any of them
// persisted something.
func (f *Flusher) iterate() bool {
	start := time.Now()
	active := false

	for _, h := range f.dir.Snapshot() {
		if f.flushOne(h) {
			active = true
		}
		if err := h.Release(); err != nil {
			f.logger.Warn("failed to close released region", "region", h.ID(), "error", err)
		}
	}

	f.iterations.Add(1)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if active {
		f.activeIterations.Add(1)
		metrics.FlushIterations.WithLabelValues("active").Inc()
	} else {
		metrics.FlushIterations.WithLabelValues("idle").Inc()
	}
	return active
}

// flushOne runs Flush and then Async on a single region. A failing region
// counts as idle for this iteration and is retried on the next one.
func (f *Flusher) flushOne(h *Handle) bool {
	n, err := h.Region().Flush()
	if err != nil {
		f.failures.Add(1)
		metrics.ErrorsTotal.WithLabelValues("flush").Inc()
		f.logger.Error("region flush failed", "region", h.ID(), "error", err)
		return false
	}
	if n > 0 {
		f.flushedOps.Add(uint64(n))
		metrics.FlushedOperations.Add(float64(n))
	}

	if err := h.Region().Async(); err != nil {
		f.failures.Add(1)
		metrics.ErrorsTotal.WithLabelValues("async").Inc()
		f.logger.Error("region async failed", "region", h.ID(), "error", err)
	}
	return n > 0
}

// Stats returns a point-in-time copy of the counters.
func (f *Flusher) Stats() FlusherStats {
	return FlusherStats{
		Iterations:       f.iterations.Load(),
		ActiveIterations: f.activeIterations.Load(),
		IdleWaits:        f.idleWaits.Load(),
		FlushedOps:       f.flushedOps.Load(),
		Failures:         f.failures.Load(),
	}
}
