// Package gc implements the tombstone garbage collector: a retention
// window after which a deleted document's
// tombstone becomes eligible for physical reclamation, a bounded
// per-run processing limit, and bytes-freed accounting. The physical
// reclamation step itself (compacting a collection's backing heap file,
// unlinking a per-document blob) belongs to the caller; this package
// owns the bookkeeping around it
// (retention timing, per-run bounds, failure counting) and calls an
// injected Reclaim callback to perform it.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Tombstone records a pending deletion awaiting physical reclamation.
type Tombstone struct {
	Collection string
	ID         string
	DeletedAt  time.Time
	// SizeHint is the approximate byte size of the deleted record, used
	// to estimate bytes freed before Reclaim actually runs.
	SizeHint int64
}

// ReclaimFunc performs the physical cleanup for one tombstone (removing
// the backing file / compacting the heap slot) and reports bytes freed.
type ReclaimFunc func(Tombstone) (bytesFreed int64, err error)

type Options struct {
	RetentionPeriod     time.Duration
	MaxTombstonesPerRun int
	SweepInterval       time.Duration
	Logger              zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		RetentionPeriod:     24 * time.Hour,
		MaxTombstonesPerRun: 1000,
		SweepInterval:       time.Minute,
		Logger:              zerolog.Nop(),
	}
}

// Stats accumulates lifetime collector statistics.
type Stats struct {
	Reclaimed  uint64
	Failed     uint64
	BytesFreed uint64
}

// Collector tracks tombstones created on Delete/DropCollection and
// reclaims those older than RetentionPeriod, bounded to
// MaxTombstonesPerRun entries per pass.
type Collector struct {
	opts    Options
	reclaim ReclaimFunc

	mu         sync.Mutex
	tombstones []Tombstone
	stats      Stats

	// onResult is an optional metrics hook invoked once per reclaim
	// attempt with its outcome, wired by the owning Engine via
	// SetMetricsHook.
	onResult func(t Tombstone, bytesFreed int64, err error)

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(reclaim ReclaimFunc, opts Options) *Collector {
	return &Collector{opts: opts, reclaim: reclaim}
}

// SetMetricsHook registers a callback invoked once per reclaim attempt
// Run makes, reporting the tombstone, bytes freed, and any error. h may
// be nil.
func (c *Collector) SetMetricsHook(h func(t Tombstone, bytesFreed int64, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = h
}

// Start launches the periodic collection loop, supervised by an errgroup
// the same way pkg/lockmgr and pkg/ttl supervise their background loops.
func (c *Collector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error {
		ticker := time.NewTicker(c.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.Run(time.Now().UTC())
			}
		}
	})
}

func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		c.group.Wait()
	}
}

// Mark records a new tombstone, created on Delete or DropCollection.
func (c *Collector) Mark(t Tombstone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tombstones = append(c.tombstones, t)
}

// Pending returns the number of tombstones not yet reclaimed.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tombstones)
}

// Stats returns a snapshot of lifetime collector statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run executes one collection pass: every tombstone older than
// RetentionPeriod is reclaimed, up to MaxTombstonesPerRun entries.
// Failures are counted and do not stop the pass.
func (c *Collector) Run(now time.Time) {
	c.mu.Lock()
	due, remaining := c.partitionDue(now)
	c.tombstones = remaining
	c.mu.Unlock()

	for _, t := range due {
		freed, err := c.reclaim(t)
		c.mu.Lock()
		if err != nil {
			c.stats.Failed++
			c.opts.Logger.Warn().Err(err).Str("collection", t.Collection).Str("id", t.ID).Msg("gc reclaim failed")
		} else {
			c.stats.Reclaimed++
			c.stats.BytesFreed += uint64(freed)
		}
		onResult := c.onResult
		c.mu.Unlock()
		if onResult != nil {
			onResult(t, freed, err)
		}
	}
}

// partitionDue splits tombstones into (due for reclamation, still
// pending), bounding the due set to MaxTombstonesPerRun. Must be called
// with c.mu held.
func (c *Collector) partitionDue(now time.Time) (due, remaining []Tombstone) {
	limit := c.opts.MaxTombstonesPerRun
	for _, t := range c.tombstones {
		if len(due) < limit && now.Sub(t.DeletedAt) >= c.opts.RetentionPeriod {
			due = append(due, t)
			continue
		}
		remaining = append(remaining, t)
	}
	return due, remaining
}
