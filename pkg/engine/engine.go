// Package engine wires the core subsystems into a single entrypoint: the
// write-ahead log, lock manager, transaction coordinator, document
// store, index manager, TTL service, and garbage collector, following a
// fixed acquire-lock, then log, then apply discipline on every write.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/document"
	"github.com/bobboyms/docengine/pkg/gc"
	"github.com/bobboyms/docengine/pkg/heap"
	"github.com/bobboyms/docengine/pkg/index"
	"github.com/bobboyms/docengine/pkg/lockmgr"
	"github.com/bobboyms/docengine/pkg/metrics"
	"github.com/bobboyms/docengine/pkg/query"
	"github.com/bobboyms/docengine/pkg/ttl"
	"github.com/bobboyms/docengine/pkg/txn"
	"github.com/bobboyms/docengine/pkg/types"
	"github.com/bobboyms/docengine/pkg/wal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/errgroup"
)

// Options configures an Engine, following the package's established
// Options/DefaultOptions idiom.
type Options struct {
	WAL      wal.Options
	LockMgr  lockmgr.Options
	Txn      txn.Options
	TTL      ttl.Options
	GC       gc.Options
	Registry prometheus.Registerer
	Logger   zerolog.Logger
	// HeapDir is where each collection's version-chain backing file
	// lives (one HeapManager per collection). Empty disables
	// the heap durability mirror entirely (useful for short-lived tests).
	HeapDir string
	// CheckpointInterval drives Start's periodic checkpoint loop. Zero
	// disables automatic checkpointing; callers can still invoke
	// Checkpoint directly.
	CheckpointInterval time.Duration
	// SentryDSN, when set, routes fatal Corruption errors found during
	// WAL replay to Sentry. Empty leaves error capture a no-op.
	SentryDSN string
}

func DefaultOptions(dataDir string) Options {
	walOpts := wal.DefaultOptions()
	walOpts.DirPath = dataDir
	return Options{
		WAL:                walOpts,
		LockMgr:            lockmgr.DefaultOptions(),
		Txn:                txn.DefaultOptions(),
		TTL:                ttl.DefaultOptions(),
		GC:                 gc.DefaultOptions(),
		Registry:           prometheus.NewRegistry(),
		Logger:             zerolog.Nop(),
		HeapDir:            filepath.Join(filepath.Dir(dataDir), "heap"),
		CheckpointInterval: 5 * time.Minute,
	}
}

// Engine is the top-level handle embedding applications create one of;
// it owns every subsystem and is the only type that may touch more than
// one of them at once, respecting a fixed lock acquisition
// order LockManager -> WAL -> Collection -> Index.
type Engine struct {
	opts Options

	walWriter *wal.WALWriter
	lsn       *wal.LSNTracker
	locks     *lockmgr.LockManager
	coord     *txn.Coordinator
	indexes   *index.Manager
	ttlSvc    *ttl.Service
	gcColl    *gc.Collector
	metrics   *metrics.Registry
	log       zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*document.Collection

	// recovery is the outcome of the crash-recovery pass New() ran before
	// accepting any calls, kept for callers that want to inspect it
	// (diagnostics, tests) after construction.
	recovery *wal.Result

	// heapMu guards the per-collection heap durability mirrors: each
	// collection's documents are also appended, version-chained, to a
	// heap.HeapManager segment file, independent of the in-memory map
	// that serves reads. versions tracks the latest heap offset per
	// document so the next write can chain prevOffset correctly.
	heapMu   sync.Mutex
	heaps    map[string]*heap.HeapManager
	versions map[string]map[string]int64

	// ckCancel/ckGroup run the periodic checkpoint loop Start launches,
	// following the same errgroup-supervised-loop idiom pkg/ttl.Service
	// and pkg/gc.Collector use for their own background sweeps.
	ckCancel context.CancelFunc
	ckGroup  *errgroup.Group
}

// New opens (or creates) the WAL at opts.WAL.DirPath, recovers it before
// doing anything else, and wires every subsystem together. The
// in-memory collections it returns already reflect every committed
// transaction found in the log; incomplete transactions' writes are
// simply never materialized, since this configuration's document store
// has no on-disk state to undo.
func New(opts Options) (*Engine, error) {
	if err := dberrors.InitSentry(opts.SentryDSN); err != nil {
		return nil, fmt.Errorf("initializing Sentry: %w", err)
	}

	recovery, err := wal.Recover(opts.WAL.DirPath, opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("recovering WAL: %w", err)
	}

	w, err := wal.NewWALWriter(opts.WAL.DirPath, opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("opening WAL: %w", err)
	}

	lsn := wal.NewLSNTracker(recovery.LastLSN)
	locks := lockmgr.New(opts.LockMgr)
	coord := txn.New(w, locks, lsn, opts.Txn)
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Engine{
		opts:        opts,
		walWriter:   w,
		lsn:         lsn,
		locks:       locks,
		coord:       coord,
		indexes:     index.NewManager(),
		metrics:     metrics.New(reg),
		log:         opts.Logger,
		collections: make(map[string]*document.Collection),
		heaps:       make(map[string]*heap.HeapManager),
		versions:    make(map[string]map[string]int64),
		recovery:    recovery,
	}
	e.gcColl = gc.New(e.reclaim, opts.GC)
	e.gcColl.SetMetricsHook(func(_ gc.Tombstone, bytesFreed int64, err error) {
		if err != nil {
			e.metrics.GCFailed.Inc()
			return
		}
		e.metrics.GCReclaimed.Inc()
		e.metrics.GCBytesFreed.Add(float64(bytesFreed))
	})
	e.ttlSvc = ttl.New(e.ttlDelete, opts.TTL)
	e.ttlSvc.OnExpired(func(batch ttl.ExpiredBatch) {
		e.metrics.TTLExpired.Add(float64(len(batch.IDs)))
	})
	e.ttlSvc.SetMetricsHook(func() { e.metrics.TTLSweeps.Inc() })
	locks.SetMetricsHooks(
		func(d time.Duration) { e.metrics.LockWaitTime.Observe(d.Seconds()) },
		func(victim string) {
			e.metrics.Deadlocks.Inc()
			if err := coord.AbortDeadlockVictim(victim); err != nil {
				e.log.Debug().Err(err).Str("txn_id", victim).
					Msg("deadlock victim already inactive")
			}
		},
	)
	w.SetMetricsHooks(
		func(n int64) { e.metrics.WALBytes.Add(float64(n)) },
		func() { e.metrics.WALFsyncs.Inc() },
	)
	coord.OnEvent(func(ev txn.Event) {
		switch ev.Kind {
		case txn.EventCommit:
			e.metrics.TxnCommits.Inc()
		case txn.EventRollback:
			e.metrics.TxnRollbacks.Inc()
		case txn.EventAbort:
			e.metrics.TxnAborts.Inc()
		}
	})

	if err := e.materializeRecovery(recovery); err != nil {
		return nil, fmt.Errorf("materializing recovered WAL: %w", err)
	}

	return e, nil
}

// Recovery returns the result of the crash-recovery pass New() ran when
// this Engine was constructed.
func (e *Engine) Recovery() *wal.Result { return e.recovery }

// materializeRecovery replays recovery.CommittedOps, in LSN order, into
// fresh in-memory collections: the state reachable after recovery
// equals the effect of applying all and only the committed
// transactions in LSN order. Collections mentioned by a
// recovered op but never explicitly created are created on demand, since
// this configuration keeps no separate collection-metadata record.
func (e *Engine) materializeRecovery(recovery *wal.Result) error {
	for _, op := range recovery.CommittedOps {
		c := e.CreateCollection(op.Collection)
		switch op.Type {
		case wal.EntryInsert, wal.EntryUpdate:
			fields, err := wal.DecodeImage(op.After)
			if err != nil {
				return err
			}
			if c.Exists(op.DocID) {
				if _, err := c.Replace(op.DocID, fields); err != nil {
					return err
				}
			} else {
				if _, err := c.Insert(op.DocID, fields); err != nil {
					return err
				}
			}
		case wal.EntryDelete:
			c.Delete(op.DocID)
		}
	}
	return nil
}

// Start launches every subsystem's background loop: the lock manager's
// deadlock detector, the coordinator's timeout scanner, the TTL cleanup
// loop, the garbage collector's sweep, and (if CheckpointInterval is
// nonzero) a periodic checkpoint loop.
func (e *Engine) Start(ctx context.Context) {
	e.locks.Start(ctx)
	e.coord.Start(ctx)
	e.ttlSvc.Start(ctx)
	e.gcColl.Start(ctx)

	if e.opts.CheckpointInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.ckCancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.ckGroup = g
	g.Go(func() error {
		ticker := time.NewTicker(e.opts.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := e.Checkpoint(gctx); err != nil {
					e.log.Error().Err(err).Msg("periodic checkpoint")
				}
			}
		}
	})
}

// Close stops every background loop and flushes and closes the WAL and
// every open heap segment.
func (e *Engine) Close() error {
	e.locks.Stop()
	e.coord.Stop()
	e.ttlSvc.Stop()
	e.gcColl.Stop()
	if e.ckCancel != nil {
		e.ckCancel()
		e.ckGroup.Wait()
	}

	e.heapMu.Lock()
	for _, hm := range e.heaps {
		if err := hm.Close(); err != nil {
			e.log.Error().Err(err).Msg("closing heap segment")
		}
	}
	e.heapMu.Unlock()

	return e.walWriter.Close()
}

// heapFor lazily opens the heap segment backing collection, creating the
// heap directory on first use. Returns (nil, nil) when the heap
// durability mirror is disabled (Options.HeapDir == "").
func (e *Engine) heapFor(collection string) (*heap.HeapManager, error) {
	if e.opts.HeapDir == "" {
		return nil, nil
	}
	e.heapMu.Lock()
	defer e.heapMu.Unlock()
	if hm, ok := e.heaps[collection]; ok {
		return hm, nil
	}
	if err := os.MkdirAll(e.opts.HeapDir, 0755); err != nil {
		return nil, fmt.Errorf("creating heap directory: %w", err)
	}
	hm, err := heap.NewHeapManager(filepath.Join(e.opts.HeapDir, collection))
	if err != nil {
		return nil, fmt.Errorf("opening heap for %s: %w", collection, err)
	}
	e.heaps[collection] = hm
	e.versions[collection] = make(map[string]int64)
	return hm, nil
}

// heapWrite appends a new version of id's fields to its collection's
// heap, chained to whatever offset the previous version left behind.
// Best-effort: a failure here is logged rather than propagated, since
// the heap mirror is a durability aid alongside the WAL and in-memory
// store, not the engine's primary read path or recovery source in this
// configuration.
func (e *Engine) heapWrite(collection, id string, fields bson.M, lsn uint64) {
	hm, err := e.heapFor(collection)
	if err != nil || hm == nil {
		if err != nil {
			e.log.Error().Err(err).Str("collection", collection).Msg("heap unavailable")
		}
		return
	}
	data, err := bson.Marshal(fields)
	if err != nil {
		e.log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("encoding document for heap")
		return
	}

	e.heapMu.Lock()
	prev, ok := e.versions[collection][id]
	if !ok {
		prev = -1
	}
	e.heapMu.Unlock()

	offset, err := hm.Write(data, lsn, prev)
	if err != nil {
		e.log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("writing heap version")
		return
	}

	e.heapMu.Lock()
	e.versions[collection][id] = offset
	e.heapMu.Unlock()
}

// heapDelete tombstones id's latest heap version, mirroring the
// document's removal from the in-memory collection.
func (e *Engine) heapDelete(collection, id string, lsn uint64) {
	hm, err := e.heapFor(collection)
	if err != nil || hm == nil {
		return
	}
	e.heapMu.Lock()
	offset, ok := e.versions[collection][id]
	if ok {
		delete(e.versions[collection], id)
	}
	e.heapMu.Unlock()
	if !ok {
		return
	}
	if err := hm.Delete(offset, lsn); err != nil {
		e.log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("tombstoning heap version")
	}
}

// CreateCollection registers an empty collection. A no-op if it already
// exists.
func (e *Engine) CreateCollection(name string) *document.Collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.collections[name]; ok {
		return c
	}
	c := document.NewCollection(name)
	e.collections[name] = c
	return c
}

// DropCollection removes a collection and every index registered on it,
// tombstoning each of its documents for the garbage collector.
func (e *Engine) DropCollection(name string) {
	e.mu.Lock()
	c, ok := e.collections[name]
	delete(e.collections, name)
	e.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now().UTC()
	for _, doc := range c.All() {
		if err := e.logSystemOp(wal.EntryDelete, name, doc.ID, doc.Fields, nil); err != nil {
			e.log.Error().Err(err).Str("collection", name).Str("id", doc.ID).Msg("logging collection-drop delete")
		}
		e.gcColl.Mark(gc.Tombstone{Collection: name, ID: doc.ID, DeletedAt: now})
	}
	for _, ix := range e.indexes.All(name) {
		e.indexes.Drop(name, ix.Name)
	}
}

func (e *Engine) collection(name string) (*document.Collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.collections[name]
	if !ok {
		return nil, dberrors.NewNotFound("collection " + name + " not found")
	}
	return c, nil
}

// CreateIndex registers a new index on collection and backfills it from
// every document already present.
func (e *Engine) CreateIndex(collection string, d index.Descriptor) (*index.Index, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	ix, err := e.indexes.Create(collection, d)
	if err != nil {
		return nil, err
	}
	for _, doc := range c.All() {
		if err := ix.Insert(doc); err != nil {
			e.indexes.Drop(collection, d.Name)
			return nil, err
		}
	}
	return ix, nil
}

// Lookup resolves every document stored under key in the named index,
// recording a read on each one so isolation still applies to index access.
func (e *Engine) Lookup(ctx context.Context, txnID, collection, indexName string, key types.Comparable) ([]*document.Document, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	ix, ok := e.indexes.Get(collection, indexName)
	if !ok {
		return nil, dberrors.NewNotFound("index " + indexName + " not found on " + collection)
	}
	ids, _ := ix.Lookup(key)
	return e.resolveIDs(ctx, txnID, collection, c, ids)
}

// Scan evaluates cond against every key in the named index, in key order,
// and returns the matching documents. It uses cond's start-key hint to skip
// straight to the relevant part of the B-tree when possible.
func (e *Engine) Scan(ctx context.Context, txnID, collection, indexName string, cond *query.ScanCondition) ([]*document.Document, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	ix, ok := e.indexes.Get(collection, indexName)
	if !ok {
		return nil, dberrors.NewNotFound("index " + indexName + " not found on " + collection)
	}

	var start types.Comparable
	if cond.ShouldSeek() {
		start = cond.GetStartKey()
	}
	var ids []string
	for _, kv := range ix.Range(start, nil) {
		if !cond.ShouldContinue(kv.Key) {
			break
		}
		if cond.Matches(kv.Key) {
			ids = append(ids, kv.Values...)
		}
	}
	return e.resolveIDs(ctx, txnID, collection, c, ids)
}

func (e *Engine) resolveIDs(ctx context.Context, txnID, collection string, c *document.Collection, ids []string) ([]*document.Document, error) {
	docs := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		if err := e.coord.RecordRead(ctx, txnID, resourceID(collection, id)); err != nil {
			return nil, err
		}
		if doc, ok := c.Get(id); ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Begin starts a new transaction via the coordinator.
func (e *Engine) Begin(opts txn.BeginOptions) (*txn.TransactionContext, error) {
	return e.coord.Begin(opts)
}

func (e *Engine) Commit(txnID string) error   { return e.coord.Commit(txnID) }
func (e *Engine) Rollback(txnID string) error { return e.coord.Rollback(txnID) }
func (e *Engine) Abort(txnID, reason string) error {
	return e.coord.Abort(txnID, reason)
}

// Info and Active expose the coordinator's view of live transactions.
func (e *Engine) Info(txnID string) (*txn.TransactionContext, bool) { return e.coord.Info(txnID) }
func (e *Engine) Active() []*txn.TransactionContext                 { return e.coord.Active() }

// Savepoint and RollbackToSavepoint delegate to the coordinator, letting
// callers undo part of a transaction without discarding the whole thing.
func (e *Engine) Savepoint(txnID, name string) error {
	return e.coord.Savepoint(txnID, name)
}

func (e *Engine) RollbackToSavepoint(txnID, name string) error {
	return e.coord.RollbackToSavepoint(txnID, name)
}

func resourceID(collection, id string) string { return collection + ":" + id }

// Insert creates a document under txn, logging the insert to the WAL
// before applying it to the collection and every index, registering an
// undo closure so Rollback can remove it again.
func (e *Engine) Insert(ctx context.Context, txnID, collection, id string, fields map[string]interface{}) (*document.Document, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = document.GenerateID()
	}
	resource := resourceID(collection, id)
	lsn := e.coord.NextLSN()
	if err := e.coord.RecordWrite(ctx, txnID, resource, lsn, func() {
		if doc, ok := c.Get(id); ok {
			e.indexes.RemoveDocument(collection, doc)
		}
		c.Delete(id)
	}); err != nil {
		return nil, err
	}
	if err := e.appendDataEntry(wal.EntryInsert, lsn, txnID, collection, id, nil, bson.M(fields)); err != nil {
		return nil, err
	}

	doc, err := c.Insert(id, fields)
	if err != nil {
		return nil, err
	}
	if err := e.indexes.InsertDocument(collection, doc); err != nil {
		c.Delete(id)
		return nil, err
	}
	e.heapWrite(collection, id, doc.Fields, lsn)
	e.metrics.WALAppends.Inc()
	return doc, nil
}

// Get reads a document, recording the read in txn's read set and taking
// whatever lock its isolation level requires.
func (e *Engine) Get(ctx context.Context, txnID, collection, id string) (*document.Document, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	if err := e.coord.RecordRead(ctx, txnID, resourceID(collection, id)); err != nil {
		return nil, err
	}
	doc, ok := c.Get(id)
	if !ok {
		return nil, dberrors.NewNotFound("document " + id + " not found in " + collection)
	}
	return doc, nil
}

// Apply runs a batch of atomic operators against a document, all-or-
// nothing, registering an undo closure that restores the document and
// index entries to their pre-update state.
func (e *Engine) Apply(ctx context.Context, txnID, collection, id string, ops []document.Op) (*document.Document, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}

	// Lock before reading the current document: under strict 2PL the
	// Exclusive hold serializes every writer on this resource, so a
	// before-image read only reflects the truly latest committed state
	// once the lock is actually granted, not whenever this call happens
	// to race in. Reading before Lock would let a concurrent writer's
	// commit land between the read and the grant, staging the WAL
	// after-image and rollback undo against data already superseded.
	resource := resourceID(collection, id)
	if err := e.coord.Lock(ctx, txnID, resource); err != nil {
		return nil, err
	}

	before, ok := c.Get(id)
	if !ok {
		return nil, dberrors.NewNotFound("document " + id + " not found in " + collection)
	}

	lsn := e.coord.NextLSN()
	if err := e.coord.RecordUndo(txnID, resource, lsn, func() {
		current, hadCurrent := c.Get(id)
		c.Replace(id, before.Fields)
		if hadCurrent {
			if restored, ok := c.Get(id); ok {
				e.indexes.UpdateDocument(collection, current, restored)
			}
		}
	}); err != nil {
		return nil, err
	}
	// Stage the after-image on a clone first so the WAL record (the
	// write-ahead rule's durability boundary) carries the real result,
	// not just a marker, before UpdateMultiple commits it to the store.
	staged, err := document.UpdateMultiple(before, collection, ops)
	if err != nil {
		return nil, err
	}
	if err := e.appendDataEntry(wal.EntryUpdate, lsn, txnID, collection, id, before.Fields, staged.Fields); err != nil {
		return nil, err
	}

	updated, err := c.UpdateMultiple(id, ops)
	if err != nil {
		return nil, err
	}
	if err := e.indexes.UpdateDocument(collection, before, updated); err != nil {
		c.Replace(id, before.Fields)
		return nil, err
	}
	e.heapWrite(collection, id, updated.Fields, lsn)
	e.metrics.WALAppends.Inc()
	return updated, nil
}

// Delete removes a document, tombstoning it for the garbage collector and
// registering an undo closure that restores it on rollback.
func (e *Engine) Delete(ctx context.Context, txnID, collection, id string) error {
	c, err := e.collection(collection)
	if err != nil {
		return err
	}

	// Same ordering fix as Apply: lock first, then read the before-image,
	// so a concurrent writer can never land a commit between the read and
	// the grant and leave the logged before-image (and rollback undo)
	// stale.
	resource := resourceID(collection, id)
	if err := e.coord.Lock(ctx, txnID, resource); err != nil {
		return err
	}

	before, ok := c.Get(id)
	if !ok {
		return dberrors.NewNotFound("document " + id + " not found in " + collection)
	}

	lsn := e.coord.NextLSN()
	if err := e.coord.RecordUndo(txnID, resource, lsn, func() {
		c.Insert(id, before.Fields)
		if restored, ok := c.Get(id); ok {
			e.indexes.InsertDocument(collection, restored)
		}
	}); err != nil {
		return err
	}
	if err := e.appendDataEntry(wal.EntryDelete, lsn, txnID, collection, id, before.Fields, nil); err != nil {
		return err
	}

	c.Delete(id)
	e.indexes.RemoveDocument(collection, before)
	e.heapDelete(collection, id, lsn)
	e.gcColl.Mark(gc.Tombstone{Collection: collection, ID: id, DeletedAt: time.Now().UTC()})
	e.metrics.WALAppends.Inc()
	return nil
}

// Checkpoint flushes the WAL, appends a Checkpoint record naming every
// currently active transaction, durably persists the checkpoint
// metadata file, and truncates segments the new checkpoint fully
// supersedes. Returns the checkpoint's LSN.
func (e *Engine) Checkpoint(ctx context.Context) (uint64, error) {
	start := time.Now()
	defer func() { e.metrics.CheckpointDuration.Observe(time.Since(start).Seconds()) }()

	if err := e.walWriter.Sync(); err != nil {
		return 0, dberrors.WrapIOError(err, "flushing WAL before checkpoint")
	}

	active := e.coord.Active()
	activeIDs := make([]string, len(active))
	for i, tx := range active {
		activeIDs[i] = tx.ID
	}

	lsn := e.coord.NextLSN()
	payload, err := wal.EncodeCheckpointTxns(activeIDs)
	if err != nil {
		return 0, dberrors.WrapIOError(err, "encoding checkpoint payload")
	}
	entry := wal.AcquireEntry()
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = 1
	entry.Header.EntryType = wal.EntryCheckpoint
	entry.Header.LSN = lsn
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	writeErr := e.walWriter.WriteEntry(entry)
	wal.ReleaseEntry(entry)
	if writeErr != nil {
		return 0, writeErr
	}
	if err := e.walWriter.Sync(); err != nil {
		return 0, dberrors.WrapIOError(err, "flushing checkpoint record")
	}

	meta := wal.CheckpointMeta{LSN: lsn, Timestamp: time.Now().UTC(), ActiveTxns: activeIDs}
	if err := wal.WriteCheckpointFile(e.walWriter.Dir(), meta); err != nil {
		return 0, dberrors.WrapIOError(err, "writing checkpoint metadata")
	}
	e.metrics.Checkpoints.Inc()

	if err := e.walWriter.TruncateBefore(lsn); err != nil {
		e.log.Warn().Err(err).Msg("truncating WAL segments before checkpoint")
	}
	return lsn, nil
}

// SetExpiry registers id's TTL deadline with both the document (so Get
// reflects it) and the TTL service (so the sweep finds it).
func (e *Engine) SetExpiry(collection, id string, at time.Time) error {
	c, err := e.collection(collection)
	if err != nil {
		return err
	}
	if err := c.SetExpiry(id, &at); err != nil {
		return err
	}
	e.ttlSvc.SetExpiry(collection, id, at)
	return nil
}

func (e *Engine) ttlDelete(collection, id string) error {
	c, err := e.collection(collection)
	if err != nil {
		return err
	}
	doc, ok := c.Get(id)
	if !ok {
		return nil
	}
	if err := e.logSystemOp(wal.EntryDelete, collection, id, doc.Fields, nil); err != nil {
		e.log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("logging TTL delete")
	}
	e.indexes.RemoveDocument(collection, doc)
	c.Delete(id)
	e.heapDelete(collection, id, e.coord.NextLSN())
	e.gcColl.Mark(gc.Tombstone{Collection: collection, ID: id, DeletedAt: time.Now().UTC()})
	return nil
}

// reclaim is the garbage collector's physical-removal callback. The core
// keeps no on-disk per-document file in this in-memory configuration, so
// there is nothing to unlink; a persistent deployment would compact the
// collection's heap segment here instead.
func (e *Engine) reclaim(t gc.Tombstone) (int64, error) {
	return t.SizeHint, nil
}

// appendDataEntry writes an Insert/Update/Delete record carrying enough
// of the before/after image for crash recovery to materialize (or
// correctly omit) its effect.
func (e *Engine) appendDataEntry(entryType uint8, lsn uint64, txnID, collection, id string, before, after bson.M) error {
	beforeImg, err := wal.EncodeImage(before)
	if err != nil {
		return dberrors.WrapIOError(err, "encoding before-image")
	}
	afterImg, err := wal.EncodeImage(after)
	if err != nil {
		return dberrors.WrapIOError(err, "encoding after-image")
	}
	payload, err := wal.EncodeDataPayload(wal.DataPayload{
		TxnID:      txnID,
		Collection: collection,
		DocID:      id,
		Before:     beforeImg,
		After:      afterImg,
	})
	if err != nil {
		return dberrors.WrapIOError(err, "encoding WAL payload")
	}

	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = 1
	entry.Header.EntryType = entryType
	entry.Header.LSN = lsn
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	return e.walWriter.WriteEntry(entry)
}

// logSystemOp brackets a single Insert/Update/Delete record in its own
// committed mini-transaction — Begin, the data record, Commit — for
// writes the engine makes outside any caller-visible transaction (the
// TTL sweep, a collection drop). Bracketing it this way keeps recovery's
// Begin/Commit bookkeeping uniform: every data record belongs to some
// transaction ID that is unambiguously Committed or not.
func (e *Engine) logSystemOp(entryType uint8, collection, id string, before, after bson.M) error {
	txnID := "sys_" + document.GenerateID()
	if err := e.coord.AppendMarker(wal.EntryBegin, txnID); err != nil {
		return err
	}
	lsn := e.coord.NextLSN()
	if err := e.appendDataEntry(entryType, lsn, txnID, collection, id, before, after); err != nil {
		return err
	}
	return e.coord.AppendMarker(wal.EntryCommit, txnID)
}
