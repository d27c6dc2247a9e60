// Package txn implements the transaction coordinator:
// begin/commit/rollback/abort, named savepoints, isolation levels, and a
// background timeout scanner. Commit follows a buffer-then-WAL-then-apply
// shape, with marker helpers for the Begin/Commit/Abort records, and the
// Coordinator's active-transaction registry, which also tracks the minimum
// in-flight start time for the GC's retention watermark. Locking is
// delegated to pkg/lockmgr; durability to pkg/wal.
package txn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/lockmgr"
	"github.com/bobboyms/docengine/pkg/wal"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Isolation selects how much locking reads perform and how long read
// locks are held.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// State is a TransactionContext's position in its lifecycle state machine.
// Committed, RolledBack, Aborted, and Failed are terminal sinks.
type State int

const (
	Active State = iota
	Preparing
	Committed
	RollingBack
	RolledBack
	Aborted
	Failed
)

func (s State) String() string {
	return [...]string{"Active", "Preparing", "Committed", "RollingBack", "RolledBack", "Aborted", "Failed"}[s]
}

// Savepoint captures a rollback point within a transaction: the WAL LSN
// and operation count at the moment it was created.
type Savepoint struct {
	Name    string
	LSN     uint64
	OpCount int
}

// undoOp is a before-image recorded for one write: calling Undo restores
// the collection/index state to what it was before the operation ran.
type undoOp struct {
	LSN  uint64
	Undo func()
}

// TransactionContext is the coordinator's bookkeeping record for one
// in-flight (or just-finished) transaction.
type TransactionContext struct {
	ID          string
	State       State
	Isolation   Isolation
	StartedAt   time.Time
	ExpiresAt   *time.Time
	OpCount     int
	ReadSet     map[string]struct{}
	WriteSet    []string // resource IDs touched, for diagnostics
	Savepoints  []Savepoint
	FailReason  string

	mu   sync.Mutex
	undo []undoOp
}

// EventKind names the events the coordinator emits.
type EventKind int

const (
	EventCommit EventKind = iota
	EventRollback
	EventAbort
	EventDeadlockVictim
)

type Event struct {
	Kind   EventKind
	TxnID  string
	Reason string
	At     time.Time
}

// Options configures a Coordinator, following the package's established
// Options/DefaultOptions idiom.
type Options struct {
	// TimeoutScanInterval is how often the background timer checks for
	// expired transactions.
	TimeoutScanInterval time.Duration
	// DefaultTxnTTL is applied to Begin calls that don't set their own
	// ExpiresAt.
	DefaultTxnTTL time.Duration
	Logger        zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		TimeoutScanInterval: 30 * time.Second,
		DefaultTxnTTL:       5 * time.Minute,
		Logger:              zerolog.Nop(),
	}
}

// BeginOptions customizes a single Begin call.
type BeginOptions struct {
	Isolation Isolation
	TTL       time.Duration // 0 uses Options.DefaultTxnTTL; negative disables expiry
}

// Coordinator is the transaction coordinator: it owns the registry of
// active contexts, assigns time-ordered IDs, and drives WAL + lock
// manager on every lifecycle transition.
type Coordinator struct {
	opts Options
	wal  *wal.WALWriter
	lm   *lockmgr.LockManager
	lsn  *wal.LSNTracker

	mu       sync.Mutex
	active   map[string]*TransactionContext
	seq      uint64
	handlers []func(Event)

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(w *wal.WALWriter, lm *lockmgr.LockManager, lsn *wal.LSNTracker, opts Options) *Coordinator {
	if lsn == nil {
		lsn = wal.NewLSNTracker(0)
	}
	return &Coordinator{
		opts:   opts,
		wal:    w,
		lm:     lm,
		lsn:    lsn,
		active: make(map[string]*TransactionContext),
	}
}

// NextLSN hands out the next log sequence number from the coordinator's
// shared tracker, for callers (the document store, checkpoints) that
// write their own WAL entries but must stay ordered with Begin/Commit
// markers.
func (c *Coordinator) NextLSN() uint64 {
	return c.lsn.Next()
}

// OnEvent registers a handler invoked synchronously for every commit,
// rollback, abort, and deadlock-victim event.
func (c *Coordinator) OnEvent(h func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Coordinator) emit(ev Event) {
	c.mu.Lock()
	handlers := append([]func(Event){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Start launches the 30s timeout scanner, supervised by an errgroup so a
// panic surfaces through Stop's Wait rather than killing a bare goroutine,
// matching pkg/lockmgr's detector loop.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error {
		ticker := time.NewTicker(c.opts.TimeoutScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				c.scanTimeouts()
			}
		}
	})
}

func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		c.group.Wait()
	}
}

func (c *Coordinator) scanTimeouts() {
	now := time.Now().UTC()
	c.mu.Lock()
	var expired []string
	for id, tx := range c.active {
		if tx.ExpiresAt != nil && now.After(*tx.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.Abort(id, "Transaction timed out.")
	}
}

// nextID builds a "txn_<utc-yyyyMMddHHmmss>_<8-digit-sequence>_<random-128-bit>"
// identifier: time-prefixed so IDs sort by start time, which
// the lock manager's youngest-victim policy relies on.
func (c *Coordinator) nextID(now time.Time) string {
	seq := atomic.AddUint64(&c.seq, 1)
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("txn_%s_%08d_%s", now.UTC().Format("20060102150405"), seq%100000000, hex.EncodeToString(buf[:]))
}

// Begin appends a Begin record to the WAL, then registers the context.
// A WAL append that succeeds but is followed by a
// registration failure is a programming error: the ID is burned rather
// than reused, so we panic instead of silently reusing transaction IDs.
func (c *Coordinator) Begin(opts BeginOptions) (*TransactionContext, error) {
	now := time.Now().UTC()
	id := c.nextID(now)

	if err := c.appendMarker(wal.EntryBegin, id); err != nil {
		return nil, err
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.opts.DefaultTxnTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	tx := &TransactionContext{
		ID:        id,
		State:     Active,
		Isolation: opts.Isolation,
		StartedAt: now,
		ExpiresAt: expiresAt,
		ReadSet:   make(map[string]struct{}),
	}

	c.mu.Lock()
	if _, exists := c.active[id]; exists {
		c.mu.Unlock()
		panic("txn: duplicate transaction ID " + id + " generated after WAL append")
	}
	c.active[id] = tx
	c.mu.Unlock()

	return tx, nil
}

// get returns the active context for id, or a NotFound error.
func (c *Coordinator) get(id string) (*TransactionContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[id]
	if !ok {
		return nil, dberrors.NewNotFound("transaction " + id + " not found")
	}
	return tx, nil
}

// Info returns the context for id without mutating it.
func (c *Coordinator) Info(id string) (*TransactionContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[id]
	return tx, ok
}

// Active returns every transaction currently tracked (any non-terminal
// state), for diagnostics and the GC's retention watermark.
func (c *Coordinator) Active() []*TransactionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*TransactionContext, 0, len(c.active))
	for _, tx := range c.active {
		out = append(out, tx)
	}
	return out
}

// OldestStartTime returns the earliest StartedAt among active
// transactions, or zero if none are active — the GC uses this as its
// retention watermark.
func (c *Coordinator) OldestStartTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	found := false
	for _, tx := range c.active {
		if !found || tx.StartedAt.Before(oldest) {
			oldest = tx.StartedAt
			found = true
		}
	}
	return oldest, found
}

// Lock takes the transactional Exclusive lock on resource for txn,
// without registering an undo closure. Split out from RecordWrite for
// callers (Apply, Delete) that must read the document's current state
// *after* the lock is held — otherwise, under concurrent writers, a
// before-image read ahead of the lock can go stale by the time the lock
// is actually granted, corrupting both the WAL's after-image and the
// rollback undo closure. Insert has no such before-state to read and
// still calls RecordWrite directly.
func (c *Coordinator) Lock(ctx context.Context, txnID, resource string) error {
	if _, err := c.get(txnID); err != nil {
		return err
	}
	return c.lm.Acquire(ctx, txnID, resource, lockmgr.Exclusive)
}

// RecordUndo registers a before-image undo closure for a write already
// protected by a prior call to Lock on the same resource. The LSN
// supplied should be the WAL LSN assigned to the write, so
// RollbackToSavepoint can discard only operations after a given point.
func (c *Coordinator) RecordUndo(txnID, resource string, lsn uint64, undo func()) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	tx.OpCount++
	tx.WriteSet = append(tx.WriteSet, resource)
	tx.undo = append(tx.undo, undoOp{LSN: lsn, Undo: undo})
	tx.mu.Unlock()
	return nil
}

// RecordWrite registers a before-image undo closure for a write the
// caller is about to apply under txn, taking the transactional
// Exclusive lock on resource first. Composes
// Lock and RecordUndo; callers that need to read state between
// acquiring the lock and staging the undo closure should call those two
// steps directly instead.
func (c *Coordinator) RecordWrite(ctx context.Context, txnID, resource string, lsn uint64, undo func()) error {
	if err := c.Lock(ctx, txnID, resource); err != nil {
		return err
	}
	return c.RecordUndo(txnID, resource, lsn, undo)
}

// RecordRead takes the read-side lock isolation dictates and tracks the
// resource in the read set for RepeatableRead/Serializable.
func (c *Coordinator) RecordRead(ctx context.Context, txnID, resource string) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}

	switch tx.Isolation {
	case ReadUncommitted:
		return nil
	case ReadCommitted:
		if err := c.lm.Acquire(ctx, txnID, resource, lockmgr.Shared); err != nil {
			return err
		}
		c.lm.Release(txnID, resource)
	case RepeatableRead:
		if err := c.lm.Acquire(ctx, txnID, resource, lockmgr.Shared); err != nil {
			return err
		}
	case Serializable:
		if err := c.lm.Acquire(ctx, txnID, resource, lockmgr.Exclusive); err != nil {
			return err
		}
	}

	tx.mu.Lock()
	tx.ReadSet[resource] = struct{}{}
	tx.mu.Unlock()
	return nil
}

// Savepoint records a named rollback point at the transaction's current
// WAL position and operation count.
func (c *Coordinator) Savepoint(txnID, name string) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var lsn uint64
	if n := len(tx.undo); n > 0 {
		lsn = tx.undo[n-1].LSN
	}
	tx.Savepoints = append(tx.Savepoints, Savepoint{Name: name, LSN: lsn, OpCount: tx.OpCount})
	return nil
}

// RollbackToSavepoint undoes every operation recorded after the named
// savepoint (LSN strictly greater than the savepoint's) and discards
// savepoints created after it; the named savepoint itself remains valid.
func (c *Coordinator) RollbackToSavepoint(txnID, name string) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()

	idx := -1
	for i, sp := range tx.Savepoints {
		if sp.Name == name {
			idx = i
		}
	}
	if idx == -1 {
		return dberrors.NewNotFound("savepoint " + name + " not found on transaction " + txnID)
	}
	target := tx.Savepoints[idx]

	for i := len(tx.undo) - 1; i >= 0; i-- {
		if tx.undo[i].LSN <= target.LSN {
			break
		}
		tx.undo[i].Undo()
		tx.undo = tx.undo[:i]
	}
	tx.OpCount = target.OpCount
	tx.Savepoints = tx.Savepoints[:idx+1]
	return nil
}

// Commit transitions Active -> Preparing -> Committed: append Commit to
// the WAL, flush until durable, release all locks, emit an event. Any
// failure along the way transitions the context to Failed; locks are
// still released and the entry removed.
func (c *Coordinator) Commit(txnID string) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	tx.State = Preparing
	tx.mu.Unlock()

	if err := c.appendMarker(wal.EntryCommit, txnID); err != nil {
		c.fail(tx, err)
		return err
	}
	if c.wal != nil {
		if err := c.wal.Sync(); err != nil {
			c.fail(tx, err)
			return dberrors.WrapIOError(err, "flushing commit record")
		}
	}

	c.lm.ReleaseAll(txnID)
	tx.mu.Lock()
	tx.State = Committed
	tx.mu.Unlock()

	c.mu.Lock()
	delete(c.active, txnID)
	c.mu.Unlock()

	c.emit(Event{Kind: EventCommit, TxnID: txnID, At: time.Now().UTC()})
	return nil
}

func (c *Coordinator) fail(tx *TransactionContext, cause error) {
	tx.mu.Lock()
	tx.State = Failed
	tx.FailReason = cause.Error()
	tx.mu.Unlock()
	c.lm.ReleaseAll(tx.ID)
	c.mu.Lock()
	delete(c.active, tx.ID)
	c.mu.Unlock()
}

// Rollback undoes every recorded operation in reverse order, releases all
// locks, and transitions to RolledBack.
func (c *Coordinator) Rollback(txnID string) error {
	return c.rollback(txnID, EventRollback, "")
}

// Abort is Rollback plus an event carrying a reason.
func (c *Coordinator) Abort(txnID, reason string) error {
	return c.rollback(txnID, EventAbort, reason)
}

// AbortDeadlockVictim is Abort's deadlock-specific counterpart, the
// coordinator-side half of victim handling: once it runs, the victim is
// no longer registered, so its subsequent operations fail with NotFound. The
// LockManager's periodic detector (or its proactive check) has already
// force-released the victim's locks by the time this runs; this call
// additionally undoes the victim's in-memory writes, transitions it out
// of Active, and emits EventDeadlockVictim rather than EventAbort so
// observers can tell a deadlock-forced abort from a caller-requested
// one. A victim that has already committed or been removed by the time
// this runs (a race between detection and a concurrent Commit) is
// reported back to the caller rather than panicking.
func (c *Coordinator) AbortDeadlockVictim(txnID string) error {
	return c.rollback(txnID, EventDeadlockVictim, "deadlock victim: locks force-released")
}

// rollback shares the undo/release/state-transition mechanics of
// Rollback, Abort, and AbortDeadlockVictim; all three append the same
// EntryAbort marker, so the distinction that matters downstream is the
// emitted event kind and reason string.
func (c *Coordinator) rollback(txnID string, kind EventKind, reason string) error {
	tx, err := c.get(txnID)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	tx.State = RollingBack
	undo := tx.undo
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i].Undo()
	}

	if err := c.appendMarker(wal.EntryAbort, txnID); err != nil {
		c.opts.Logger.Warn().Err(err).Str("txn_id", txnID).Msg("failed to append rollback marker")
	}

	c.lm.ReleaseAll(txnID)

	tx.mu.Lock()
	tx.State = RolledBack
	tx.FailReason = reason
	tx.mu.Unlock()

	c.mu.Lock()
	delete(c.active, txnID)
	c.mu.Unlock()

	c.emit(Event{Kind: kind, TxnID: txnID, Reason: reason, At: time.Now().UTC()})
	return nil
}

// AppendMarker appends a bare Begin/Commit/Rollback marker record outside
// the normal Begin/Commit/Abort lifecycle, for callers (like a
// background TTL sweep or collection drop) that need their own
// WAL-bracketed mini-transaction rather than one registered in the
// active-transaction table.
func (c *Coordinator) AppendMarker(entryType uint8, txnID string) error {
	return c.appendMarker(entryType, txnID)
}

func (c *Coordinator) appendMarker(entryType uint8, txnID string) error {
	if c.wal == nil {
		return nil
	}
	entry := wal.AcquireEntry()
	defer wal.ReleaseEntry(entry)
	entry.Header.Magic = wal.WALMagic
	entry.Header.Version = 1
	entry.Header.EntryType = entryType
	entry.Header.LSN = c.lsn.Next()
	payload := []byte(txnID)
	entry.Header.PayloadLen = uint32(len(payload))
	entry.Header.CRC32 = wal.CalculateCRC32(payload)
	entry.Payload = append(entry.Payload, payload...)
	return c.wal.WriteEntry(entry)
}
