// Package lockmgr implements a strict two-phase-locking resource
// manager: shared/exclusive locks keyed by an opaque resource ID, a FIFO
// wait queue per resource, and a deadlock detector over the wait-for
// graph (DFS cycle search, youngest-victim resolution). The detector's
// background loop is supervised with golang.org/x/sync/errgroup.
package lockmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Mode is the granularity of a lock request.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "Exclusive"
	}
	return "Shared"
}

// Options configures a LockManager, following the package's established
// Options/DefaultOptions idiom.
type Options struct {
	// DetectInterval is how often the periodic full wait-for-graph scan
	// runs, supplementing the proactive check done at Acquire time.
	DetectInterval time.Duration
	// DefaultTimeout bounds how long Acquire blocks before returning a
	// Timeout error when the caller passes a context with no deadline.
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		DetectInterval: 5 * time.Second,
		DefaultTimeout: 10 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

type waiter struct {
	txn    string
	mode   Mode
	ready  chan struct{}
	denied error
}

type resourceLocks struct {
	holders map[string]Mode // txn -> mode held
	queue   []*waiter
}

func (r *resourceLocks) compatible(mode Mode) bool {
	if len(r.holders) == 0 {
		return true
	}
	if mode == Shared {
		for _, m := range r.holders {
			if m == Exclusive {
				return false
			}
		}
		return true
	}
	// Exclusive is only compatible with an empty holder set, or with a
	// lone holder that is itself upgrading (handled by caller).
	return false
}

// LockManager grants and tracks shared/exclusive locks over opaque
// resource IDs (e.g. "collection:documentID" or "collection:field:key"
// for index-range locks). Locks are normally held until ReleaseAll is
// called at commit/rollback; Release frees a single lock early.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*resourceLocks
	heldBy    map[string]map[string]Mode // txn -> resource -> mode, for ReleaseAll and wait-for graph
	waitFor   map[string]string          // txn -> resource it is blocked on (proactive + periodic detector input)

	opts   Options
	cancel context.CancelFunc
	group  *errgroup.Group

	// onWait/onDeadlock are optional metrics hooks the owning Engine wires
	// via SetMetricsHooks; nil until then, so bare LockManagers (as in this
	// package's own tests) don't need to set them. onDeadlock carries the
	// chosen victim's transaction ID so the Engine can drive
	// txn.Coordinator.AbortDeadlockVictim, not just bump a counter.
	onWait     func(time.Duration)
	onDeadlock func(victim string)
}

func New(opts Options) *LockManager {
	lm := &LockManager{
		resources: make(map[string]*resourceLocks),
		heldBy:    make(map[string]map[string]Mode),
		waitFor:   make(map[string]string),
		opts:      opts,
	}
	return lm
}

// SetMetricsHooks registers callbacks invoked whenever Acquire actually
// blocks (with the time spent waiting) and whenever a deadlock is
// detected, proactively or by the periodic scan, naming the chosen
// victim. Either argument may be nil.
func (lm *LockManager) SetMetricsHooks(onWait func(time.Duration), onDeadlock func(victim string)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.onWait = onWait
	lm.onDeadlock = onDeadlock
}

// Start launches the periodic deadlock-detection loop, supervised by an
// errgroup so a panic inside the loop surfaces through Wait instead of
// silently killing a bare goroutine.
func (lm *LockManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	lm.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	lm.group = g
	g.Go(func() error {
		ticker := time.NewTicker(lm.opts.DetectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				lm.detectDeadlocks()
			}
		}
	})
}

// Stop halts the detector loop and waits for it to exit.
func (lm *LockManager) Stop() {
	if lm.cancel != nil {
		lm.cancel()
	}
	if lm.group != nil {
		lm.group.Wait()
	}
}

// Acquire blocks until txn holds mode on resource, ctx is done, or the
// proactive/periodic detector picks txn as a deadlock victim. Acquiring a
// lock txn already holds in a compatible (or weaker) mode is a no-op;
// requesting Exclusive while holding Shared upgrades in place.
func (lm *LockManager) Acquire(ctx context.Context, txn, resource string, mode Mode) error {
	lm.mu.Lock()

	if held, ok := lm.heldBy[txn][resource]; ok {
		if held == Exclusive || held == mode {
			lm.mu.Unlock()
			return nil
		}
		// Shared -> Exclusive upgrade: treat as a fresh exclusive request
		// but exempt txn's own shared hold from the compatibility check.
	}

	rl := lm.resources[resource]
	if rl == nil {
		rl = &resourceLocks{holders: make(map[string]Mode)}
		lm.resources[resource] = rl
	}

	// Grant at once only when nobody is queued ahead, or when txn is the
	// sole holder upgrading; otherwise join the FIFO queue.
	_, holdsHere := rl.holders[txn]
	soleHolder := holdsHere && len(rl.holders) == 1
	if (len(rl.queue) == 0 || soleHolder) && lm.canGrantLocked(rl, txn, mode) {
		lm.grantLocked(rl, txn, resource, mode)
		lm.mu.Unlock()
		return nil
	}

	w := &waiter{txn: txn, mode: mode, ready: make(chan struct{})}
	rl.queue = append(rl.queue, w)
	lm.waitFor[txn] = resource

	if cycle := lm.findCycleLocked(txn); cycle != nil {
		lm.removeWaiterLocked(rl, w)
		delete(lm.waitFor, txn)
		victim := youngestVictim(cycle)
		onDeadlock := lm.onDeadlock
		lm.mu.Unlock()
		if onDeadlock != nil {
			onDeadlock(victim)
		}
		return &dberrors.DeadlockError{Victim: victim, ResourceID: resource, Cycle: cycle}
	}
	onWait := lm.onWait
	lm.mu.Unlock()

	waitStart := time.Now()
	timeout := lm.opts.DefaultTimeout
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case <-w.ready:
		if onWait != nil {
			onWait(time.Since(waitStart))
		}
		if w.denied != nil {
			return w.denied
		}
		return nil
	case <-ctx.Done():
		lm.mu.Lock()
		lm.removeWaiterLocked(rl, w)
		delete(lm.waitFor, txn)
		lm.mu.Unlock()
		return dberrors.NewTimeout("lock wait cancelled: " + ctx.Err().Error())
	case <-timeoutCh:
		lm.mu.Lock()
		lm.removeWaiterLocked(rl, w)
		delete(lm.waitFor, txn)
		lm.mu.Unlock()
		return dberrors.NewTimeout("lock wait exceeded " + timeout.String() + " on resource " + resource)
	}
}

func (lm *LockManager) canGrantLocked(rl *resourceLocks, txn string, mode Mode) bool {
	if len(rl.holders) == 0 {
		return true
	}
	if held, ok := rl.holders[txn]; ok && len(rl.holders) == 1 {
		// Only holder is txn itself: any mode change is an in-place upgrade.
		_ = held
		return true
	}
	if mode == Shared {
		for h, m := range rl.holders {
			if h != txn && m == Exclusive {
				return false
			}
		}
		return true
	}
	return false
}

func (lm *LockManager) grantLocked(rl *resourceLocks, txn, resource string, mode Mode) {
	rl.holders[txn] = mode
	if lm.heldBy[txn] == nil {
		lm.heldBy[txn] = make(map[string]Mode)
	}
	lm.heldBy[txn][resource] = mode
}

func (lm *LockManager) removeWaiterLocked(rl *resourceLocks, w *waiter) {
	for i, q := range rl.queue {
		if q == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			return
		}
	}
}

// ReleaseAll drops every lock txn holds, waking any waiter now compatible
// with the remaining holder set. Called once at commit, rollback, or
// abort — per strict 2PL, never mid-transaction. Returns the number of
// resources released.
func (lm *LockManager) ReleaseAll(txn string) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.releaseAllLocked(txn)
}

// releaseAllLocked is ReleaseAll's body, split out so the periodic
// deadlock detector can force-release a victim's held locks from inside
// its own critical section: it already holds lm.mu when it picks a
// victim, and calling the public ReleaseAll there would re-lock it and
// deadlock the detector against itself.
func (lm *LockManager) releaseAllLocked(txn string) int {
	held := lm.heldBy[txn]
	delete(lm.heldBy, txn)
	delete(lm.waitFor, txn)

	for resource := range held {
		rl := lm.resources[resource]
		if rl == nil {
			continue
		}
		delete(rl.holders, txn)
		lm.wakeEligibleLocked(resource, rl)
		if len(rl.holders) == 0 && len(rl.queue) == 0 {
			delete(lm.resources, resource)
		}
	}
	return len(held)
}

// Release drops a single lock txn holds on resource, waking any waiter
// now compatible with the remaining holder set. Returns false if txn did
// not hold a lock on resource. This is the early-release path
// ReadCommitted uses: hold the Shared lock only for the read, not to
// commit.
func (lm *LockManager) Release(txn, resource string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.heldBy[txn][resource]; !ok {
		return false
	}
	delete(lm.heldBy[txn], resource)
	if len(lm.heldBy[txn]) == 0 {
		delete(lm.heldBy, txn)
	}

	rl := lm.resources[resource]
	if rl == nil {
		return true
	}
	delete(rl.holders, txn)
	lm.wakeEligibleLocked(resource, rl)
	if len(rl.holders) == 0 && len(rl.queue) == 0 {
		delete(lm.resources, resource)
	}
	return true
}

// HasLock reports whether txn currently holds any lock on resource, and
// in which mode.
func (lm *LockManager) HasLock(txn, resource string) (Mode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	mode, ok := lm.heldBy[txn][resource]
	return mode, ok
}

// LockMode reports the mode txn currently holds on resource. Distinct
// name from HasLock for callers
// that already know a lock is held and just want its mode.
func (lm *LockManager) LockMode(txn, resource string) (Mode, bool) {
	return lm.HasLock(txn, resource)
}

// Upgrade requests an Exclusive lock on resource for a txn that already
// holds Shared. It enqueues ahead of any Shared waiter that arrives
// after this call (Acquire's FIFO queue already guarantees that), waits
// only if another transaction also holds Shared on resource, and leaves
// txn's original Shared lock untouched if ctx is done or the timeout
// elapses before the upgrade is granted: a true non-releasing upgrade,
// never release-and-reacquire.
func (lm *LockManager) Upgrade(ctx context.Context, txn, resource string) error {
	return lm.Acquire(ctx, txn, resource, Exclusive)
}

// LocksOf returns every resource txn currently holds a lock on. Alias of
// HeldResources.
func (lm *LockManager) LocksOf(txn string) []string {
	return lm.HeldResources(txn)
}

// LocksOn returns the transaction IDs currently holding a lock on
// resource.
func (lm *LockManager) LocksOn(resource string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl := lm.resources[resource]
	if rl == nil {
		return nil
	}
	out := make([]string, 0, len(rl.holders))
	for txn := range rl.holders {
		out = append(out, txn)
	}
	return out
}

func (lm *LockManager) wakeEligibleLocked(resource string, rl *resourceLocks) {
	for len(rl.queue) > 0 {
		w := rl.queue[0]
		if !lm.canGrantLocked(rl, w.txn, w.mode) {
			break
		}
		rl.queue = rl.queue[1:]
		lm.grantLocked(rl, w.txn, resource, w.mode)
		delete(lm.waitFor, w.txn)
		close(w.ready)
	}
}

// HeldResources returns the resources txn currently holds a lock on, for
// diagnostics and tests.
func (lm *LockManager) HeldResources(txn string) []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]string, 0, len(lm.heldBy[txn]))
	for r := range lm.heldBy[txn] {
		out = append(out, r)
	}
	return out
}

// findCycleLocked runs a DFS from txn over the wait-for graph (txn ->
// resource it awaits -> that resource's holders), returning the cycle of
// transaction IDs if txn's wait would close a loop. Must be called with
// lm.mu held.
func (lm *LockManager) findCycleLocked(start string) []string {
	visited := make(map[string]bool)
	var path []string

	var visit func(txn string) []string
	visit = func(txn string) []string {
		for _, p := range path {
			if p == txn {
				return append(append([]string{}, path...), txn)
			}
		}
		if visited[txn] {
			return nil
		}
		visited[txn] = true
		path = append(path, txn)
		defer func() { path = path[:len(path)-1] }()

		resource, waiting := lm.waitFor[txn]
		if !waiting {
			return nil
		}
		rl := lm.resources[resource]
		if rl == nil {
			return nil
		}
		for holder := range rl.holders {
			if holder == txn {
				continue
			}
			if cycle := visit(holder); cycle != nil {
				return cycle
			}
		}
		return nil
	}

	return visit(start)
}

func (lm *LockManager) detectDeadlocks() {
	lm.mu.Lock()
	waiting := make([]string, 0, len(lm.waitFor))
	for txn := range lm.waitFor {
		waiting = append(waiting, txn)
	}
	sort.Strings(waiting)

	var victimCycle []string
	var victimTxn string
	for _, txn := range waiting {
		if cycle := lm.findCycleLocked(txn); cycle != nil {
			victimCycle = cycle
			victimTxn = youngestVictim(cycle)
			break
		}
	}
	if victimTxn == "" {
		lm.mu.Unlock()
		return
	}

	resource := lm.waitFor[victimTxn]
	rl := lm.resources[resource]
	if rl != nil {
		for i, w := range rl.queue {
			if w.txn == victimTxn {
				rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
				w.denied = &dberrors.DeadlockError{Victim: victimTxn, ResourceID: resource, Cycle: victimCycle}
				close(w.ready)
				break
			}
		}
	}
	delete(lm.waitFor, victimTxn)

	// Force-release every lock the victim already holds on OTHER
	// resources, not just the one it was blocked on; this is what breaks the
	// cycle for the transactions the victim was blocking. Done here,
	// inside the same critical section the detector already holds, via
	// releaseAllLocked rather than ReleaseAll (which would re-lock lm.mu).
	releasedResources := len(lm.heldBy[victimTxn])
	lm.releaseAllLocked(victimTxn)

	lm.opts.Logger.Warn().
		Str("victim", victimTxn).
		Str("resource_id", resource).
		Strs("cycle", victimCycle).
		Int("locks_released", releasedResources).
		Msg("deadlock detected")
	onDeadlock := lm.onDeadlock
	lm.mu.Unlock()
	if onDeadlock != nil {
		onDeadlock(victimTxn)
	}
}

// youngestVictim picks the lexicographically-greatest transaction ID in
// the cycle. Transaction IDs embed a UTC timestamp prefix,
// so the greatest string is also the youngest transaction — the one that
// has done the least work and is cheapest to abort.
func youngestVictim(cycle []string) string {
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}
	return victim
}
