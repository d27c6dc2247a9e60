// Package ttl implements the per-collection expiration sweep: a min-heap
// of (document ID, expiration) keyed by expiration
// time, a companion map tracking each document's current expiration so
// stale heap entries left behind by re-registration can be detected
// cheaply, and a cleanup loop that dequeues due entries and calls an
// injected delete callback. The supervised-loop idiom is shared with
// pkg/lockmgr and pkg/txn: golang.org/x/sync/errgroup in place of a bare
// goroutine.
package ttl

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DeleteFunc is the collaborator callback the cleanup loop invokes for
// each expired document.
type DeleteFunc func(collection, id string) error

// ExpiredBatch is the per-collection "documents expired" event handed to
// OnExpired handlers.
type ExpiredBatch struct {
	Collection string
	IDs        []string
	At         time.Time
}

type heapEntry struct {
	id        string
	expiresAt time.Time
	index     int
}

// expHeap is a container/heap.Interface ordered by expiresAt ascending.
type expHeap []*heapEntry

func (h expHeap) Len() int            { return len(h) }
func (h expHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// collectionState is one collection's heap plus the companion map of
// document ID -> current (authoritative) expiration.
type collectionState struct {
	mu      sync.Mutex
	entries expHeap
	current map[string]time.Time
}

// Service sweeps every registered collection on a fixed interval,
// deleting documents whose expiration has passed.
type Service struct {
	opts   Options
	del    DeleteFunc
	onExp  func(ExpiredBatch)

	mu          sync.Mutex
	collections map[string]*collectionState

	// onSweep is an optional metrics hook, invoked once per collection
	// processed per sweep pass, wired by the owning Engine via
	// SetMetricsHook.
	onSweep func()

	cancel context.CancelFunc
	group  *errgroup.Group
}

// SetMetricsHook registers a callback invoked once per collection
// processed on every cleanup pass. h may be nil.
func (s *Service) SetMetricsHook(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSweep = h
}

type Options struct {
	CleanupInterval time.Duration
	Logger          zerolog.Logger
}

func DefaultOptions() Options {
	return Options{CleanupInterval: time.Second, Logger: zerolog.Nop()}
}

func New(del DeleteFunc, opts Options) *Service {
	return &Service{
		opts:        opts,
		del:         del,
		collections: make(map[string]*collectionState),
	}
}

// OnExpired registers the handler invoked with a batch of expired IDs
// once per collection per sweep.
func (s *Service) OnExpired(h func(ExpiredBatch)) { s.onExp = h }

func (s *Service) stateFor(collection string) *collectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.collections[collection]
	if !ok {
		cs = &collectionState{current: make(map[string]time.Time)}
		s.collections[collection] = cs
	}
	return cs
}

// SetExpiry registers (or re-registers) id's expiration within
// collection. Re-registration pushes a new heap entry without removing
// the stale one; the cleanup loop detects and skips it.
func (s *Service) SetExpiry(collection, id string, expiresAt time.Time) {
	cs := s.stateFor(collection)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.current[id] = expiresAt
	heap.Push(&cs.entries, &heapEntry{id: id, expiresAt: expiresAt})
}

// ClearExpiry removes id's tracked expiration; the stale heap entry (if
// any) is skipped by the cleanup loop the same way a re-registration's
// old entry is.
func (s *Service) ClearExpiry(collection, id string) {
	cs := s.stateFor(collection)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.current, id)
}

// Start launches the periodic cleanup loop.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error {
		ticker := time.NewTicker(s.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.sweep()
			}
		}
	})
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		s.group.Wait()
	}
}

// sweep runs one cleanup pass over every registered collection.
func (s *Service) sweep() {
	s.mu.Lock()
	names := make([]string, 0, len(s.collections))
	states := make([]*collectionState, 0, len(s.collections))
	for name, cs := range s.collections {
		names = append(names, name)
		states = append(states, cs)
	}
	s.mu.Unlock()

	s.mu.Lock()
	onSweep := s.onSweep
	s.mu.Unlock()

	now := time.Now().UTC()
	for i, name := range names {
		s.sweepCollection(name, states[i], now)
		if onSweep != nil {
			onSweep()
		}
	}
}

func (s *Service) sweepCollection(collection string, cs *collectionState, now time.Time) {
	var expired []string
	for {
		cs.mu.Lock()
		if cs.entries.Len() == 0 {
			cs.mu.Unlock()
			break
		}
		top := cs.entries[0]
		if top.expiresAt.After(now) {
			cs.mu.Unlock()
			break
		}
		heap.Pop(&cs.entries)
		authoritative, tracked := cs.current[top.id]
		if !tracked || !authoritative.Equal(top.expiresAt) {
			// Stale entry left by re-registration or ClearExpiry: skip it.
			cs.mu.Unlock()
			continue
		}
		delete(cs.current, top.id)
		cs.mu.Unlock()
		expired = append(expired, top.id)
	}

	if len(expired) == 0 {
		return
	}

	var succeeded []string
	for _, id := range expired {
		if err := s.del(collection, id); err != nil {
			s.opts.Logger.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("ttl delete failed")
			continue
		}
		succeeded = append(succeeded, id)
	}
	if len(succeeded) > 0 && s.onExp != nil {
		s.onExp(ExpiredBatch{Collection: collection, IDs: succeeded, At: now})
	}
}
