package document

import (
	"sync"
	"time"

	"github.com/bobboyms/docengine/pkg/dberrors"
)

// Collection is an in-memory, latch-guarded set of documents:
// durability and
// visibility to other transactions come from the WAL and lock manager
// layered on top by pkg/engine, not from Collection itself.
type Collection struct {
	name string

	mu   sync.RWMutex
	docs map[string]*Document

	latchMu sync.Mutex
	latches map[string]*sync.Mutex
}

func NewCollection(name string) *Collection {
	return &Collection{
		name:    name,
		docs:    make(map[string]*Document),
		latches: make(map[string]*sync.Mutex),
	}
}

func (c *Collection) Name() string { return c.name }

// latch returns the per-document mutex for id, creating it on first use.
// This is distinct from the transactional locks pkg/lockmgr grants: it
// only serializes concurrent in-process mutation of one Document's
// memory while an atomic operator reads, mutates, and writes it back.
func (c *Collection) latch(id string) *sync.Mutex {
	c.latchMu.Lock()
	defer c.latchMu.Unlock()
	l, ok := c.latches[id]
	if !ok {
		l = &sync.Mutex{}
		c.latches[id] = l
	}
	return l
}

// Insert adds a new document, failing with AlreadyExists if id is taken.
func (c *Collection) Insert(id string, fields map[string]interface{}) (*Document, error) {
	l := c.latch(id)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; ok {
		return nil, dberrors.NewAlreadyExists("document " + id + " already exists in " + c.name)
	}
	doc := New(id, toBSONM(fields))
	c.docs[id] = doc
	return doc.Clone(), nil
}

// Get returns a clone of the document, so callers can never mutate
// in-place state without going through the atomic operators or Replace.
func (c *Collection) Get(id string) (*Document, bool) {
	c.mu.RLock()
	doc, ok := c.docs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Exists reports whether id is present, ignoring TTL expiry (the TTL
// service is responsible for evicting expired documents; Exists here is a
// raw membership check used by index builders and recovery).
func (c *Collection) Exists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.docs[id]
	return ok
}

// Replace overwrites a document wholesale, bumping Version and UpdatedAt.
func (c *Collection) Replace(id string, fields map[string]interface{}) (*Document, error) {
	l := c.latch(id)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.docs[id]
	if !ok {
		return nil, dberrors.NewNotFound("document " + id + " not found in " + c.name)
	}
	doc := &Document{
		ID:        id,
		Fields:    toBSONM(fields),
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now().UTC(),
		Version:   existing.Version + 1,
		ExpiresAt: existing.ExpiresAt,
	}
	c.docs[id] = doc
	return doc.Clone(), nil
}

// Delete removes a document, reporting whether it existed.
func (c *Collection) Delete(id string) bool {
	l := c.latch(id)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return false
	}
	delete(c.docs, id)
	return true
}

// SetExpiry sets or clears (nil) the document's TTL deadline, used by the
// TTL service's "set expiration" entrypoint.
func (c *Collection) SetExpiry(id string, at *time.Time) error {
	l := c.latch(id)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[id]
	if !ok {
		return dberrors.NewNotFound("document " + id + " not found in " + c.name)
	}
	doc.ExpiresAt = at
	return nil
}

// Clear removes every document in the collection. Does not touch
// per-document latches: a latch held by
// an in-flight operator still serializes correctly against a document
// that Clear is about to remove.
func (c *Collection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = make(map[string]*Document)
}

// Count returns the number of documents currently stored.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// All returns a snapshot clone of every document, for full scans and
// index rebuilds.
func (c *Collection) All() []*Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	return out
}

// ExpiredAsOf returns the IDs of documents whose ExpiresAt has passed as
// of `now`, for the TTL sweep.
func (c *Collection) ExpiredAsOf(now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, d := range c.docs {
		if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			out = append(out, id)
		}
	}
	return out
}

func toBSONM(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return map[string]interface{}{}
	}
	return fields
}
