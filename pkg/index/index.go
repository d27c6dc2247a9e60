// Package index implements the B-tree-backed index layer: unique and
// non-unique indexes, sparse indexes that skip documents missing the
// indexed field, and compound indexes over an ordered list of fields.
// One tagged wrapper type carries Kind/Sparse/Fields and covers every
// index flavor; there is no subclass hierarchy to dispatch over.
package index

import (
	"sync"

	"github.com/bobboyms/docengine/pkg/btree"
	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/document"
	"github.com/bobboyms/docengine/pkg/types"
)

// Kind mirrors the uniqueness constraint a caller asked for when
// creating the index.
type Kind int

const (
	NonUnique Kind = iota
	Unique
)

const defaultOrder = 64

// Descriptor names an index and how its key is derived from a document.
type Descriptor struct {
	Name   string
	Fields []string // one field for a simple index, more for a compound one
	Kind   Kind
	Sparse bool
}

// Index wraps a B-tree with the field-extraction and key-building logic
// of a single index: which document fields feed the
// key, whether missing fields are skipped (sparse) or treated as null,
// and whether duplicate keys are rejected (unique).
type Index struct {
	Descriptor
	tree *btree.BPlusTree
}

func newIndex(d Descriptor) *Index {
	var tree *btree.BPlusTree
	if d.Kind == Unique {
		tree = btree.NewUniqueTree(d.Name, defaultOrder)
	} else {
		tree = btree.NewTree(d.Name, defaultOrder)
	}
	return &Index{Descriptor: d, tree: tree}
}

// buildKey extracts the index key from a document's fields, returning
// ok=false when a sparse index should skip the document because a
// required field is absent.
func (ix *Index) buildKey(doc *document.Document) (types.Comparable, bool) {
	if len(ix.Fields) == 1 {
		v, present := doc.GetPath(ix.Fields[0])
		if !present {
			if ix.Sparse {
				return nil, false
			}
			return types.NullKey{}, true
		}
		key, _ := document.ToComparable(v)
		return key, true
	}

	parts := make([]types.Comparable, len(ix.Fields))
	anyPresent := false
	for i, f := range ix.Fields {
		v, present := doc.GetPath(f)
		if !present {
			parts[i] = types.NullKey{}
			continue
		}
		anyPresent = true
		key, _ := document.ToComparable(v)
		parts[i] = key
	}
	if ix.Sparse && !anyPresent {
		return nil, false
	}
	return types.NewCompoundKey(parts...), true
}

// Insert adds doc's key -> doc.ID mapping. A unique index that already
// has a different document under the same key returns a
// *dberrors.DuplicateKeyError.
func (ix *Index) Insert(doc *document.Document) error {
	key, ok := ix.buildKey(doc)
	if !ok {
		return nil
	}
	return ix.tree.Insert(key, doc.ID)
}

// Remove drops doc's entry from the index. A no-op if the document's key
// is not actually present (e.g. a sparse index that skipped it).
func (ix *Index) Remove(doc *document.Document) {
	key, ok := ix.buildKey(doc)
	if !ok {
		return
	}
	ix.tree.RemoveValue(key, doc.ID)
}

// Update moves doc's entry from oldDoc's key to doc's key, a no-op when
// the indexed fields didn't change.
func (ix *Index) Update(oldDoc, newDoc *document.Document) error {
	oldKey, oldOK := ix.buildKey(oldDoc)
	newKey, newOK := ix.buildKey(newDoc)
	if oldOK && newOK && oldKey.Compare(newKey) == 0 {
		return nil
	}
	if oldOK {
		ix.tree.RemoveValue(oldKey, oldDoc.ID)
	}
	if newOK {
		return ix.tree.Insert(newKey, newDoc.ID)
	}
	return nil
}

// Lookup returns the document IDs stored under key.
func (ix *Index) Lookup(key types.Comparable) ([]string, bool) {
	return ix.tree.GetValues(key)
}

// Range returns every (key, ids) pair with start <= key <= end, in key
// order. Either bound may be nil for an open range.
func (ix *Index) Range(start, end types.Comparable) []btree.KV {
	return ix.tree.RangeQuery(start, end)
}

// Manager owns every index defined for a collection set, dispatched by
// (collection, index name). Its own map is guarded separately from each
// Index's B-tree lock, since indexes may
// be created, dropped, and looked up on one collection while writers are
// fanning an insert out across every existing index on another.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]map[string]*Index // collection -> index name -> Index
}

func NewManager() *Manager {
	return &Manager{indexes: make(map[string]map[string]*Index)}
}

// Create registers a new index on collection. Returns AlreadyExists if an
// index with the same name is already registered.
func (m *Manager) Create(collection string, d Descriptor) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.indexes[collection]
	if !ok {
		byName = make(map[string]*Index)
		m.indexes[collection] = byName
	}
	if _, exists := byName[d.Name]; exists {
		return nil, dberrors.NewAlreadyExists("index " + d.Name + " already exists on " + collection)
	}
	ix := newIndex(d)
	byName[d.Name] = ix
	return ix, nil
}

// Get returns the named index on collection, if any.
func (m *Manager) Get(collection, name string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName, ok := m.indexes[collection]
	if !ok {
		return nil, false
	}
	ix, ok := byName[name]
	return ix, ok
}

// Drop removes the named index, reporting whether it existed.
func (m *Manager) Drop(collection, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.indexes[collection]
	if !ok {
		return false
	}
	if _, exists := byName[name]; !exists {
		return false
	}
	delete(byName, name)
	return true
}

// All returns every index registered on collection.
func (m *Manager) All(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byName := m.indexes[collection]
	out := make([]*Index, 0, len(byName))
	for _, ix := range byName {
		out = append(out, ix)
	}
	return out
}

// InsertDocument applies doc to every index on collection, rolling back
// partial inserts if a later index rejects the document (e.g. a unique
// constraint violation), so collection and index state never diverge.
func (m *Manager) InsertDocument(collection string, doc *document.Document) error {
	all := m.All(collection)
	applied := make([]*Index, 0, len(all))
	for _, ix := range all {
		if err := ix.Insert(doc); err != nil {
			for _, done := range applied {
				done.Remove(doc)
			}
			return err
		}
		applied = append(applied, ix)
	}
	return nil
}

// RemoveDocument removes doc from every index on collection.
func (m *Manager) RemoveDocument(collection string, doc *document.Document) {
	for _, ix := range m.All(collection) {
		ix.Remove(doc)
	}
}

// UpdateDocument moves oldDoc's entries to newDoc's key in every index on
// collection.
func (m *Manager) UpdateDocument(collection string, oldDoc, newDoc *document.Document) error {
	for _, ix := range m.All(collection) {
		if err := ix.Update(oldDoc, newDoc); err != nil {
			return err
		}
	}
	return nil
}
