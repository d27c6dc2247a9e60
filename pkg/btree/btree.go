// Package btree implements the engine's on-disk-shaped index: a balanced
// B+ tree keyed by any types.Comparable, with linked leaves for ascending
// scans, crabbing latches for concurrent mutation, and a unique/non-unique
// toggle. The leaf payload is a document-ID list rather than a single
// offset so the same tree can back unique and non-unique indexes.
package btree

import (
	"sync"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/types"
)

// BPlusTree is a concurrent B+ tree. Name labels it in duplicate-key
// errors; Unique enforces single-document-per-key semantics.
type BPlusTree struct {
	Name   string
	T      int
	Root   *Node
	Unique bool
	mu     sync.RWMutex
}

func NewTree(name string, t int) *BPlusTree {
	return &BPlusTree{Name: name, T: t, Root: NewNode(t, true), Unique: false}
}

func NewUniqueTree(name string, t int) *BPlusTree {
	return &BPlusTree{Name: name, T: t, Root: NewNode(t, true), Unique: true}
}

// upsert drives the standard CLRS top-down insert-with-preventive-split,
// latch-crabbing from root to leaf, then runs fn at the leaf.
func (b *BPlusTree) upsert(key types.Comparable, fn func(existing []string, found bool) ([]string, error)) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()
		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(existing []string, found bool) ([]string, error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)
			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, fn)
}

// Insert adds docID under key. A unique tree rejects an existing key with
// a DuplicateKeyError; a non-unique tree appends docID to the key's value
// list (duplicates of the same docID under the same key are not
// deduplicated — callers insert each document at most once per key).
func (b *BPlusTree) Insert(key types.Comparable, docID string) error {
	return b.upsert(key, func(existing []string, found bool) ([]string, error) {
		if found {
			if b.Unique {
				return nil, duplicateErr(b.Name, key)
			}
			return append(existing, docID), nil
		}
		return []string{docID}, nil
	})
}

// Replace forces key to map to exactly [docID], used by Update in unique
// mode and by MVCC-style "the document's key didn't change" fast paths.
func (b *BPlusTree) Replace(key types.Comparable, docID string) error {
	return b.upsert(key, func(existing []string, found bool) ([]string, error) {
		return []string{docID}, nil
	})
}

// Update mutates the value list for key: unique indexes replace the single
// value, non-unique indexes append another value.
func (b *BPlusTree) Update(key types.Comparable, docID string) error {
	if b.Unique {
		return b.Replace(key, docID)
	}
	return b.upsert(key, func(existing []string, found bool) ([]string, error) {
		return append(existing, docID), nil
	})
}

// Remove deletes the entire key (all its values). Returns false if the key
// was absent.
func (b *BPlusTree) Remove(key types.Comparable) bool {
	return b.removeKey(key, func(existing []string) ([]string, bool) {
		return nil, true
	})
}

// RemoveValue removes a single docID from key's value list (non-unique
// mode), dropping the key entirely if no values remain. Returns false if
// key or docID was not present.
func (b *BPlusTree) RemoveValue(key types.Comparable, docID string) bool {
	var removedValue bool
	b.removeKey(key, func(existing []string) ([]string, bool) {
		out := existing[:0:0]
		for _, v := range existing {
			if v != docID {
				out = append(out, v)
			} else {
				removedValue = true
			}
		}
		return out, true
	})
	return removedValue
}

// removeKey drives the standard top-down CLRS delete: every child about
// to be descended into is
// rebalanced first (borrow or merge) if it sits at the minimum T-1 keys,
// latch-crabbing down the same way upsert crabs down preventively
// splitting full nodes on insert, so the leaf-level removal never needs
// to walk back up the tree to fix an underflow. fn is applied to the
// leaf's existing value list for key if present; see Node.removeLeaf.
func (b *BPlusTree) removeKey(key types.Comparable, fn func(existing []string) ([]string, bool)) bool {
	b.mu.Lock()
	root := b.Root
	root.Lock()
	b.mu.Unlock()

	removed := b.removeTopDown(root, key, fn)
	if removed {
		b.shrinkRootIfEmpty()
	}
	return removed
}

// removeTopDown descends from curr (already locked by the caller),
// crabbing locks downward one level at a time. Before moving into a
// child it rebalances that child if the child sits at the minimum
// occupancy, locking whichever sibling node.fill is about to touch first
// — a concurrent reader may already hold that sibling's RLock
// independently of curr's lock, since readers release each ancestor
// latch as soon as they acquire the next one down. Holding curr
// exclusively for the whole of this level blocks every other writer from
// reaching any of curr's children, which is what makes fixSeparators'
// lock-free reads of deeper descendants safe: no other writer can be
// mutating anything under curr while this call holds it.
func (b *BPlusTree) removeTopDown(curr *Node, key types.Comparable, fn func(existing []string) ([]string, bool)) bool {
	for !curr.Leaf {
		idx := curr.findLowerBound(key)
		childIdx := idx
		if idx < curr.N && curr.Keys[idx].Compare(key) == 0 {
			childIdx = idx + 1
		}

		child := curr.Children[childIdx]
		child.Lock()

		if child.N < curr.T {
			// Mirrors node.fill's own branch selection exactly, so the
			// sibling locked here is the one fill is about to mutate.
			var siblingIdx int
			switch {
			case childIdx != 0 && curr.Children[childIdx-1].N >= curr.T:
				siblingIdx = childIdx - 1
			case childIdx != curr.N && curr.Children[childIdx+1].N >= curr.T:
				siblingIdx = childIdx + 1
			case childIdx != curr.N:
				siblingIdx = childIdx + 1
			default:
				siblingIdx = childIdx - 1
			}
			sibling := curr.Children[siblingIdx]
			sibling.Lock()
			curr.fill(childIdx)
			curr.fixSeparators()
			sibling.Unlock()
			child.Unlock()

			// fill may have merged child into its sibling (or vice
			// versa), changing which physical node now holds key's
			// subtree and shifting Children indices; recompute from
			// curr's post-fill state rather than trust the old childIdx.
			idx = curr.findLowerBound(key)
			childIdx = idx
			if idx < curr.N && curr.Keys[idx].Compare(key) == 0 {
				childIdx = idx + 1
			}
			if childIdx > curr.N {
				childIdx = curr.N
			}
			child = curr.Children[childIdx]
			child.Lock()
		}

		curr.Unlock()
		curr = child
	}

	removed := curr.removeLeaf(key, fn)
	curr.Unlock()
	return removed
}

// shrinkRootIfEmpty replaces an empty non-leaf root with its one
// surviving child, the root-level case node.fill's sibling rebalancing
// can't handle itself since the root has no parent to borrow from.
func (b *BPlusTree) shrinkRootIfEmpty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	root := b.Root
	root.Lock()
	if root.N == 0 && !root.Leaf && len(root.Children) == 1 {
		b.Root = root.Children[0]
	}
	root.Unlock()
}

// TryGet returns the first document ID for key.
func (b *BPlusTree) TryGet(key types.Comparable) (string, bool) {
	vals, ok := b.GetValues(key)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// GetValues returns every document ID stored under key.
func (b *BPlusTree) GetValues(key types.Comparable) ([]string, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			out := make([]string, len(curr.Values[j]))
			copy(out, curr.Values[j])
			return out, true
		}
	}
	return nil, false
}

func (b *BPlusTree) ContainsKey(key types.Comparable) bool {
	_, ok := b.GetValues(key)
	return ok
}

// FindLeafLowerBound returns the leaf (RLocked — caller must RUnlock) and
// index of the first key >= target, or the leftmost leaf if target is nil.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()
	for !curr.Leaf {
		var child *Node
		if key == nil {
			child = curr.Children[0]
		} else {
			child = curr.Children[curr.findLowerBound(key)]
		}
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	if key == nil {
		return curr, 0
	}
	return curr, curr.findLowerBound(key)
}

// Min returns the smallest key in the tree.
func (b *BPlusTree) Min() (types.Comparable, []string, bool) {
	leaf, idx := b.FindLeafLowerBound(nil)
	defer leaf.RUnlock()
	if idx >= leaf.N {
		return nil, nil, false
	}
	return leaf.Keys[idx], leaf.Values[idx], true
}

// Max returns the largest key in the tree by descending the rightmost
// child pointers.
func (b *BPlusTree) Max() (types.Comparable, []string, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()
	for !curr.Leaf {
		child := curr.Children[curr.N]
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	defer curr.RUnlock()
	if curr.N == 0 {
		return nil, nil, false
	}
	return curr.Keys[curr.N-1], curr.Values[curr.N-1], true
}

// Count returns the total number of values stored, not distinct keys.
func (b *BPlusTree) Count() int {
	total := 0
	c := NewCursor(b)
	defer c.Close()
	for c.Seek(nil); c.Valid(); c.Next() {
		total += len(c.Values())
	}
	return total
}

// Clear discards the whole tree, replacing Root with a fresh empty leaf.
func (b *BPlusTree) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Root = NewNode(b.T, true)
}

// GetAll returns every (key, docIDs) pair in ascending key order.
func (b *BPlusTree) GetAll() []KV {
	var out []KV
	c := NewCursor(b)
	defer c.Close()
	for c.Seek(nil); c.Valid(); c.Next() {
		out = append(out, KV{Key: c.Key(), Values: c.Values()})
	}
	return out
}

// KV is one (key, document IDs) pair yielded by range scans.
type KV struct {
	Key    types.Comparable
	Values []string
}

// RangeQuery returns every pair with start <= key <= end, both bounds
// inclusive, in ascending order. A nil start begins at the smallest key;
// a nil end leaves the range open above.
func (b *BPlusTree) RangeQuery(start, end types.Comparable) []KV {
	var out []KV
	c := NewCursor(b)
	defer c.Close()
	for c.Seek(start); c.Valid(); c.Next() {
		if end != nil && c.Key().Compare(end) > 0 {
			break
		}
		out = append(out, KV{Key: c.Key(), Values: c.Values()})
	}
	return out
}

// GetGE returns every pair with key >= target, ascending.
func (b *BPlusTree) GetGE(target types.Comparable) []KV {
	var out []KV
	c := NewCursor(b)
	defer c.Close()
	for c.Seek(target); c.Valid(); c.Next() {
		out = append(out, KV{Key: c.Key(), Values: c.Values()})
	}
	return out
}

// GetLE returns every pair with key <= target, ascending, by scanning from
// the leftmost leaf until the bound is exceeded.
func (b *BPlusTree) GetLE(target types.Comparable) []KV {
	var out []KV
	c := NewCursor(b)
	defer c.Close()
	for c.Seek(nil); c.Valid(); c.Next() {
		if c.Key().Compare(target) > 0 {
			break
		}
		out = append(out, KV{Key: c.Key(), Values: c.Values()})
	}
	return out
}

// DuplicateKeyError re-exports the dberrors type for callers that want to
// type-switch without importing dberrors directly.
type DuplicateKeyError = dberrors.DuplicateKeyError
