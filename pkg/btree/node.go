package btree

import (
	"sort"
	"sync"

	"github.com/bobboyms/docengine/pkg/dberrors"
	"github.com/bobboyms/docengine/pkg/types"
)

// Node is one page of the tree. Minimum degree T gives every non-root node
// between T-1 and 2T-1 keys. Leaves are linked via
// Next for ascending in-order scans without re-descending the tree.
//
// Values holds, per leaf key, the list of document IDs associated with that
// key — a single element for a unique index, zero-or-more for a non-unique
// one.
// Internal nodes carry only separator Keys and Children.
type Node struct {
	T        int
	Keys     []types.Comparable
	Values   [][]string
	Children []*Node
	Leaf     bool
	N        int
	Next     *Node
	mu       sync.RWMutex
}

func NewNode(t int, leaf bool) *Node {
	return &Node{
		T:        t,
		Leaf:     leaf,
		Keys:     make([]types.Comparable, 0, 2*t-1),
		Values:   make([][]string, 0, 2*t-1),
		Children: make([]*Node, 0, 2*t),
	}
}

func (n *Node) Lock()    { if n != nil { n.mu.Lock() } }
func (n *Node) Unlock()  { if n != nil { n.mu.Unlock() } }
func (n *Node) RLock()   { if n != nil { n.mu.RLock() } }
func (n *Node) RUnlock() { if n != nil { n.mu.RUnlock() } }

func (n *Node) IsSafeForInsert() bool { return n.N < 2*n.T-1 }
func (n *Node) IsSafeForDelete() bool { return n.N > n.T-1 }
func (n *Node) IsFull() bool          { return n.N == 2*n.T-1 }

// findLowerBound returns the index of the first key >= target within this
// node (sort.Search over the node's own Keys slice).
func (n *Node) findLowerBound(key types.Comparable) int {
	return sort.Search(n.N, func(i int) bool {
		return n.Keys[i].Compare(key) >= 0
	})
}

// FindLeafLowerBound descends (without locking — caller already holds
// whatever latches it needs) to the leaf that would contain key, or the
// leftmost leaf when key is nil.
func (n *Node) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	if key == nil {
		cur := n
		for !cur.Leaf {
			cur = cur.Children[0]
		}
		return cur, 0
	}
	i := n.findLowerBound(key)
	if n.Leaf {
		return n, i
	}
	return n.Children[i].FindLeafLowerBound(key)
}

// upsertLeaf runs fn against the existing value list for key (nil if
// absent) and installs the returned list. Returning a nil slice from fn
// deletes the key (if present) or declines the insert (if absent).
func (n *Node) upsertLeaf(key types.Comparable, fn func(existing []string, found bool) ([]string, error)) error {
	idx := n.findLowerBound(key)

	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		newVal, err := fn(n.Values[idx], true)
		if err != nil {
			return err
		}
		if newVal == nil {
			n.removeAt(idx)
			return nil
		}
		n.Values[idx] = newVal
		return nil
	}

	newVal, err := fn(nil, false)
	if err != nil {
		return err
	}
	if newVal == nil {
		return nil // no-op: fn declined to insert
	}

	n.Keys = append(n.Keys, nil)
	n.Values = append(n.Values, nil)
	copy(n.Keys[idx+1:], n.Keys[idx:n.N])
	copy(n.Values[idx+1:], n.Values[idx:n.N])
	n.Keys[idx] = key
	n.Values[idx] = newVal
	n.N++
	return nil
}

func (n *Node) removeAt(idx int) {
	n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
	n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
	n.N--
}

// removeLeaf applies fn to the existing value list for key at this leaf
// (already latched by the caller). fn returning (nil-or-empty, true)
// strikes the key entirely, shrinking N; any other non-empty list just
// replaces Values[idx] in place with no structural change. Returns
// whether key was present.
func (n *Node) removeLeaf(key types.Comparable, fn func(existing []string) (newValues []string, found bool)) bool {
	idx := n.findLowerBound(key)
	if idx >= n.N || n.Keys[idx].Compare(key) != 0 {
		return false
	}
	newVal, found := fn(n.Values[idx])
	if !found {
		return false
	}
	if len(newVal) == 0 {
		n.removeAt(idx)
	} else {
		n.Values[idx] = newVal
	}
	return true
}

// UpsertNonFull performs the upsert assuming curr (the receiver, when it is
// a leaf) has room. Internal nodes recurse with preventive splitting.
func (n *Node) UpsertNonFull(key types.Comparable, fn func(existing []string, found bool) ([]string, error)) error {
	if n.Leaf {
		return n.upsertLeaf(key, fn)
	}

	i := n.N - 1
	for i >= 0 && key.Compare(n.Keys[i]) < 0 {
		i--
	}
	i++

	if n.Children[i].N == 2*n.Children[i].T-1 {
		n.SplitChild(i)
		if key.Compare(n.Keys[i]) >= 0 {
			i++
		}
	}
	return n.Children[i].UpsertNonFull(key, fn)
}

// SplitChild splits the full child at index i of n, promoting a separator
// (CLRS B-tree split, adapted for B+ tree leaf-link maintenance).
func (n *Node) SplitChild(i int) {
	t := n.T
	y := n.Children[i]
	z := NewNode(t, y.Leaf)

	if y.Leaf {
		mid := t - 1
		z.N = y.N - mid
		z.Keys = append(z.Keys, y.Keys[mid:]...)
		z.Values = append(z.Values, y.Values[mid:]...)

		y.Keys = y.Keys[:mid]
		y.Values = y.Values[:mid]
		y.N = mid

		z.Next = y.Next
		y.Next = z

		n.Keys = append(n.Keys, nil)
		copy(n.Keys[i+1:], n.Keys[i:])
		n.Keys[i] = z.Keys[0]
	} else {
		mid := t - 1
		z.N = t - 1
		z.Keys = append(z.Keys, y.Keys[mid+1:]...)
		z.Children = append(z.Children, y.Children[mid+1:]...)

		upKey := y.Keys[mid]

		y.Keys = y.Keys[:mid]
		y.Children = y.Children[:mid+1]
		y.N = mid

		n.Keys = append(n.Keys, nil)
		copy(n.Keys[i+1:], n.Keys[i:])
		n.Keys[i] = upKey
	}

	n.Children = append(n.Children, nil)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = z
	n.N++
}

// remove deletes key entirely from the subtree rooted at n, rebalancing
// (borrow/merge) so every visited node keeps at least T-1 keys afterward.
// This is the plain single-pass recursive CLRS delete with no latching of
// its own; pkg/btree.BPlusTree's public Remove/RemoveValue instead drive
// fill/fixSeparators/borrowFromPrev/borrowFromNext/merge directly from a
// latch-crabbing top-down walk (see removeTopDown in btree.go) so the
// same rebalancing logic runs safely under concurrent access. remove and
// Node.Remove below stay in place as the non-concurrent reference
// implementation the package's node-level tests exercise directly.
func (n *Node) remove(key types.Comparable) bool {
	idx := n.findLowerBound(key)

	if n.Leaf {
		if idx < n.N && n.Keys[idx].Compare(key) == 0 {
			n.removeAt(idx)
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}

	child := n.Children[childIdx]
	if child.N < n.T {
		n.fill(childIdx)
	}

	return n.removeRecursive(key)
}

func (n *Node) removeRecursive(key types.Comparable) bool {
	idx := n.findLowerBound(key)

	childIdx := idx
	if idx < n.N && n.Keys[idx].Compare(key) == 0 {
		childIdx = idx + 1
	}
	if childIdx > n.N {
		childIdx = n.N
	}

	ok := n.Children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *Node) fixSeparators() {
	if n.Leaf {
		return
	}
	for i := 0; i < n.N; i++ {
		cur := n.Children[i+1]
		for !cur.Leaf {
			cur = cur.Children[0]
		}
		if cur.N > 0 {
			n.Keys[i] = cur.Keys[0]
		}
	}
}

func (n *Node) fill(i int) {
	switch {
	case i != 0 && n.Children[i-1].N >= n.T:
		n.borrowFromPrev(i)
	case i != n.N && n.Children[i+1].N >= n.T:
		n.borrowFromNext(i)
	case i != n.N:
		n.merge(i)
	default:
		n.merge(i - 1)
	}
}

func (n *Node) borrowFromPrev(i int) {
	child := n.Children[i]
	sibling := n.Children[i-1]

	if child.Leaf {
		child.Keys = append([]types.Comparable{sibling.Keys[sibling.N-1]}, child.Keys...)
		child.Values = append([][]string{sibling.Values[sibling.N-1]}, child.Values...)
		child.N++

		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Values = sibling.Values[:sibling.N-1]
		sibling.N--

		n.Keys[i-1] = child.Keys[0]
	} else {
		child.Keys = append([]types.Comparable{n.Keys[i-1]}, child.Keys...)
		child.Children = append([]*Node{sibling.Children[sibling.N]}, child.Children...)
		child.N++

		n.Keys[i-1] = sibling.Keys[sibling.N-1]
		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Children = sibling.Children[:sibling.N]
		sibling.N--
	}
}

func (n *Node) borrowFromNext(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys[0])
		child.Values = append(child.Values, sibling.Values[0])
		child.N++

		sibling.Keys = append([]types.Comparable{}, sibling.Keys[1:]...)
		sibling.Values = append([][]string{}, sibling.Values[1:]...)
		sibling.N--

		n.Keys[i] = sibling.Keys[0]
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Children = append(child.Children, sibling.Children[0])
		child.N++

		n.Keys[i] = sibling.Keys[0]
		sibling.Keys = append([]types.Comparable{}, sibling.Keys[1:]...)
		sibling.Children = append([]*Node{}, sibling.Children[1:]...)
		sibling.N--
	}
}

func (n *Node) merge(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Values = append(child.Values, sibling.Values...)
		child.Next = sibling.Next
		child.N = len(child.Keys)
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Children = append(child.Children, sibling.Children...)
		child.N = len(child.Keys)
	}

	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Children = append(n.Children[:i+1], n.Children[i+2:]...)
	n.N--
}

func (n *Node) Remove(key types.Comparable) bool { return n.remove(key) }

// duplicateErr builds the AlreadyExists error a unique index raises on a
// colliding Insert.
func duplicateErr(indexName string, key types.Comparable) error {
	return &dberrors.DuplicateKeyError{Index: indexName, Key: keyString(key)}
}

func keyString(key types.Comparable) string {
	if s, ok := key.(interface{ String() string }); ok {
		return s.String()
	}
	return "?"
}
