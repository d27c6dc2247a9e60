package btree

import "github.com/bobboyms/docengine/pkg/types"

// Cursor walks a tree's leaf chain in ascending key order without
// re-descending from the root on every step, latch-coupling from one leaf
// to the next so a concurrent split can never leave it on a freed node.
type Cursor struct {
	tree         *BPlusTree
	currentNode  *Node
	currentIndex int
}

func NewCursor(tree *BPlusTree) *Cursor {
	return &Cursor{tree: tree}
}

// Close releases the current leaf's latch, if any.
func (c *Cursor) Close() {
	if c.currentNode != nil {
		c.currentNode.RUnlock()
		c.currentNode = nil
	}
}

func (c *Cursor) Key() types.Comparable { return c.currentNode.Keys[c.currentIndex] }
func (c *Cursor) Values() []string      { return c.currentNode.Values[c.currentIndex] }
func (c *Cursor) Valid() bool           { return c.currentNode != nil && c.currentIndex < c.currentNode.N }

// Seek positions the cursor at key, or at the next key after it. A nil key
// seeks to the leftmost entry in the tree.
func (c *Cursor) Seek(key types.Comparable) {
	c.Close()

	leaf, idx := c.tree.FindLeafLowerBound(key)
	if leaf == nil {
		return
	}

	for leaf != nil && idx >= leaf.N {
		next := leaf.Next
		if next != nil {
			next.RLock()
		}
		leaf.RUnlock()
		leaf = next
		idx = 0
	}

	c.currentNode = leaf
	c.currentIndex = idx
}

// Next advances to the next entry, returning false once exhausted.
func (c *Cursor) Next() bool {
	if c.currentNode == nil {
		return false
	}

	if c.currentIndex+1 < c.currentNode.N {
		c.currentIndex++
		return true
	}

	next := c.currentNode.Next
	if next != nil {
		next.RLock()
	}
	c.currentNode.RUnlock()
	c.currentNode = next
	c.currentIndex = 0

	for c.currentNode != nil && c.currentNode.N == 0 {
		n := c.currentNode.Next
		if n != nil {
			n.RLock()
		}
		c.currentNode.RUnlock()
		c.currentNode = n
		c.currentIndex = 0
	}

	return c.currentNode != nil
}
