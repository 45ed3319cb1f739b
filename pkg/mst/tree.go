package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/blockstore"
)

// Tree runs MST operations against a block store. Nodes are immutable:
// every mutation persists fresh blocks and returns a new root CID, leaving
// prior roots intact for older commits.
type Tree struct {
	store blockstore.Store
}

// New creates a Tree over store.
func New(store blockstore.Store) *Tree {
	return &Tree{store: store}
}

// Get returns the value CID stored under key, walking down from root.
// An undefined root is the empty tree.
func (t *Tree) Get(ctx context.Context, root cid.Cid, key string) (cid.Cid, bool, error) {
	if err := ValidateKey(key); err != nil {
		return cid.Undef, false, err
	}

	current := root
	for current.Defined() {
		n, err := t.load(ctx, current)
		if err != nil {
			return cid.Undef, false, err
		}

		next := cid.Undef
		matched := false
		for i, e := range n.Entries {
			cmp := keyCompare(key, e.Key)
			if cmp == 0 {
				return e.Value, true, nil
			}
			if cmp < 0 {
				if i == 0 {
					next = n.Left
				} else {
					next = n.Entries[i-1].Tree
				}
				matched = true
				break
			}
		}
		if !matched {
			if len(n.Entries) == 0 {
				next = n.Left
			} else {
				next = n.Entries[len(n.Entries)-1].Tree
			}
		}
		current = next
	}
	return cid.Undef, false, nil
}

// Put inserts or replaces key with value and returns the new root CID.
func (t *Tree) Put(ctx context.Context, root cid.Cid, key string, value cid.Cid) (cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return cid.Undef, err
	}
	if !value.Defined() {
		return cid.Undef, fmt.Errorf("%w: undefined value for %q", ErrInvalidKey, key)
	}

	n, err := t.loadMaybe(ctx, root)
	if err != nil {
		return cid.Undef, err
	}
	updated, err := t.putNode(ctx, n, key, value)
	if err != nil {
		return cid.Undef, err
	}
	return t.persist(ctx, updated)
}

// Delete removes key and returns the new root CID (cid.Undef when the tree
// becomes empty) and whether the key was present.
func (t *Tree) Delete(ctx context.Context, root cid.Cid, key string) (cid.Cid, bool, error) {
	if err := ValidateKey(key); err != nil {
		return cid.Undef, false, err
	}

	n, err := t.loadMaybe(ctx, root)
	if err != nil {
		return cid.Undef, false, err
	}
	updated, removed, err := t.deleteNode(ctx, n, key)
	if err != nil {
		return cid.Undef, false, err
	}
	if !removed {
		return root, false, nil
	}
	newRoot, err := t.persist(ctx, updated)
	if err != nil {
		return cid.Undef, false, err
	}
	return newRoot, true, nil
}

// Walk visits every key/value pair in key order.
func (t *Tree) Walk(ctx context.Context, root cid.Cid, fn func(key string, value cid.Cid) error) error {
	if !root.Defined() {
		return nil
	}
	n, err := t.load(ctx, root)
	if err != nil {
		return err
	}
	if err := t.Walk(ctx, n.Left, fn); err != nil {
		return err
	}
	for _, e := range n.Entries {
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
		if err := t.Walk(ctx, e.Tree, fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkNodes visits every node block reachable from root, parents before
// children, handing the callback both the raw block and the decoded node.
func (t *Tree) WalkNodes(ctx context.Context, root cid.Cid, fn func(c cid.Cid, data []byte, n *Node) error) error {
	if !root.Defined() {
		return nil
	}
	data, err := t.store.Get(ctx, root)
	if err != nil {
		return fmt.Errorf("mst: node %s: %w", root, err)
	}
	n, err := deserialize(data)
	if err != nil {
		return err
	}
	if err := fn(root, data, n); err != nil {
		return err
	}
	if err := t.WalkNodes(ctx, n.Left, fn); err != nil {
		return err
	}
	for _, e := range n.Entries {
		if err := t.WalkNodes(ctx, e.Tree, fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) putNode(ctx context.Context, n *Node, key string, value cid.Cid) (*Node, error) {
	if n == nil {
		return &Node{Entries: []Entry{{Key: key, Value: value}}}, nil
	}

	keyLayer := Layer(key)
	nodeLayer := layerOf(n)

	switch {
	case keyLayer > nodeLayer:
		// The key lives above this whole node: partition the node around
		// it and make it the sole entry of a new top node.
		left, right, err := t.splitNode(ctx, n, key)
		if err != nil {
			return nil, err
		}
		leftCid, err := t.persist(ctx, left)
		if err != nil {
			return nil, err
		}
		rightCid, err := t.persist(ctx, right)
		if err != nil {
			return nil, err
		}
		return &Node{Left: leftCid, Entries: []Entry{{Key: key, Value: value, Tree: rightCid}}}, nil

	case keyLayer < nodeLayer:
		// The key belongs in a child subtree.
		idx := indexAbove(n, key)
		sub := n.Left
		if idx > 0 {
			sub = n.Entries[idx-1].Tree
		}
		child, err := t.loadMaybe(ctx, sub)
		if err != nil {
			return nil, err
		}
		newChild, err := t.putNode(ctx, child, key, value)
		if err != nil {
			return nil, err
		}
		childCid, err := t.persist(ctx, newChild)
		if err != nil {
			return nil, err
		}
		out := n.clone()
		if idx == 0 {
			out.Left = childCid
		} else {
			out.Entries[idx-1].Tree = childCid
		}
		return out, nil

	default:
		// The key belongs in this node.
		idx := indexAtOrAbove(n, key)
		if idx < len(n.Entries) && n.Entries[idx].Key == key {
			out := n.clone()
			out.Entries[idx].Value = value
			return out, nil
		}

		// The subtree straddling the insertion point splits around the
		// key; the halves become the new entry's neighbors.
		sub := n.Left
		if idx > 0 {
			sub = n.Entries[idx-1].Tree
		}
		var left, right *Node
		if sub.Defined() {
			subNode, err := t.load(ctx, sub)
			if err != nil {
				return nil, err
			}
			if left, right, err = t.splitNode(ctx, subNode, key); err != nil {
				return nil, err
			}
		}
		leftCid, err := t.persist(ctx, left)
		if err != nil {
			return nil, err
		}
		rightCid, err := t.persist(ctx, right)
		if err != nil {
			return nil, err
		}

		out := n.clone()
		if idx == 0 {
			out.Left = leftCid
		} else {
			out.Entries[idx-1].Tree = leftCid
		}
		out.Entries = append(out.Entries, Entry{})
		copy(out.Entries[idx+1:], out.Entries[idx:])
		out.Entries[idx] = Entry{Key: key, Value: value, Tree: rightCid}
		return out, nil
	}
}

func (t *Tree) deleteNode(ctx context.Context, n *Node, key string) (*Node, bool, error) {
	if n == nil {
		return nil, false, nil
	}

	keyLayer := Layer(key)
	nodeLayer := layerOf(n)

	switch {
	case keyLayer > nodeLayer:
		// A key above the root cannot be in the tree.
		return n, false, nil

	case keyLayer < nodeLayer:
		idx := indexAbove(n, key)
		sub := n.Left
		if idx > 0 {
			sub = n.Entries[idx-1].Tree
		}
		if !sub.Defined() {
			return n, false, nil
		}
		child, err := t.load(ctx, sub)
		if err != nil {
			return nil, false, err
		}
		newChild, removed, err := t.deleteNode(ctx, child, key)
		if err != nil || !removed {
			return n, false, err
		}
		childCid, err := t.persist(ctx, newChild)
		if err != nil {
			return nil, false, err
		}
		out := n.clone()
		if idx == 0 {
			out.Left = childCid
		} else {
			out.Entries[idx-1].Tree = childCid
		}
		return out, true, nil

	default:
		idx := indexAtOrAbove(n, key)
		if idx >= len(n.Entries) || n.Entries[idx].Key != key {
			return n, false, nil
		}

		// The subtrees flanking the removed entry merge into one.
		leftSub := n.Left
		if idx > 0 {
			leftSub = n.Entries[idx-1].Tree
		}
		leftNode, err := t.loadMaybe(ctx, leftSub)
		if err != nil {
			return nil, false, err
		}
		rightNode, err := t.loadMaybe(ctx, n.Entries[idx].Tree)
		if err != nil {
			return nil, false, err
		}
		merged, err := t.mergeNodes(ctx, leftNode, rightNode)
		if err != nil {
			return nil, false, err
		}

		out := n.clone()
		out.Entries = append(out.Entries[:idx], out.Entries[idx+1:]...)
		if len(out.Entries) == 0 {
			// The node lost its last entry; it collapses to the merged
			// subtree (possibly nothing at all).
			return merged, true, nil
		}
		mergedCid, err := t.persist(ctx, merged)
		if err != nil {
			return nil, false, err
		}
		if idx == 0 {
			out.Left = mergedCid
		} else {
			out.Entries[idx-1].Tree = mergedCid
		}
		return out, true, nil
	}
}

// splitNode partitions n and its subtrees into keys strictly below and
// strictly above key. Either half may come back nil.
func (t *Tree) splitNode(ctx context.Context, n *Node, key string) (*Node, *Node, error) {
	idx := indexAbove(n, key)
	if idx > 0 && n.Entries[idx-1].Key == key {
		return nil, nil, fmt.Errorf("%w: split around existing key %q", ErrBadNode, key)
	}

	sub := n.Left
	if idx > 0 {
		sub = n.Entries[idx-1].Tree
	}
	var subLeft, subRight *Node
	if sub.Defined() {
		subNode, err := t.load(ctx, sub)
		if err != nil {
			return nil, nil, err
		}
		if subLeft, subRight, err = t.splitNode(ctx, subNode, key); err != nil {
			return nil, nil, err
		}
	}

	var left *Node
	if idx == 0 {
		left = subLeft
	} else {
		left = &Node{Left: n.Left, Entries: append([]Entry{}, n.Entries[:idx]...)}
		leftCid, err := t.persist(ctx, subLeft)
		if err != nil {
			return nil, nil, err
		}
		left.Entries[idx-1].Tree = leftCid
	}

	var right *Node
	if idx == len(n.Entries) {
		right = subRight
	} else {
		rightCid, err := t.persist(ctx, subRight)
		if err != nil {
			return nil, nil, err
		}
		right = &Node{Left: rightCid, Entries: append([]Entry{}, n.Entries[idx:]...)}
	}
	return left, right, nil
}

// mergeNodes joins two adjacent subtrees whose key ranges do not overlap;
// every key in left orders before every key in right.
func (t *Tree) mergeNodes(ctx context.Context, left, right *Node) (*Node, error) {
	if left == nil {
		return right, nil
	}
	if right == nil {
		return left, nil
	}

	leftLayer := layerOf(left)
	rightLayer := layerOf(right)

	switch {
	case leftLayer > rightLayer:
		// right slots under left's rightmost subtree.
		last := len(left.Entries) - 1
		sub, err := t.loadMaybe(ctx, left.Entries[last].Tree)
		if err != nil {
			return nil, err
		}
		merged, err := t.mergeNodes(ctx, sub, right)
		if err != nil {
			return nil, err
		}
		mergedCid, err := t.persist(ctx, merged)
		if err != nil {
			return nil, err
		}
		out := left.clone()
		out.Entries[last].Tree = mergedCid
		return out, nil

	case rightLayer > leftLayer:
		// left slots under right's leftmost subtree.
		sub, err := t.loadMaybe(ctx, right.Left)
		if err != nil {
			return nil, err
		}
		merged, err := t.mergeNodes(ctx, left, sub)
		if err != nil {
			return nil, err
		}
		mergedCid, err := t.persist(ctx, merged)
		if err != nil {
			return nil, err
		}
		out := right.clone()
		out.Left = mergedCid
		return out, nil

	default:
		// Same layer: merge the inner boundary subtrees and concatenate.
		last := len(left.Entries) - 1
		leftInner, err := t.loadMaybe(ctx, left.Entries[last].Tree)
		if err != nil {
			return nil, err
		}
		rightInner, err := t.loadMaybe(ctx, right.Left)
		if err != nil {
			return nil, err
		}
		mid, err := t.mergeNodes(ctx, leftInner, rightInner)
		if err != nil {
			return nil, err
		}
		midCid, err := t.persist(ctx, mid)
		if err != nil {
			return nil, err
		}

		out := left.clone()
		out.Entries[last].Tree = midCid
		out.Entries = append(out.Entries, right.Entries...)
		return out, nil
	}
}

// indexAbove returns the index of the first entry whose key orders strictly
// after key.
func indexAbove(n *Node, key string) int {
	for i, e := range n.Entries {
		if keyCompare(e.Key, key) > 0 {
			return i
		}
	}
	return len(n.Entries)
}

// indexAtOrAbove returns the index of the first entry whose key orders at
// or after key.
func indexAtOrAbove(n *Node, key string) int {
	for i, e := range n.Entries {
		if keyCompare(e.Key, key) >= 0 {
			return i
		}
	}
	return len(n.Entries)
}

func (t *Tree) load(ctx context.Context, c cid.Cid) (*Node, error) {
	data, err := t.store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("mst: node %s: %w", c, err)
	}
	return deserialize(data)
}

func (t *Tree) loadMaybe(ctx context.Context, c cid.Cid) (*Node, error) {
	if !c.Defined() {
		return nil, nil
	}
	return t.load(ctx, c)
}

// EmptyRoot persists the canonical empty tree node. It exists only so a
// commit over a fully emptied repository still has a defined data CID;
// interior empty nodes are never written.
func (t *Tree) EmptyRoot(ctx context.Context) (cid.Cid, error) {
	data, err := (&Node{}).serialize()
	if err != nil {
		return cid.Undef, err
	}
	c, err := t.store.Put(ctx, data)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: persist empty root: %w", err)
	}
	return c, nil
}

// persist serializes and stores a node, returning its CID. A nil node
// persists to nothing: empty nodes are never written.
func (t *Tree) persist(ctx context.Context, n *Node) (cid.Cid, error) {
	if n == nil {
		return cid.Undef, nil
	}
	if len(n.Entries) == 0 {
		return cid.Undef, fmt.Errorf("%w: refusing to persist entryless node", ErrBadNode)
	}
	data, err := n.serialize()
	if err != nil {
		return cid.Undef, err
	}
	c, err := t.store.Put(ctx, data)
	if err != nil {
		return cid.Undef, fmt.Errorf("mst: persist node: %w", err)
	}
	return c, nil
}
