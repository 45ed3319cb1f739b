// Package mst implements the Merkle Search Tree that backs every
// repository: a deterministic, content-addressed, prefix-compressed search
// tree over record keys. The tree's shape is a pure function of its key and
// value set, so two repositories holding the same records agree on the same
// root CID no matter what order the records arrived in.
package mst

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/stormlightlabs/pds/pkg/dagcbor"
)

var (
	ErrBadNode    = errors.New("mst: malformed node")
	ErrInvalidKey = errors.New("mst: invalid key")
)

// Entry is one key/value pair inside a node, with an optional subtree
// holding the keys strictly between this entry and the next.
type Entry struct {
	// Key is the full record key, e.g. "app.bsky.feed.post/3kabcdefghijk".
	Key string
	// Value is the CID of the record block.
	Value cid.Cid
	// Tree is the right-neighbor subtree, or cid.Undef.
	Tree cid.Cid
}

// Node is an MST node held in memory with fully reconstructed keys. The
// persisted form prefix-compresses each key against its predecessor in the
// same node; the first entry always carries the whole key.
type Node struct {
	// Left is the subtree of keys ordered before every entry, or cid.Undef.
	Left cid.Cid
	// Entries are sorted strictly ascending by key. All keys in one node
	// share the same layer.
	Entries []Entry
}

// Layer places a key on its tree level: half the number of leading zero
// bits of the key's SHA-256 hash. Most keys land on layer 0; each higher
// layer is four times rarer, which is what gives the tree its fanout.
func Layer(key string) int {
	h := sha256.Sum256([]byte(key))
	zeros := 0
	for _, b := range h {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros / 2
}

// layerOf returns the node's layer: the layer of its first entry, or -1 for
// an absent node or an entryless one (the canonical empty root). A node
// that loses its last entry in a delete collapses to the merge of the
// subtrees that flanked that entry.
func layerOf(n *Node) int {
	if n == nil || len(n.Entries) == 0 {
		return -1
	}
	return Layer(n.Entries[0].Key)
}

func (n *Node) clone() *Node {
	out := &Node{Left: n.Left, Entries: make([]Entry, len(n.Entries))}
	copy(out.Entries, n.Entries)
	return out
}

// serialize encodes the node as the 2-element array form:
// [left, [[prefixLen, keySuffix, value, tree], ...]].
func (n *Node) serialize() ([]byte, error) {
	entries := make([]any, len(n.Entries))
	prev := ""
	for i, e := range n.Entries {
		if !e.Value.Defined() {
			return nil, fmt.Errorf("%w: entry %q has no value", ErrBadNode, e.Key)
		}
		p := 0
		if i > 0 {
			p = commonPrefixLen(prev, e.Key)
		}
		var tree any
		if e.Tree.Defined() {
			tree = e.Tree
		}
		entries[i] = []any{int64(p), e.Key[p:], e.Value, tree}
		prev = e.Key
	}

	var left any
	if n.Left.Defined() {
		left = n.Left
	}
	return dagcbor.Marshal([]any{left, entries})
}

// deserialize reverses serialize, reconstructing full keys and validating
// the node's shape and ordering.
func deserialize(data []byte) (*Node, error) {
	v, err := dagcbor.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNode, err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("%w: not a 2-element array", ErrBadNode)
	}

	node := &Node{}
	if node.Left, err = optionalLink(arr[0]); err != nil {
		return nil, fmt.Errorf("%w: left: %v", ErrBadNode, err)
	}

	rawEntries, ok := arr[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: entries are not an array", ErrBadNode)
	}

	prev := ""
	for i, raw := range rawEntries {
		fields, ok := raw.([]any)
		if !ok || len(fields) != 4 {
			return nil, fmt.Errorf("%w: entry %d is not a 4-element array", ErrBadNode, i)
		}
		prefixLen, ok := fields[0].(int64)
		if !ok || prefixLen < 0 {
			return nil, fmt.Errorf("%w: entry %d prefix length", ErrBadNode, i)
		}
		suffix, ok := fields[1].(string)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d key suffix", ErrBadNode, i)
		}
		value, ok := fields[2].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d value is not a link", ErrBadNode, i)
		}
		tree, err := optionalLink(fields[3])
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d tree: %v", ErrBadNode, i, err)
		}

		if i == 0 && prefixLen != 0 {
			return nil, fmt.Errorf("%w: first entry has nonzero prefix length", ErrBadNode)
		}
		if int(prefixLen) > len(prev) {
			return nil, fmt.Errorf("%w: entry %d prefix exceeds previous key", ErrBadNode, i)
		}
		key := prev[:prefixLen] + suffix
		if i > 0 && keyCompare(prev, key) >= 0 {
			return nil, fmt.Errorf("%w: entries out of order at %q", ErrBadNode, key)
		}

		node.Entries = append(node.Entries, Entry{Key: key, Value: value, Tree: tree})
		prev = key
	}
	return node, nil
}

func optionalLink(v any) (cid.Cid, error) {
	switch x := v.(type) {
	case nil:
		return cid.Undef, nil
	case cid.Cid:
		return x, nil
	default:
		return cid.Undef, fmt.Errorf("neither null nor link (%T)", v)
	}
}

// keyCompare orders full keys: byte-lexicographic over UTF-8, with a prefix
// ordering before any longer key that extends it.
func keyCompare(a, b string) int {
	return strings.Compare(a, b)
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// ValidateKey enforces the record key scheme used by the repository layer.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return fmt.Errorf("%w: %q contains non-printable byte", ErrInvalidKey, key)
		}
	}
	return nil
}
