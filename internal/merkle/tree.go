package merkle

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/witnz/replisync/internal/hash"
)

var (
	ErrMalformedProof = errors.New("malformed merkle proof")
	ErrKeyNotFound    = errors.New("key not found in tree")
)

// Node is a tree node. Leaves carry the key, the value and its digest.
type Node struct {
	Hash      hash.Hash
	Key       string
	Value     []byte
	ValueHash hash.Hash
	Children  []*Node
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

type Entry struct {
	Key   string
	Value []byte
}

// Tree is a key-addressed Merkle tree. Leaves are ordered by key, so the
// root depends only on the set of (key, value) pairs and not on the order
// in which they were inserted.
type Tree struct {
	mu     sync.RWMutex
	hasher *hash.Hasher
	keys   []string
	leaves map[string]*Node
	levels [][]hash.Hash
	root   *Node
}

func New(hasher *hash.Hasher) *Tree {
	if hasher == nil {
		hasher = hash.Default
	}
	t := &Tree{
		hasher: hasher,
		leaves: make(map[string]*Node),
	}
	t.rebuild()
	return t
}

func (t *Tree) Hasher() *hash.Hasher {
	return t.hasher
}

func (t *Tree) Insert(key string, value []byte) {
	t.InsertBatch([]Entry{{Key: key, Value: value}})
}

// InsertBatch inserts or replaces all entries and recomputes the root once.
func (t *Tree) InsertBatch(entries []Entry) {
	if len(entries) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		if _, exists := t.leaves[e.Key]; !exists {
			i := sort.SearchStrings(t.keys, e.Key)
			t.keys = append(t.keys, "")
			copy(t.keys[i+1:], t.keys[i:])
			t.keys[i] = e.Key
		}
		t.leaves[e.Key] = t.newLeaf(e.Key, e.Value)
	}

	t.rebuild()
}

func (t *Tree) newLeaf(key string, value []byte) *Node {
	v := make([]byte, len(value))
	copy(v, value)
	valueHash := t.hasher.Digest(v)
	return &Node{
		Hash:      leafHash(t.hasher, key, valueHash),
		Key:       key,
		Value:     v,
		ValueHash: valueHash,
	}
}

func leafHash(h *hash.Hasher, key string, valueHash hash.Hash) hash.Hash {
	return h.Sum([]byte(key), []byte(valueHash))
}

func (t *Tree) rebuild() {
	if len(t.keys) == 0 {
		t.root = &Node{Hash: t.hasher.Empty()}
		t.levels = nil
		return
	}

	nodes := make([]*Node, len(t.keys))
	for i, k := range t.keys {
		nodes[i] = t.leaves[k]
	}

	levels := [][]hash.Hash{hashesOf(nodes)}
	for len(nodes) > 1 {
		nodes = t.reduce(nodes)
		levels = append(levels, hashesOf(nodes))
	}

	t.root = nodes[0]
	t.levels = levels
}

// reduce pairs adjacent nodes; a trailing odd node is paired with itself.
func (t *Tree) reduce(nodes []*Node) []*Node {
	next := make([]*Node, 0, (len(nodes)+1)/2)
	for i := 0; i < len(nodes); i += 2 {
		left := nodes[i]
		right := left
		if i+1 < len(nodes) {
			right = nodes[i+1]
		}
		next = append(next, &Node{
			Hash:     t.hasher.Combine(left.Hash, right.Hash),
			Children: []*Node{left, right},
		})
	}
	return next
}

func hashesOf(nodes []*Node) []hash.Hash {
	out := make([]hash.Hash, len(nodes))
	for i, n := range nodes {
		out[i] = n.Hash
	}
	return out
}

func (t *Tree) Root() hash.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.Hash
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys)
}

func (t *Tree) Has(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.leaves[key]
	return ok
}

func (t *Tree) ValueHash(key string) (hash.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, ok := t.leaves[key]
	if !ok {
		return "", false
	}
	return leaf.ValueHash, true
}

func (t *Tree) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, ok := t.leaves[key]
	if !ok {
		return nil, false
	}
	v := make([]byte, len(leaf.Value))
	copy(v, leaf.Value)
	return v, true
}

// GenerateProof returns the manifest of every key and value digest under
// the current root, ordered by key.
func (t *Tree) GenerateProof() MerkleProof {
	t.mu.RLock()
	defer t.mu.RUnlock()

	proof := MerkleProof{
		Root:   t.root.Hash,
		Paths:  make([]string, len(t.keys)),
		Hashes: make([]hash.Hash, len(t.keys)),
	}
	for i, k := range t.keys {
		proof.Paths[i] = k
		proof.Hashes[i] = t.leaves[k].ValueHash
	}
	return proof
}

// FindDifferences returns local keys absent from the remote proof.
func (t *Tree) FindDifferences(remote MerkleProof) []string {
	remoteKeys := make(map[string]struct{}, len(remote.Paths))
	for _, p := range remote.Paths {
		remoteKeys[p] = struct{}{}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	diffs := make([]string, 0)
	for _, k := range t.keys {
		if _, ok := remoteKeys[k]; !ok {
			diffs = append(diffs, k)
		}
	}
	return diffs
}

// FindDivergent returns local keys that are absent from the remote proof or
// whose value digest differs from the remote one.
func (t *Tree) FindDivergent(remote MerkleProof) []string {
	return Compare(t.GenerateProof(), remote).Divergent()
}

// InclusionProof returns the sibling path from a key's leaf to the root.
func (t *Tree) InclusionProof(key string) (*InclusionProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, ok := t.leaves[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	index := sort.SearchStrings(t.keys, key)
	proof := &InclusionProof{
		Key:        key,
		ValueHash:  leaf.ValueHash,
		LeafIndex:  index,
		Siblings:   make([]hash.Hash, 0, len(t.levels)),
		Directions: make([]bool, 0, len(t.levels)),
	}

	for _, level := range t.levels[:len(t.levels)-1] {
		var sibling hash.Hash
		isRight := index%2 == 0
		if isRight {
			if index+1 < len(level) {
				sibling = level[index+1]
			} else {
				sibling = level[index]
			}
		} else {
			sibling = level[index-1]
		}
		proof.Siblings = append(proof.Siblings, sibling)
		proof.Directions = append(proof.Directions, isRight)
		index /= 2
	}

	return proof, nil
}

// InclusionProof proves a single key is part of a root. Directions[i] is true
// when the sibling at that level sits on the right.
type InclusionProof struct {
	Key        string      `json:"key"`
	ValueHash  hash.Hash   `json:"value_hash"`
	LeafIndex  int         `json:"leaf_index"`
	Siblings   []hash.Hash `json:"siblings"`
	Directions []bool      `json:"directions"`
}

func (p *InclusionProof) Verify(hasher *hash.Hasher, expectedRoot hash.Hash) bool {
	if hasher == nil {
		hasher = hash.Default
	}
	if len(p.Siblings) != len(p.Directions) {
		return false
	}

	current := leafHash(hasher, p.Key, p.ValueHash)
	for i, sibling := range p.Siblings {
		if p.Directions[i] {
			current = hasher.Combine(current, sibling)
		} else {
			current = hasher.Combine(sibling, current)
		}
	}

	return current == expectedRoot
}
