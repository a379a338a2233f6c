package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/witnz/replisync/internal/hash"
)

var ErrRootMismatch = errors.New("clock root does not match entries")

// Entry is one node's component: a logical timestamp and the hash chained
// from the clock root at the time of the tick.
type Entry struct {
	Timestamp uint64    `json:"timestamp"`
	Hash      hash.Hash `json:"hash"`
}

type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock is a vector clock whose entries are hash-chained and folded into a
// single root digest, so two replicas can compare causal state cheaply.
type Clock struct {
	mu      sync.RWMutex
	hasher  *hash.Hasher
	entries map[string]Entry
	root    hash.Hash
}

func New(hasher *hash.Hasher) *Clock {
	if hasher == nil {
		hasher = hash.Default
	}
	c := &Clock{
		hasher:  hasher,
		entries: make(map[string]Entry),
	}
	c.root = c.fold()
	return c
}

// Tick advances nodeID's component and returns the new entry hash.
func (c *Clock) Tick(nodeID string) hash.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.entries[nodeID].Timestamp + 1
	chain := hash.NewHashChain(c.hasher, c.root)
	h := chain.Add([]byte(nodeID), hash.Uint64Bytes(ts))

	c.entries[nodeID] = Entry{Timestamp: ts, Hash: h}
	c.root = c.fold()
	return h
}

func (c *Clock) Get(nodeID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[nodeID]
	return e, ok
}

func (c *Clock) Root() hash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

func (c *Clock) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Merge takes the component-wise maximum. On equal timestamps with different
// hashes the lexicographically smaller hash wins, which keeps merge
// commutative.
func (c *Clock) Merge(other *Clock) {
	if other == nil || other == c {
		return
	}
	c.MergeEntries(other.Entries())
}

func (c *Clock) MergeEntries(entries map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for node, theirs := range entries {
		ours, ok := c.entries[node]
		if !ok || theirs.Timestamp > ours.Timestamp ||
			(theirs.Timestamp == ours.Timestamp && theirs.Hash < ours.Hash) {
			c.entries[node] = theirs
			changed = true
		}
	}
	if changed {
		c.root = c.fold()
	}
}

// HappensBefore reports whether every component of c is <= the matching
// component of other. Missing components count as zero.
func (c *Clock) HappensBefore(other *Clock) bool {
	return happensBefore(c.Entries(), other.Entries())
}

func happensBefore(a, b map[string]Entry) bool {
	for node, e := range a {
		if e.Timestamp > b[node].Timestamp {
			return false
		}
	}
	return true
}

func (c *Clock) Compare(other *Clock) Relation {
	a, b := c.Entries(), other.Entries()
	ab := happensBefore(a, b)
	ba := happensBefore(b, a)

	switch {
	case ab && ba:
		return Equal
	case ab:
		return Before
	case ba:
		return After
	default:
		return Concurrent
	}
}

// Equal reports whether both clocks hold the same entries.
func (c *Clock) Equal(other *Clock) bool {
	return c.Root() == other.Root()
}

func (c *Clock) Clone() *Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Clock{
		hasher:  c.hasher,
		entries: make(map[string]Entry, len(c.entries)),
		root:    c.root,
	}
	for k, v := range c.entries {
		clone.entries[k] = v
	}
	return clone
}

func (c *Clock) Entries() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// fold digests all entries in node order. Callers hold c.mu.
func (c *Clock) fold() hash.Hash {
	if len(c.entries) == 0 {
		return c.hasher.Empty()
	}

	nodes := make([]string, 0, len(c.entries))
	for n := range c.entries {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	parts := make([][]byte, 0, len(nodes)*3)
	for _, n := range nodes {
		e := c.entries[n]
		parts = append(parts, []byte(n), hash.Uint64Bytes(e.Timestamp), []byte(e.Hash))
	}
	return c.hasher.Sum(parts...)
}

// Snapshot is the wire form of a clock.
type Snapshot struct {
	Entries map[string]Entry `json:"entries"`
	Root    hash.Hash        `json:"root"`
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{Entries: make(map[string]Entry, len(c.entries)), Root: c.root}
	for k, v := range c.entries {
		s.Entries[k] = v
	}
	return s
}

// FromSnapshot rebuilds a clock and rejects snapshots whose root does not
// match their entries.
func FromSnapshot(hasher *hash.Hasher, s Snapshot) (*Clock, error) {
	c := New(hasher)
	for k, v := range s.Entries {
		c.entries[k] = v
	}
	c.root = c.fold()

	if s.Root != "" && s.Root != c.root {
		return nil, fmt.Errorf("%w: got %s, computed %s", ErrRootMismatch, s.Root.Short(), c.root.Short())
	}
	return c, nil
}

func (c *Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	hasher := c.hasher
	decoded, err := FromSnapshot(hasher, s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasher = decoded.hasher
	c.entries = decoded.entries
	c.root = decoded.root
	return nil
}
