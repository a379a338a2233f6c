package merkle

import (
	"fmt"

	"github.com/witnz/replisync/internal/hash"
)

// MerkleProof lists every key under Root with the digest of its value,
// sorted by key. Peers exchange it to compute set differences.
type MerkleProof struct {
	Root   hash.Hash   `json:"root"`
	Paths  []string    `json:"paths"`
	Hashes []hash.Hash `json:"hashes"`
}

func (p MerkleProof) Len() int {
	return len(p.Paths)
}

// Lookup indexes the proof by key.
func (p MerkleProof) Lookup() map[string]hash.Hash {
	m := make(map[string]hash.Hash, len(p.Paths))
	for i, k := range p.Paths {
		if i < len(p.Hashes) {
			m[k] = p.Hashes[i]
		}
	}
	return m
}

// ValidateProof checks that the proof is well formed and that its entries
// recompute to its root.
func ValidateProof(hasher *hash.Hasher, p MerkleProof) error {
	if hasher == nil {
		hasher = hash.Default
	}
	if len(p.Paths) != len(p.Hashes) {
		return fmt.Errorf("%w: %d paths but %d hashes", ErrMalformedProof, len(p.Paths), len(p.Hashes))
	}
	for i := 1; i < len(p.Paths); i++ {
		if p.Paths[i-1] >= p.Paths[i] {
			return fmt.Errorf("%w: paths not strictly sorted at %q", ErrMalformedProof, p.Paths[i])
		}
	}

	if root := computeRoot(hasher, p.Paths, p.Hashes); root != p.Root {
		return fmt.Errorf("%w: root %s does not match entries (%s)", ErrMalformedProof, p.Root.Short(), root.Short())
	}
	return nil
}

func computeRoot(hasher *hash.Hasher, paths []string, hashes []hash.Hash) hash.Hash {
	if len(paths) == 0 {
		return hasher.Empty()
	}

	level := make([]hash.Hash, len(paths))
	for i, k := range paths {
		level[i] = leafHash(hasher, k, hashes[i])
	}

	for len(level) > 1 {
		next := make([]hash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hasher.Combine(level[i], right))
		}
		level = next
	}
	return level[0]
}

// Delta describes how a local manifest differs from a remote one.
type Delta struct {
	// Missing keys exist remotely but not locally.
	Missing []string
	// Extra keys exist locally but not remotely.
	Extra []string
	// Conflicting keys exist on both sides with different value digests.
	Conflicting []string
}

func (d Delta) Empty() bool {
	return len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Conflicting) == 0
}

// Divergent returns the local keys the remote side lacks or disagrees on.
func (d Delta) Divergent() []string {
	out := make([]string, 0, len(d.Extra)+len(d.Conflicting))
	out = append(out, d.Extra...)
	out = append(out, d.Conflicting...)
	return out
}

func (d Delta) Size() int {
	return len(d.Missing) + len(d.Extra) + len(d.Conflicting)
}

// Compare merges two sorted manifests in a single pass. A key whose digest is
// absent on either side counts as conflicting.
func Compare(local, remote MerkleProof) Delta {
	d := Delta{
		Missing:     make([]string, 0),
		Extra:       make([]string, 0),
		Conflicting: make([]string, 0),
	}

	i, j := 0, 0
	for i < len(local.Paths) && j < len(remote.Paths) {
		switch {
		case local.Paths[i] == remote.Paths[j]:
			if i >= len(local.Hashes) || j >= len(remote.Hashes) || local.Hashes[i] != remote.Hashes[j] {
				d.Conflicting = append(d.Conflicting, local.Paths[i])
			}
			i++
			j++
		case local.Paths[i] < remote.Paths[j]:
			d.Extra = append(d.Extra, local.Paths[i])
			i++
		default:
			d.Missing = append(d.Missing, remote.Paths[j])
			j++
		}
	}
	d.Extra = append(d.Extra, local.Paths[i:]...)
	d.Missing = append(d.Missing, remote.Paths[j:]...)

	return d
}
