package merkle

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/witnz/replisync/internal/hash"
)

func buildTree(entries map[string]string) *Tree {
	tree := New(nil)
	for k, v := range entries {
		tree.Insert(k, []byte(v))
	}
	return tree
}

func TestTree_EmptyRoot(t *testing.T) {
	tree := New(nil)

	if tree.Root() != hash.Default.DigestString("empty") {
		t.Errorf("Empty tree root should be the digest of \"empty\", got %s", tree.Root())
	}
	if tree.Len() != 0 {
		t.Errorf("Expected 0 leaves, got %d", tree.Len())
	}
}

func TestTree_InsertionOrderIndependent(t *testing.T) {
	keys := make([]string, 50)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}

	reference := New(nil)
	for _, k := range keys {
		reference.Insert(k, []byte("v-"+k))
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]string(nil), keys...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		tree := New(nil)
		for _, k := range shuffled {
			tree.Insert(k, []byte("v-"+k))
		}
		if tree.Root() != reference.Root() {
			t.Fatalf("Trial %d: root depends on insertion order", trial)
		}
	}
}

func TestTree_DifferentValuesDifferentRoot(t *testing.T) {
	tree1 := buildTree(map[string]string{"1": "Alice", "2": "Bob"})
	tree2 := buildTree(map[string]string{"1": "Alice", "2": "Charlie"})

	if tree1.Root() == tree2.Root() {
		t.Error("Different data should produce different roots")
	}
}

func TestTree_InsertReplacesValue(t *testing.T) {
	tree := buildTree(map[string]string{"a": "1"})
	before := tree.Root()

	tree.Insert("a", []byte("2"))
	if tree.Root() == before {
		t.Error("Replacing a value should change the root")
	}
	if tree.Len() != 1 {
		t.Errorf("Expected 1 leaf, got %d", tree.Len())
	}

	v, ok := tree.Get("a")
	if !ok || string(v) != "2" {
		t.Errorf("Expected value 2, got %q", v)
	}
}

func TestTree_InsertBatchMatchesSingleInserts(t *testing.T) {
	single := buildTree(map[string]string{"a": "1", "b": "2", "c": "3"})

	batch := New(nil)
	batch.InsertBatch([]Entry{
		{Key: "c", Value: []byte("3")},
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})

	if single.Root() != batch.Root() {
		t.Error("Batch insert should produce the same root as single inserts")
	}
}

func TestTree_GenerateProofSorted(t *testing.T) {
	tree := buildTree(map[string]string{"c": "3", "a": "1", "b": "2"})
	proof := tree.GenerateProof()

	want := []string{"a", "b", "c"}
	if len(proof.Paths) != len(want) {
		t.Fatalf("Expected %d paths, got %d", len(want), len(proof.Paths))
	}
	for i, k := range want {
		if proof.Paths[i] != k {
			t.Errorf("Path %d: expected %s, got %s", i, k, proof.Paths[i])
		}
	}
	if proof.Root != tree.Root() {
		t.Error("Proof root should equal tree root")
	}
	if err := ValidateProof(nil, proof); err != nil {
		t.Errorf("Generated proof should validate: %v", err)
	}
}

func TestTree_FindDifferences(t *testing.T) {
	a := buildTree(map[string]string{"op1": "x", "op2": "y"})
	b := buildTree(map[string]string{"op1": "x", "op3": "z"})

	diffs := a.FindDifferences(b.GenerateProof())
	if len(diffs) != 1 || diffs[0] != "op2" {
		t.Errorf("Expected [op2], got %v", diffs)
	}

	diffs = b.FindDifferences(a.GenerateProof())
	if len(diffs) != 1 || diffs[0] != "op3" {
		t.Errorf("Expected [op3], got %v", diffs)
	}

	if len(a.FindDifferences(a.GenerateProof())) != 0 {
		t.Error("A tree should have no differences with itself")
	}
}

func TestTree_FindDifferencesKeyOnly(t *testing.T) {
	a := buildTree(map[string]string{"k": "one"})
	b := buildTree(map[string]string{"k": "two"})

	if len(a.FindDifferences(b.GenerateProof())) != 0 {
		t.Error("FindDifferences compares keys only")
	}

	divergent := a.FindDivergent(b.GenerateProof())
	if len(divergent) != 1 || divergent[0] != "k" {
		t.Errorf("FindDivergent should report the conflicting key, got %v", divergent)
	}
}

func TestCompare(t *testing.T) {
	local := buildTree(map[string]string{"a": "1", "b": "2", "d": "4"})
	remote := buildTree(map[string]string{"b": "2", "c": "3", "d": "changed"})

	d := Compare(local.GenerateProof(), remote.GenerateProof())

	if len(d.Missing) != 1 || d.Missing[0] != "c" {
		t.Errorf("Expected missing [c], got %v", d.Missing)
	}
	if len(d.Extra) != 1 || d.Extra[0] != "a" {
		t.Errorf("Expected extra [a], got %v", d.Extra)
	}
	if len(d.Conflicting) != 1 || d.Conflicting[0] != "d" {
		t.Errorf("Expected conflicting [d], got %v", d.Conflicting)
	}
	if d.Size() != 3 || d.Empty() {
		t.Errorf("Unexpected delta size %d", d.Size())
	}
}

func TestCompare_ShortHashes(t *testing.T) {
	tree := buildTree(map[string]string{"a": "1", "b": "2", "c": "3"})
	remote := tree.GenerateProof()
	remote.Hashes = remote.Hashes[:1]

	d := Compare(tree.GenerateProof(), remote)
	if len(d.Conflicting) != 2 || d.Conflicting[0] != "b" || d.Conflicting[1] != "c" {
		t.Errorf("Keys without a remote digest should conflict, got %v", d.Conflicting)
	}

	divergent := tree.FindDivergent(MerkleProof{Paths: []string{"a", "b"}})
	if len(divergent) != 3 {
		t.Errorf("Expected every local key to diverge from a proof without digests, got %v", divergent)
	}
}

func TestValidateProof_Malformed(t *testing.T) {
	tree := buildTree(map[string]string{"a": "1", "b": "2", "c": "3"})
	good := tree.GenerateProof()

	tests := []struct {
		name   string
		mutate func(p *MerkleProof)
	}{
		{"length mismatch", func(p *MerkleProof) { p.Hashes = p.Hashes[:2] }},
		{"unsorted", func(p *MerkleProof) { p.Paths[0], p.Paths[1] = p.Paths[1], p.Paths[0] }},
		{"duplicate key", func(p *MerkleProof) { p.Paths[1] = p.Paths[0] }},
		{"wrong hash", func(p *MerkleProof) { p.Hashes[2] = hash.Default.DigestString("forged") }},
		{"wrong root", func(p *MerkleProof) { p.Root = hash.Default.DigestString("forged") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := MerkleProof{
				Root:   good.Root,
				Paths:  append([]string(nil), good.Paths...),
				Hashes: append([]hash.Hash(nil), good.Hashes...),
			}
			tt.mutate(&p)

			err := ValidateProof(nil, p)
			if !errors.Is(err, ErrMalformedProof) {
				t.Errorf("Expected ErrMalformedProof, got %v", err)
			}
		})
	}
}

func TestValidateProof_Empty(t *testing.T) {
	if err := ValidateProof(nil, New(nil).GenerateProof()); err != nil {
		t.Errorf("Empty proof should validate: %v", err)
	}
}

func TestInclusionProof_Verify(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4, 7, 16} {
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			tree := New(nil)
			for i := 0; i < size; i++ {
				tree.Insert(fmt.Sprintf("k%02d", i), []byte(fmt.Sprintf("v%d", i)))
			}
			root := tree.Root()

			for i := 0; i < size; i++ {
				proof, err := tree.InclusionProof(fmt.Sprintf("k%02d", i))
				if err != nil {
					t.Fatalf("Failed to get proof: %v", err)
				}
				if !proof.Verify(nil, root) {
					t.Errorf("Valid proof for k%02d failed verification", i)
				}
				if proof.Verify(nil, hash.Default.DigestString("wrong")) {
					t.Error("Proof should not verify against wrong root")
				}
			}
		})
	}
}

func TestInclusionProof_UnknownKey(t *testing.T) {
	tree := buildTree(map[string]string{"a": "1"})

	if _, err := tree.InclusionProof("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestTree_AlternateHasher(t *testing.T) {
	blake := New(hash.MustHasher(hash.BLAKE3))
	sha := New(nil)
	blake.Insert("a", []byte("1"))
	sha.Insert("a", []byte("1"))

	if blake.Root() == sha.Root() {
		t.Error("Different algorithms should produce different roots")
	}
	if err := ValidateProof(blake.Hasher(), blake.GenerateProof()); err != nil {
		t.Errorf("Proof should validate under its own hasher: %v", err)
	}
}
