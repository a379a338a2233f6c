package hash

import (
	"testing"
)

func TestNewHasher(t *testing.T) {
	tests := []struct {
		algorithm string
		hexLen    int
		want      Algorithm
	}{
		{"sha256", 64, SHA256},
		{"", 64, SHA256},
		{"blake3", 64, BLAKE3},
		{"blake2b_256", 64, BLAKE2b256},
		{"xxhash64", 16, XXHash64},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			h, err := NewHasher(tt.algorithm)
			if err != nil {
				t.Fatalf("NewHasher failed: %v", err)
			}
			if h.Algorithm() != tt.want {
				t.Errorf("Expected algorithm %s, got %s", tt.want, h.Algorithm())
			}

			d := h.DigestString("test string")
			if len(d) != tt.hexLen {
				t.Errorf("Expected digest length %d, got %d", tt.hexLen, len(d))
			}
			if d != h.DigestString("test string") {
				t.Error("Same data should produce same hash")
			}
		})
	}
}

func TestNewHasherUnsupported(t *testing.T) {
	if _, err := NewHasher("md5"); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}
}

func TestAlgorithmsDiffer(t *testing.T) {
	seen := make(map[Hash]Algorithm)
	for _, algo := range Algorithms {
		d := MustHasher(algo).DigestString("payload")
		if prev, ok := seen[d]; ok {
			t.Errorf("%s and %s produced the same digest", prev, algo)
		}
		seen[d] = algo
	}
}

func TestSumFraming(t *testing.T) {
	h := Default

	if h.Sum([]byte("ab"), []byte("c")) == h.Sum([]byte("a"), []byte("bc")) {
		t.Error("Part boundaries must change the digest")
	}
	if h.Sum([]byte("abc")) == h.DigestString("abc") {
		t.Error("Sum of one part should differ from a raw digest")
	}
}

func TestEmpty(t *testing.T) {
	h := Default
	if h.Empty() != h.DigestString("empty") {
		t.Error("Empty should be the digest of \"empty\"")
	}
}

func TestHashChain(t *testing.T) {
	hc := NewHashChain(nil, "genesis")

	hash1 := hc.Add([]byte("first block"))
	if hash1 == "" {
		t.Error("Hash should not be empty")
	}

	hash2 := hc.Add([]byte("second block"))
	if hash1 == hash2 {
		t.Error("Different blocks should produce different hashes")
	}

	if hc.GetPreviousHash() != hash2 {
		t.Error("Previous hash should be updated to latest hash")
	}

	replay := NewHashChain(nil, "genesis")
	replay.Add([]byte("first block"))
	if replay.Add([]byte("second block")) != hash2 {
		t.Error("Replaying the same chain should produce the same head")
	}
}

func TestHashChainSetPreviousHash(t *testing.T) {
	hc := NewHashChain(nil, "initial")

	hc.SetPreviousHash("new_hash_value")
	if hc.GetPreviousHash() != "new_hash_value" {
		t.Errorf("Expected previous hash new_hash_value, got %s", hc.GetPreviousHash())
	}
}

func TestShort(t *testing.T) {
	h := Default.DigestString("x")
	if len(h.Short()) != 12 {
		t.Errorf("Expected short hash length 12, got %d", len(h.Short()))
	}
	if Hash("abc").Short() != "abc" {
		t.Error("Short hashes should be returned unchanged")
	}
}
