package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	gohash "hash"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hash is a hex-encoded digest.
type Hash string

func (h Hash) String() string {
	return string(h)
}

func (h Hash) IsZero() bool {
	return h == ""
}

// Short returns the first 12 characters, used in logs.
func (h Hash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	BLAKE3     Algorithm = "blake3"
	BLAKE2b256 Algorithm = "blake2b_256"
	XXHash64   Algorithm = "xxhash64"
)

var Algorithms = []Algorithm{SHA256, BLAKE3, BLAKE2b256, XXHash64}

// Hasher produces digests with one configured algorithm. All replicas of a
// cluster must agree on the algorithm or their roots never match.
type Hasher struct {
	algorithm Algorithm
	newHash   func() gohash.Hash
}

var Default = MustHasher(SHA256)

func NewHasher(algorithm string) (*Hasher, error) {
	switch Algorithm(algorithm) {
	case SHA256, "":
		return &Hasher{algorithm: SHA256, newHash: sha256.New}, nil
	case BLAKE3:
		return &Hasher{algorithm: BLAKE3, newHash: func() gohash.Hash { return blake3.New() }}, nil
	case BLAKE2b256:
		return &Hasher{algorithm: BLAKE2b256, newHash: func() gohash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		}}, nil
	case XXHash64:
		return &Hasher{algorithm: XXHash64, newHash: func() gohash.Hash { return xxhash.New() }}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func MustHasher(algorithm Algorithm) *Hasher {
	h, err := NewHasher(string(algorithm))
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// Digest hashes data as-is.
func (h *Hasher) Digest(data []byte) Hash {
	d := h.newHash()
	d.Write(data)
	return Hash(hex.EncodeToString(d.Sum(nil)))
}

func (h *Hasher) DigestString(data string) Hash {
	return h.Digest([]byte(data))
}

// Sum hashes a sequence of parts, each prefixed with its length so that
// ("ab","c") and ("a","bc") never collide.
func (h *Hasher) Sum(parts ...[]byte) Hash {
	d := h.newHash()
	var prefix [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(p)))
		d.Write(prefix[:])
		d.Write(p)
	}
	return Hash(hex.EncodeToString(d.Sum(nil)))
}

// Combine hashes the concatenation of two digests. Used for interior nodes.
func (h *Hasher) Combine(left, right Hash) Hash {
	return h.DigestString(string(left) + string(right))
}

// Empty is the digest of the literal "empty", the root of an empty structure.
func (h *Hasher) Empty() Hash {
	return h.DigestString("empty")
}

func Uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// HashChain links each digest to the one before it.
type HashChain struct {
	hasher       *Hasher
	previousHash Hash
}

func NewHashChain(hasher *Hasher, initialHash Hash) *HashChain {
	if hasher == nil {
		hasher = Default
	}
	return &HashChain{
		hasher:       hasher,
		previousHash: initialHash,
	}
}

func (hc *HashChain) Add(parts ...[]byte) Hash {
	dataHash := hc.hasher.Sum(parts...)
	newHash := hc.hasher.Combine(hc.previousHash, dataHash)
	hc.previousHash = newHash
	return newHash
}

func (hc *HashChain) GetPreviousHash() Hash {
	return hc.previousHash
}

func (hc *HashChain) SetPreviousHash(hash Hash) {
	hc.previousHash = hash
}
