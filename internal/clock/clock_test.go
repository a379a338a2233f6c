package clock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witnz/replisync/internal/hash"
)

func TestTick(t *testing.T) {
	c := New(nil)
	emptyRoot := c.Root()

	h1 := c.Tick("a")
	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Timestamp)
	assert.Equal(t, h1, e.Hash)
	assert.NotEqual(t, emptyRoot, c.Root())

	h2 := c.Tick("a")
	e, _ = c.Get("a")
	assert.Equal(t, uint64(2), e.Timestamp)
	assert.NotEqual(t, h1, h2)
}

func TestTickChainsFromRoot(t *testing.T) {
	a := New(nil)
	b := New(nil)

	b.Tick("x")
	assert.NotEqual(t, a.Tick("n"), b.Tick("n"), "entry hash should depend on the prior root")
}

func TestMergeIdempotent(t *testing.T) {
	c := New(nil)
	c.Tick("a")
	c.Tick("b")
	c.Tick("b")
	before := c.Snapshot()

	c.Merge(c.Clone())
	assert.Equal(t, before, c.Snapshot())

	c.Merge(c)
	assert.Equal(t, before, c.Snapshot())
}

func TestMergeTakesMaximum(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Tick("a")
	a.Tick("a")
	b.Tick("a")
	b.Tick("b")

	a.Merge(b)

	ea, _ := a.Get("a")
	eb, _ := a.Get("b")
	assert.Equal(t, uint64(2), ea.Timestamp)
	assert.Equal(t, uint64(1), eb.Timestamp)
}

func TestMergeCommutative(t *testing.T) {
	// Same timestamps, different hashes: both sides must settle on the same entry.
	a := New(nil)
	b := New(nil)
	b.Tick("other")
	a.Tick("n")
	b.Tick("n")

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)

	assert.Equal(t, ab.Snapshot(), ba.Snapshot())
	assert.True(t, ab.Equal(ba))
}

func TestHappensBefore(t *testing.T) {
	a := New(nil)
	a.Tick("a")

	b := a.Clone()
	b.Tick("b")

	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
	assert.True(t, a.HappensBefore(a), "happens-before is reflexive")
	assert.True(t, New(nil).HappensBefore(a), "empty clock precedes everything")
}

func TestCompare(t *testing.T) {
	base := New(nil)
	base.Tick("a")

	later := base.Clone()
	later.Tick("a")

	left := base.Clone()
	left.Tick("x")
	right := base.Clone()
	right.Tick("y")

	tests := []struct {
		name string
		a, b *Clock
		want Relation
	}{
		{"equal", base, base.Clone(), Equal},
		{"before", base, later, Before},
		{"after", later, base, After},
		{"concurrent", left, right, Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestMergeResolvesConcurrency(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Tick("a")
	b.Tick("b")
	require.Equal(t, Concurrent, a.Compare(b))

	a.Merge(b)
	assert.True(t, b.HappensBefore(a))
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := New(nil)
	c.Tick("a")
	c.Tick("b")

	restored, err := FromSnapshot(nil, c.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, c.Root(), restored.Root())
}

func TestFromSnapshotRejectsTamperedEntries(t *testing.T) {
	c := New(nil)
	c.Tick("a")

	s := c.Snapshot()
	e := s.Entries["a"]
	e.Timestamp = 99
	s.Entries["a"] = e

	_, err := FromSnapshot(nil, s)
	assert.ErrorIs(t, err, ErrRootMismatch)
}

func TestJSON(t *testing.T) {
	c := New(hash.MustHasher(hash.BLAKE3))
	c.Tick("a")

	data, err := json.Marshal(c)
	require.NoError(t, err)

	decoded := New(hash.MustHasher(hash.BLAKE3))
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, c.Root(), decoded.Root())
}

func TestRelationString(t *testing.T) {
	assert.Equal(t, "concurrent", Concurrent.String())
	assert.Equal(t, "before", Before.String())
}
