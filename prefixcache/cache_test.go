package prefixcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe_PureAndDeterministic(t *testing.T) {
	tokens := []int32{1, 2, 3}
	assert.Equal(t, Probe(tokens), Probe(tokens))
	assert.NotEqual(t, Probe(tokens), Probe([]int32{1, 2, 3, 0}))
}

func TestProbe_DoesNotMutateCache(t *testing.T) {
	c := New()
	Probe([]int32{1, 2, 3})
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestUpsert_CreatesEntryOnFirstOwner(t *testing.T) {
	c := New()
	entry := c.Upsert("r1", []int32{1, 2, 3})
	require.NotNil(t, entry)
	assert.Equal(t, Probe([]int32{1, 2, 3}), entry.Fingerprint)
	assert.Contains(t, entry.Owners, "r1")
}

func TestUpsert_IsIdempotentPerOwner(t *testing.T) {
	c := New()
	c.Upsert("r1", []int32{1, 2, 3})
	c.Upsert("r1", []int32{1, 2, 3})
	entry := c.Match([]int32{1, 2, 3})
	require.NotNil(t, entry)
	assert.Len(t, entry.Owners, 1)
}

func TestUpsert_SharesOneEntryAcrossOwners(t *testing.T) {
	c := New()
	c.Upsert("r1", []int32{1, 2, 3})
	c.Upsert("r2", []int32{1, 2, 3})
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestMatch_MissReturnsNil(t *testing.T) {
	c := New()
	assert.Nil(t, c.Match([]int32{9, 9, 9}))
}

func TestDetach_DropsEntryWhenLastOwnerLeaves(t *testing.T) {
	// Entry exists iff owned; invariant from spec.md §4.2.
	c := New()
	c.Upsert("r1", []int32{1, 2, 3})
	c.Detach("r1")
	assert.Nil(t, c.Match([]int32{1, 2, 3}))
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestDetach_KeepsEntryIfAnotherOwnerRemains(t *testing.T) {
	c := New()
	c.Upsert("r1", []int32{1, 2, 3})
	c.Upsert("r2", []int32{1, 2, 3})
	c.Detach("r1")
	entry := c.Match([]int32{1, 2, 3})
	require.NotNil(t, entry)
	assert.NotContains(t, entry.Owners, "r1")
	assert.Contains(t, entry.Owners, "r2")
}

func TestDetach_UnknownOwnerIsANoOp(t *testing.T) {
	c := New()
	c.Upsert("r1", []int32{1, 2, 3})
	c.Detach("never-registered")
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestMatch_RecordsCollisionOnStoredTokenMismatch(t *testing.T) {
	// Construct a cache with a doctored entry whose fingerprint does not
	// correspond to its stored tokens, simulating the defensive path
	// Match takes on a fingerprint collision (spec.md §4.2).
	c := New()
	fp := Probe([]int32{1, 2, 3})
	c.entries[fp] = &Entry{
		Fingerprint: fp,
		Tokens:      []int32{9, 9, 9},
		Owners:      map[string]struct{}{"r1": {}},
	}
	assert.Nil(t, c.Match([]int32{1, 2, 3}))
	assert.EqualValues(t, 1, c.Stats().Collisions)
}
