// Package prefixcache implements the content-addressed prefix cache: a
// mapping from a token-sequence fingerprint to the set of owners sharing
// that prefix's KV state. It lets the batch engine skip recomputing
// attention state for a prefix it has already seen.
package prefixcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Entry is a live prefix-cache record: the fingerprinted token sequence and
// the set of owners currently referencing it. Entry exists iff Owners is
// non-empty (spec.md §4.2 invariant).
type Entry struct {
	Fingerprint string
	Tokens      []int32
	Owners      map[string]struct{}
}

// Stats is the read-only snapshot returned by Stats.
type Stats struct {
	Entries    int
	Collisions int64 // advisory; see Cache.Match doc comment
}

// Cache is the content-addressed prefix index. Not safe for concurrent use;
// see engine.Safe for a coarse-mutex facade.
type Cache struct {
	entries    map[string]*Entry
	collisions int64
}

// New constructs an empty prefix cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

// Probe computes the fingerprint of tokens without mutating the cache.
// The encoding is injective over int32 token ids: each token contributes a
// fixed 4-byte big-endian block, so no delimiter-induced collision between
// distinct token sequences is possible.
func Probe(tokens []int32) string {
	h := sha256.New()
	var buf [4]byte
	for _, tok := range tokens {
		binary.BigEndian.PutUint32(buf[:], uint32(tok))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Match returns the entry whose fingerprint matches tokens, or nil.
//
// The chosen hash (SHA-256) makes a fingerprint collision between distinct
// token sequences cryptographically negligible. spec.md §4.2 nonetheless
// permits implementers to compare the stored token tuple on match "to
// eliminate even this [residual risk], at the cost of memory." This
// implementation takes that option: on a fingerprint hit it additionally
// compares the stored tokens, and if they differ (a real collision, or a
// forged fingerprint in a test) it does not report a match and instead
// records the event in an advisory Collisions counter rather than treating
// the hash as ground truth.
func (c *Cache) Match(tokens []int32) *Entry {
	fp := Probe(tokens)
	entry, ok := c.entries[fp]
	if !ok {
		return nil
	}
	if !tokensEqual(entry.Tokens, tokens) {
		c.collisions++
		return nil
	}
	return entry
}

// Upsert creates the entry for tokens if absent, otherwise adds owner to the
// existing entry's owner set. Idempotent per owner.
func (c *Cache) Upsert(owner string, tokens []int32) *Entry {
	fp := Probe(tokens)
	entry, ok := c.entries[fp]
	if !ok {
		entry = &Entry{
			Fingerprint: fp,
			Tokens:      append([]int32(nil), tokens...),
			Owners:      map[string]struct{}{owner: {}},
		}
		c.entries[fp] = entry
		return entry
	}
	entry.Owners[owner] = struct{}{}
	return entry
}

// Detach removes owner from every entry containing it, dropping entries
// whose owner set empties.
func (c *Cache) Detach(owner string) {
	for fp, entry := range c.entries {
		if _, ok := entry.Owners[owner]; !ok {
			continue
		}
		delete(entry.Owners, owner)
		if len(entry.Owners) == 0 {
			delete(c.entries, fp)
		}
	}
}

// Stats returns the number of live entries and the collision counter.
func (c *Cache) Stats() Stats {
	return Stats{Entries: len(c.entries), Collisions: c.collisions}
}

func tokensEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
