// Package kv implements the paged KV-cache allocator: a fixed-capacity pool
// of uniformly sized blocks grouped into pages, with reuse and LRU eviction.
// It is the memory substrate the batch engine allocates attention state from.
package kv

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is by callers.
var (
	// ErrCapacityExhausted is returned when the pool has no unpinned owned
	// block left to evict and all pages already exist.
	ErrCapacityExhausted = errors.New("kv: capacity exhausted")
	// ErrInvalidConfig is returned at construction time for a bad configuration.
	ErrInvalidConfig = errors.New("kv: invalid config")
)

// Handle is a stable (page, slot) identity for a block. Owners never hold
// raw block references; only handles, resolved through the Allocator.
type Handle struct {
	Page int
	Slot int
}

// block is the arena-owned representation of a Handle. Never destroyed once
// created by a page; only re-owned across allocate/release/evict.
type block struct {
	page     int
	slot     int
	owner    string // "" means free
	pinned   bool
	lastUsed int64

	// Intrusive doubly linked free list. Only meaningful while owner == "".
	prevFree *block
	nextFree *block
}

func (b *block) handle() Handle { return Handle{Page: b.page, Slot: b.slot} }

// CacheStats is the read-only accounting snapshot returned by GetCacheStats.
type CacheStats struct {
	TotalBlocks   int
	UsedBlocks    int
	ReusedBlocks  int64
	EvictedBlocks int64
	Hits          int64
	Misses        int64
}

// Config groups the allocator's construction parameters. Zero values fall
// back to the documented defaults (spec.md §6) in NewAllocator.
type Config struct {
	PageSize  int // bytes per page; default 4096
	BlockSize int // bytes per block; default 512
	MaxPages  int // pool growth ceiling; default 8
}

const (
	defaultPageSize  = 4096
	defaultBlockSize = 512
	defaultMaxPages  = 8
)

// Allocator is a fixed-capacity pool of blocks carved from MaxPages pages.
// It is not safe for concurrent use; see engine.Safe for a coarse-mutex
// facade suitable for multithreaded hosts.
type Allocator struct {
	pageSize      int
	blockSize     int
	maxPages      int
	blocksPerPage int

	pages  [][]*block
	owners map[string][]*block

	freeHead *block
	tail     *block // tail of the free list

	clock int64 // monotonic logical timestamp, advanced on every mutation

	reused  int64
	evicted int64
	hits    int64
	misses  int64
}

// NewAllocator validates cfg and constructs an empty Allocator (no pages yet;
// the first allocate call materializes page 0 on demand, per the capacity
// rule in spec.md §4.1).
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.BlockSize > cfg.PageSize {
		return nil, fmt.Errorf("%w: block_size %d exceeds page_size %d", ErrInvalidConfig, cfg.BlockSize, cfg.PageSize)
	}
	blocksPerPage := cfg.PageSize / cfg.BlockSize
	if blocksPerPage == 0 {
		return nil, fmt.Errorf("%w: page_size %d too small for block_size %d", ErrInvalidConfig, cfg.PageSize, cfg.BlockSize)
	}
	return &Allocator{
		pageSize:      cfg.PageSize,
		blockSize:     cfg.BlockSize,
		maxPages:      cfg.MaxPages,
		blocksPerPage: blocksPerPage,
		owners:        make(map[string][]*block),
	}, nil
}

// pushFreeTail appends a never-owned or evicted block to the tail of the
// free list, so it is reused only after hotter (released) blocks.
func (a *Allocator) pushFreeTail(b *block) {
	b.nextFree = nil
	b.prevFree = a.tail
	if a.tail != nil {
		a.tail.nextFree = b
	} else {
		a.freeHead = b
	}
	a.tail = b
}

// pushFreeHead inserts a just-released block at the head of the free list
// so it is reused first (stack-like MRU reuse policy, spec.md §4.1).
func (a *Allocator) pushFreeHead(b *block) {
	b.prevFree = nil
	b.nextFree = a.freeHead
	if a.freeHead != nil {
		a.freeHead.prevFree = b
	} else {
		a.tail = b
	}
	a.freeHead = b
}

func (a *Allocator) removeFree(b *block) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		a.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	} else {
		a.tail = b.prevFree
	}
	b.prevFree = nil
	b.nextFree = nil
}

func (a *Allocator) popFreeHead() *block {
	b := a.freeHead
	if b == nil {
		return nil
	}
	a.removeFree(b)
	return b
}

func (a *Allocator) freeCount() int {
	n := 0
	for b := a.freeHead; b != nil; b = b.nextFree {
		n++
	}
	return n
}

// createPage appends a new page's worth of never-owned blocks to the pool,
// pushing them to the free list's tail.
func (a *Allocator) createPage() {
	pageIdx := len(a.pages)
	blocks := make([]*block, a.blocksPerPage)
	for slot := 0; slot < a.blocksPerPage; slot++ {
		b := &block{page: pageIdx, slot: slot}
		blocks[slot] = b
		a.pushFreeTail(b)
	}
	a.pages = append(a.pages, blocks)
}

// ensureCapacity grows the pool (new pages) or evicts until at least n
// blocks are free, per the capacity rule in spec.md §4.1.
func (a *Allocator) ensureCapacity(n int) error {
	for a.freeCount() < n {
		if len(a.pages) < a.maxPages {
			a.createPage()
			continue
		}
		if !a.evictOne() {
			return ErrCapacityExhausted
		}
	}
	return nil
}

// evictOne picks the owned, unpinned block with the smallest lastUsed
// (ties broken by page, then slot, ascending) and returns it to the pool.
// Returns false if no block is evictable.
func (a *Allocator) evictOne() bool {
	var victim *block
	for _, page := range a.pages {
		for _, b := range page {
			if b.owner == "" || b.pinned {
				continue
			}
			if victim == nil || b.lastUsed < victim.lastUsed ||
				(b.lastUsed == victim.lastUsed && less(b, victim)) {
				victim = b
			}
		}
	}
	if victim == nil {
		return false
	}
	a.detachFromOwner(victim)
	victim.owner = ""
	victim.pinned = false
	a.clock++
	victim.lastUsed = a.clock
	a.evicted++
	a.pushFreeTail(victim)
	return true
}

func less(b, victim *block) bool {
	if b.page != victim.page {
		return b.page < victim.page
	}
	return b.slot < victim.slot
}

// detachFromOwner removes b from its owner's block list, dropping the owner
// entry entirely when it becomes empty.
func (a *Allocator) detachFromOwner(b *block) {
	owner := b.owner
	blocks := a.owners[owner]
	for i, ob := range blocks {
		if ob == b {
			blocks = append(blocks[:i], blocks[i+1:]...)
			break
		}
	}
	if len(blocks) == 0 {
		delete(a.owners, owner)
	} else {
		a.owners[owner] = blocks
	}
}

// Allocate reserves ceil(kvLength/blockSize) blocks for owner, growing the
// pool or evicting as needed. Blocks are returned in pop order (head-first).
func (a *Allocator) Allocate(owner string, kvLength int, pin bool) ([]Handle, error) {
	n := (kvLength + a.blockSize - 1) / a.blockSize
	if err := a.ensureCapacity(n); err != nil {
		return nil, err
	}
	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		b := a.popFreeHead()
		if b == nil {
			// ensureCapacity guaranteed n free blocks; this should not happen.
			return nil, ErrCapacityExhausted
		}
		b.owner = owner
		b.pinned = pin
		a.clock++
		b.lastUsed = a.clock
		a.reused++
		a.owners[owner] = append(a.owners[owner], b)
		handles = append(handles, b.handle())
	}
	return handles, nil
}

// Touch refreshes last_used on every block owner holds, and records a hit if
// owner held any blocks, a miss otherwise.
func (a *Allocator) Touch(owner string) {
	blocks := a.owners[owner]
	if len(blocks) > 0 {
		a.hits++
	} else {
		a.misses++
	}
	a.clock++
	for _, b := range blocks {
		b.lastUsed = a.clock
	}
}

// Release frees every block owner holds, clearing owner and pin state and
// pushing them to the free list's head for hot reuse.
func (a *Allocator) Release(owner string) {
	blocks := a.owners[owner]
	delete(a.owners, owner)
	a.clock++
	for _, b := range blocks {
		b.owner = ""
		b.pinned = false
		b.lastUsed = a.clock
		a.pushFreeHead(b)
	}
}

// DescribeOwner returns a read-only enumeration of owner's blocks.
func (a *Allocator) DescribeOwner(owner string) []Handle {
	blocks := a.owners[owner]
	if len(blocks) == 0 {
		return nil
	}
	out := make([]Handle, len(blocks))
	for i, b := range blocks {
		out[i] = b.handle()
	}
	return out
}

// GetCacheStats returns the cumulative accounting snapshot. Counters
// (Reused, Evicted, Hits, Misses) are advisory, never correctness-bearing.
func (a *Allocator) GetCacheStats() CacheStats {
	total := len(a.pages) * a.blocksPerPage
	used := total - a.freeCount()
	return CacheStats{
		TotalBlocks:   total,
		UsedBlocks:    used,
		ReusedBlocks:  a.reused,
		EvictedBlocks: a.evicted,
		Hits:          a.hits,
		Misses:        a.misses,
	}
}
