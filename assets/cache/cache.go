// Package cache provides a byte-budgeted payload cache in front of an
// asset loader.
//
// Loader is a sharded LRU: references are spread over 16 shards by an
// FNV-1a hash, each shard owning 1/16 of the byte budget. Payloads larger
// than a shard's budget are passed through uncached. Cached payloads are
// shared between callers and must not be modified.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/mipstream"
)

const (
	// ShardCount is the number of shards. Must be a power of 2.
	ShardCount = 16

	// DefaultBudget is the total byte budget used when none is given.
	DefaultBudget = 64 << 20

	shardMask = ShardCount - 1
)

// Stats contains cache statistics.
type Stats struct {
	// Len is the number of cached payloads.
	Len int
	// Bytes is the total size of cached payloads.
	Bytes uint64
	// Budget is the total byte budget.
	Budget uint64
	// Hits is the number of loads served from the cache.
	Hits uint64
	// Misses is the number of loads forwarded to the wrapped loader.
	Misses uint64
	// HitRate is Hits / (Hits + Misses), 0.0 to 1.0.
	HitRate float64
	// Evictions is the number of payloads evicted to stay within budget.
	Evictions uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Cache[%d entries, %d/%d KB, %.1f%% hits, %d evicted]",
		s.Len, s.Bytes/1024, s.Budget/1024, s.HitRate*100, s.Evictions)
}

// Loader caches the payloads returned by a wrapped mipstream.AssetLoader.
type Loader struct {
	next        mipstream.AssetLoader
	shards      [ShardCount]*shard
	shardBudget uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[mipstream.AssetRef]*entry
	lru     *lruList[mipstream.AssetRef]
	bytes   uint64
}

type entry struct {
	data []byte
	node *lruNode[mipstream.AssetRef]
}

// New wraps next with a cache of budget bytes. If budget is 0,
// DefaultBudget is used.
func New(next mipstream.AssetLoader, budget uint64) *Loader {
	if budget == 0 {
		budget = DefaultBudget
	}
	c := &Loader{next: next, shardBudget: max(budget/ShardCount, 1)}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[mipstream.AssetRef]*entry),
			lru:     newLRUList[mipstream.AssetRef](),
		}
	}
	return c
}

func hashRef(ref mipstream.AssetRef) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ref)) // fnv.Write never returns an error
	return h.Sum64()
}

func (c *Loader) shardOf(ref mipstream.AssetRef) *shard {
	return c.shards[hashRef(ref)&shardMask]
}

// Get returns the cached payload of ref.
func (c *Loader) Get(ref mipstream.AssetRef) ([]byte, bool) {
	s := c.shardOf(ref)
	s.mu.Lock()
	e, ok := s.entries[ref]
	if ok {
		s.lru.MoveToFront(e.node)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Load implements mipstream.AssetLoader. Misses are loaded through the
// wrapped loader and cached; errors are not cached.
func (c *Loader) Load(ctx context.Context, ref mipstream.AssetRef) ([]byte, error) {
	if data, ok := c.Get(ref); ok {
		c.hits.Add(1)
		return data, nil
	}
	c.misses.Add(1)
	data, err := c.next.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.set(ref, data)
	return data, nil
}

func (c *Loader) set(ref mipstream.AssetRef, data []byte) {
	size := uint64(len(data))
	if size > c.shardBudget {
		return
	}
	s := c.shardOf(ref)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[ref]; ok {
		s.bytes -= uint64(len(e.data))
		s.lru.Remove(e.node)
		delete(s.entries, ref)
	}
	for s.bytes+size > c.shardBudget {
		oldest, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		s.bytes -= uint64(len(s.entries[oldest].data))
		delete(s.entries, oldest)
		c.evictions.Add(1)
	}
	s.entries[ref] = &entry{data: data, node: s.lru.PushFront(ref)}
	s.bytes += size
}

// Delete removes ref from the cache and reports whether it was cached.
func (c *Loader) Delete(ref mipstream.AssetRef) bool {
	s := c.shardOf(ref)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	if !ok {
		return false
	}
	s.lru.Remove(e.node)
	s.bytes -= uint64(len(e.data))
	delete(s.entries, ref)
	return true
}

// Clear removes every cached payload.
func (c *Loader) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[mipstream.AssetRef]*entry)
		s.lru.Clear()
		s.bytes = 0
		s.mu.Unlock()
	}
}

// Stats returns current cache statistics.
func (c *Loader) Stats() Stats {
	st := Stats{
		Budget:    c.shardBudget * ShardCount,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Len += len(s.entries)
		st.Bytes += s.bytes
		s.mu.Unlock()
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// ResetStats resets the hit, miss and eviction counters.
func (c *Loader) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

var _ mipstream.AssetLoader = (*Loader)(nil)
