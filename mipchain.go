package mipstream

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// levelSlot holds the CPU side of one mip level.
type levelSlot struct {
	ref        AssetRef
	size       uint64
	payload    []byte
	generation uint64
	cancel     context.CancelFunc
}

// MipChainStore holds the lazily-loaded backing payloads of one image's
// mip chain. Levels are fetched on demand and evicted independently.
//
// FetchLevel, EvictLevel and the readiness queries are safe for
// concurrent use. Completions are applied by CompletionQueue.Dispatch.
type MipChainStore struct {
	mu    sync.Mutex
	slots []levelSlot

	imageID string
	state   *ResidencyState
	loader  AssetLoader
	sem     *semaphore.Weighted
	queue   *CompletionQueue
	stats   *Stats
}

func newMipChainStore(imageID string, desc *Descriptor, state *ResidencyState,
	loader AssetLoader, sem *semaphore.Weighted, queue *CompletionQueue, stats *Stats,
) *MipChainStore {
	slots := make([]levelSlot, len(desc.Levels))
	for i, src := range desc.Levels {
		slots[i].ref = src.Asset
		slots[i].size = desc.LevelSize(MipLevel(i))
	}
	return &MipChainStore{
		slots:   slots,
		imageID: imageID,
		state:   state,
		loader:  loader,
		sem:     sem,
		queue:   queue,
		stats:   stats,
	}
}

func (s *MipChainStore) validLevel(level MipLevel) bool {
	return level >= 0 && int(level) < len(s.slots)
}

// IsLevelReady reports whether the payload of level has finished loading.
func (s *MipChainStore) IsLevelReady(level MipLevel) bool {
	return s.state.ReadyMask().Has(level)
}

// IsLevelActive reports whether level is loading or loaded.
func (s *MipChainStore) IsLevelActive(level MipLevel) bool {
	return s.state.ActiveMask().Has(level)
}

// FetchLevel starts an asynchronous load of level's backing asset and
// marks the level active. It returns immediately; completion arrives
// through the CompletionQueue. Fetching an active level, a persistent
// level or an out-of-range level does nothing.
func (s *MipChainStore) FetchLevel(level MipLevel) {
	if !s.validLevel(level) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := &s.slots[level]
	if slot.ref == "" || s.state.active.Load().Has(level) {
		return
	}

	slot.generation++
	ctx, cancel := context.WithCancel(context.Background())
	slot.cancel = cancel

	s.state.failed.clear(level)
	s.state.active.set(level)
	s.stats.fetchStarted()

	Logger().Debug("mipstream: fetch level", "image", s.imageID, "level", level, "ref", slot.ref)

	go s.load(ctx, level, slot.generation, slot.ref)
}

// load runs on its own goroutine. It always pushes exactly one
// completion, even when cancelled, so in-flight accounting stays exact.
func (s *MipChainStore) load(ctx context.Context, level MipLevel, generation uint64, ref AssetRef) {
	start := time.Now()
	c := Completion{store: s, level: level, generation: generation}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		c.err = err
	} else {
		c.payload, c.err = s.loader.Load(ctx, ref)
		s.sem.Release(1)
	}

	c.elapsed = time.Since(start)
	s.queue.push(c)
}

// complete applies one completion. It reports whether the level became
// ready. A payload whose size does not match the level is a failed fetch.
// Stale completions (the level was evicted or re-fetched since the
// load started) are discarded so an evicted level is never resurrected.
func (s *MipChainStore) complete(c Completion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.fetchFinished()

	slot := &s.slots[c.level]
	if c.generation != slot.generation || !s.state.active.Load().Has(c.level) || s.state.ready.Load().Has(c.level) {
		s.stats.fetchDiscarded()
		Logger().Debug("mipstream: discard stale fetch", "image", s.imageID, "level", c.level)
		return false
	}

	if slot.cancel != nil {
		slot.cancel()
		slot.cancel = nil
	}

	if c.err == nil && uint64(len(c.payload)) != slot.size {
		c.err = errors.Wrapf(ErrCorruptPayload, "%s: %d bytes, want %d", slot.ref, len(c.payload), slot.size)
	}
	if c.err != nil {
		s.state.active.clear(c.level)
		s.state.failed.set(c.level)
		s.stats.fetchFailed()
		Logger().Warn("mipstream: fetch failed", "image", s.imageID, "level", c.level, "ref", slot.ref, "err", c.err)
		return false
	}

	slot.payload = c.payload
	s.state.ready.set(c.level)
	s.stats.fetchLoaded(len(c.payload), c.elapsed)
	Logger().Debug("mipstream: level ready", "image", s.imageID, "level", c.level, "bytes", len(c.payload))
	return true
}

// EvictLevel releases the CPU payload of level, cancels its in-flight
// fetch and clears its active and ready flags. Evicting an inactive level
// does nothing. GPU state is never touched.
func (s *MipChainStore) EvictLevel(level MipLevel) {
	if !s.validLevel(level) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(level)
}

func (s *MipChainStore) evictLocked(level MipLevel) {
	if !s.state.active.Load().Has(level) {
		return
	}

	slot := &s.slots[level]
	if slot.cancel != nil {
		slot.cancel()
		slot.cancel = nil
	}
	slot.generation++
	slot.payload = nil

	// ready before active keeps ready a subset of active for readers.
	s.state.ready.clear(level)
	s.state.active.clear(level)
}

// Payload returns the payload of a ready level.
func (s *MipChainStore) Payload(level MipLevel) ([]byte, bool) {
	if !s.validLevel(level) {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.ready.Load().Has(level) {
		return nil, false
	}
	return s.slots[level].payload, true
}

// cancelPending evicts every level that is still loading. Ready levels
// keep their payloads.
func (s *MipChainStore) cancelPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	loading := s.state.active.Load() &^ s.state.ready.Load()
	for l := range s.slots {
		if loading.Has(MipLevel(l)) {
			s.evictLocked(MipLevel(l))
			n++
		}
	}
	return n
}

// evictAll drops every payload and cancels every fetch.
func (s *MipChainStore) evictAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for l := range s.slots {
		s.evictLocked(MipLevel(l))
	}
}
