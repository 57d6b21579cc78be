package mipstream

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"
)

// LevelState is the lifecycle state of one mip level of a StreamingImage.
//
//	Evicted -> Loading -> CPUReady -> GPUResident
//
// GPUResident returns to Evicted only through TrimToMipChainLevel;
// Loading returns to Evicted on cancellation or fetch failure.
type LevelState uint8

const (
	LevelEvicted LevelState = iota
	LevelLoading
	LevelCPUReady
	LevelGPUResident
)

// String returns the state name.
func (s LevelState) String() string {
	switch s {
	case LevelEvicted:
		return "Evicted"
	case LevelLoading:
		return "Loading"
	case LevelCPUReady:
		return "CPUReady"
	case LevelGPUResident:
		return "GPUResident"
	default:
		return fmt.Sprintf("LevelState(%d)", s)
	}
}

// StreamingImage combines a GPU image allocation with the residency
// state and backing store of its mip chain.
//
// Consumers only call SetTargetMip. The remaining mutating methods are
// reserved for the StreamingController and must be called from a single
// frame goroutine; a per-image mutex serialises them regardless.
//
// StreamingImages are created by a Registry and shared through Handles.
type StreamingImage struct {
	id     string
	desc   *Descriptor
	pool   Pool
	handle ImageHandle

	state *ResidencyState
	store *MipChainStore
	stats *Stats

	releaseUploaded bool

	gpuMu     sync.Mutex
	destroyed atomic.Bool
}

// newStreamingImage allocates the GPU image and uploads the persistent
// tail. desc must already be validated.
func newStreamingImage(desc *Descriptor, pool Pool, loader AssetLoader,
	sem *semaphore.Weighted, queue *CompletionQueue, stats *Stats, releaseUploaded bool,
) (*StreamingImage, error) {
	handle, err := pool.AllocateImage(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate image %s", desc.ID)
	}

	first := desc.FirstPersistentLevel()
	tail := MipRange{Top: first, Bottom: desc.LastLevel()}
	data := make([][]byte, 0, tail.Len())
	for l := tail.Top; l <= tail.Bottom; l++ {
		data = append(data, desc.Levels[l].Inline)
	}
	if err := pool.ExpandResidency(handle, tail, data); err != nil {
		if derr := pool.DeallocateImage(handle); derr != nil {
			err = errors.Mark(errors.CombineErrors(err, derr), ErrFatalPool)
		}
		return nil, errors.Wrapf(err, "upload persistent levels %s of %s", tail, desc.ID)
	}

	img := &StreamingImage{
		id:              xid.New().String(),
		desc:            desc,
		pool:            pool,
		handle:          handle,
		state:           newResidencyState(len(desc.Levels), first),
		stats:           stats,
		releaseUploaded: releaseUploaded,
	}
	img.store = newMipChainStore(img.id, desc, img.state, loader, sem, queue, stats)
	return img, nil
}

// ID returns the instance id used in logs.
func (img *StreamingImage) ID() string { return img.id }

// Descriptor returns the backing descriptor.
func (img *StreamingImage) Descriptor() *Descriptor { return img.desc }

// Handle returns the pool handle of the GPU image.
func (img *StreamingImage) Handle() ImageHandle { return img.handle }

// State returns the residency state.
func (img *StreamingImage) State() *ResidencyState { return img.state }

// Store returns the backing mip chain store.
func (img *StreamingImage) Store() *MipChainStore { return img.store }

// LastLevel returns the coarsest level.
func (img *StreamingImage) LastLevel() MipLevel { return img.desc.LastLevel() }

// FirstPersistentLevel returns the most detailed level that can never be
// trimmed.
func (img *StreamingImage) FirstPersistentLevel() MipLevel { return img.state.firstPersistent }

// IsStreamable reports whether the image has any level backed by an
// asset. Images without one never expand or trim.
func (img *StreamingImage) IsStreamable() bool {
	return img.state.firstPersistent > 0
}

func (img *StreamingImage) clamp(level MipLevel) MipLevel {
	return min(max(level, 0), img.LastLevel())
}

// SetTargetMip requests that level be streamed in. The level is clamped
// to the chain. Within one frame the most detailed request wins,
// whatever the order of calls or the goroutines they come from.
// SetTargetMip has no GPU side effects.
func (img *StreamingImage) SetTargetMip(level MipLevel) {
	img.state.requestLevel(img.clamp(level))
}

// StreamingTarget returns the most detailed level requested since the
// controller last reconciled, or NoLevel.
func (img *StreamingImage) StreamingTarget() MipLevel {
	return img.state.StreamingTarget()
}

// TakeStreamingTarget returns the frame's request and resets it.
func (img *StreamingImage) TakeStreamingTarget() (MipLevel, bool) {
	return img.state.takeStreamingTarget()
}

// ResidentMipLevel returns the most detailed level resident on the GPU.
// Before any expand this is the first persistent level, which is the
// coarsest level when the descriptor carries a single inline level.
func (img *StreamingImage) ResidentMipLevel() MipLevel {
	return img.state.ResidentLevel()
}

// ResidencyTarget returns the most detailed level the image is
// expanding towards.
func (img *StreamingImage) ResidencyTarget() MipLevel {
	return img.state.ResidencyTarget()
}

// ResidentBytes returns the GPU bytes of the resident levels.
func (img *StreamingImage) ResidentBytes() uint64 {
	return img.desc.RangeSize(MipRange{Top: img.ResidentMipLevel(), Bottom: img.LastLevel()})
}

// LevelState returns the lifecycle state of level.
func (img *StreamingImage) LevelState(level MipLevel) LevelState {
	switch {
	case level >= img.ResidentMipLevel():
		return LevelGPUResident
	case img.state.ReadyMask().Has(level):
		return LevelCPUReady
	case img.state.ActiveMask().Has(level):
		return LevelLoading
	default:
		return LevelEvicted
	}
}

// QueueExpandToMipChainLevel fetches every level between the resident
// level and level that is not ready yet, and lowers the residency target
// to level. It never touches the GPU and is idempotent.
func (img *StreamingImage) QueueExpandToMipChainLevel(level MipLevel) {
	if !img.IsStreamable() || img.destroyed.Load() {
		return
	}
	level = img.clamp(level)
	resident := img.ResidentMipLevel()
	if level >= resident {
		return
	}

	for l := resident - 1; l >= level; l-- {
		if !img.store.IsLevelReady(l) {
			img.store.FetchLevel(l)
		}
	}
	img.state.lowerResidencyTarget(level)
}

// QueueExpandToNextMipChainLevel queues an expand one level beyond the
// current residency target.
func (img *StreamingImage) QueueExpandToNextMipChainLevel() {
	img.QueueExpandToMipChainLevel(max(img.ResidencyTarget()-1, 0))
}

// readyRun returns the longest run of ready levels immediately above the
// resident level.
func (img *StreamingImage) readyRun() (MipRange, bool) {
	resident := img.ResidentMipLevel()
	ready := img.state.ReadyMask()
	top := resident
	for l := resident - 1; l >= 0 && ready.Has(l); l-- {
		top = l
	}
	if top == resident {
		return MipRange{}, false
	}
	return MipRange{Top: top, Bottom: resident - 1}, true
}

// HasPendingExpand reports whether ExpandMipChain would commit anything.
func (img *StreamingImage) HasPendingExpand() bool {
	if !img.IsStreamable() {
		return false
	}
	_, ok := img.readyRun()
	return ok
}

// PendingExpandBytes returns the GPU bytes the next ExpandMipChain would
// add.
func (img *StreamingImage) PendingExpandBytes() uint64 {
	r, ok := img.readyRun()
	if !ok {
		return 0
	}
	return img.desc.RangeSize(r)
}

// PendingExpandWithin returns the GPU bytes of the longest part of the
// ready run, taken from its coarse end, that fits in limit bytes.
func (img *StreamingImage) PendingExpandWithin(limit uint64) uint64 {
	r, ok := img.readyRun()
	if !ok {
		return 0
	}
	return img.desc.RangeSize(img.fitRun(r, limit))
}

// fitRun drops levels from the detailed end of r until it costs at most
// limit bytes. The result may be empty.
func (img *StreamingImage) fitRun(r MipRange, limit uint64) MipRange {
	for r.Len() > 0 && img.desc.RangeSize(r) > limit {
		r.Top++
	}
	return r
}

// ExpandMipChain commits the contiguous run of ready levels immediately
// above the resident level with a single pool call. A ready level beyond
// a gap is left for a later call. Without a run this is a no-op.
//
// When the pool rejects the expand, residency is unchanged and the
// returned error is marked with ErrExpandFailed.
func (img *StreamingImage) ExpandMipChain() error {
	return img.ExpandMipChainWithin(math.MaxUint64)
}

// ExpandMipChainWithin is ExpandMipChain limited to limit GPU bytes. Only
// the coarse end of the ready run that fits is committed; the rest stays
// CPU-ready.
func (img *StreamingImage) ExpandMipChainWithin(limit uint64) error {
	if !img.IsStreamable() || img.destroyed.Load() {
		return nil
	}

	img.gpuMu.Lock()
	defer img.gpuMu.Unlock()

	r, ok := img.readyRun()
	if !ok {
		return nil
	}
	r = img.fitRun(r, limit)
	if r.Len() == 0 {
		return nil
	}

	// Collect from the coarse end so a payload evicted concurrently only
	// shortens the run instead of leaving a gap.
	data := make([][]byte, r.Len())
	for l := r.Bottom; l >= r.Top; l-- {
		p, ok := img.store.Payload(l)
		if !ok {
			data = data[l-r.Top+1:]
			r.Top = l + 1
			break
		}
		data[l-r.Top] = p
	}
	if r.Len() == 0 {
		return nil
	}

	if err := img.pool.ExpandResidency(img.handle, r, data); err != nil {
		img.stats.expandFailed()
		Logger().Warn("mipstream: expand failed", "image", img.id, "id", img.desc.ID, "range", r, "err", err)
		return errors.Mark(errors.Wrapf(err, "expand %s to %s", img.desc.ID, r), ErrExpandFailed)
	}

	img.state.setResident(r.Top)
	img.state.lowerResidencyTarget(r.Top)
	img.stats.expanded(r.Len())
	Logger().Debug("mipstream: expanded", "image", img.id, "range", r)

	if img.releaseUploaded {
		for l := r.Top; l <= r.Bottom; l++ {
			img.store.EvictLevel(l)
		}
	}
	return nil
}

// TrimToMipChainLevel shrinks the image to level before returning: every
// more detailed level is evicted from CPU memory (cancelling in-flight
// fetches) and, if resident, from the GPU. Persistent levels are never
// trimmed, so level is clamped to the first persistent level.
//
// A pool failure is fatal and marked with ErrFatalPool.
func (img *StreamingImage) TrimToMipChainLevel(level MipLevel) error {
	if !img.IsStreamable() || img.destroyed.Load() {
		return nil
	}
	level = min(max(level, 0), img.state.firstPersistent)

	img.gpuMu.Lock()
	defer img.gpuMu.Unlock()

	changed := false
	for l := MipLevel(0); l < level; l++ {
		if img.store.IsLevelActive(l) {
			img.store.EvictLevel(l)
			changed = true
		}
		img.state.failed.clear(l)
	}

	resident := img.ResidentMipLevel()
	if resident < level {
		r := MipRange{Top: resident, Bottom: level - 1}
		if err := img.pool.TrimResidency(img.handle, r); err != nil {
			return errors.Mark(errors.Wrapf(err, "trim %s to level %d", img.desc.ID, level), ErrFatalPool)
		}
		img.state.setResident(level)
		changed = true
		Logger().Debug("mipstream: trimmed", "image", img.id, "range", r)
	}

	if img.ResidencyTarget() < level {
		img.state.raiseResidencyTarget(level)
		changed = true
	}
	if changed {
		img.stats.trimmed()
	}
	return nil
}

// cancelPending cancels every in-flight fetch without changing residency.
func (img *StreamingImage) cancelPending() int {
	n := img.store.cancelPending()
	resident := img.ResidentMipLevel()
	target := img.ResidencyTarget()
	if target < resident {
		// Ready levels above the resident level still count; keep the
		// target at the most detailed level that can still be committed.
		next := resident
		if r, ok := img.readyRun(); ok {
			next = r.Top
		}
		img.state.raiseResidencyTarget(next)
	}
	return n
}

// destroy cancels every fetch, drops all payloads and releases the GPU
// image. It runs once; later calls return nil.
func (img *StreamingImage) destroy() error {
	if !img.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	img.gpuMu.Lock()
	defer img.gpuMu.Unlock()

	img.store.evictAll()
	if err := img.pool.DeallocateImage(img.handle); err != nil {
		return errors.Mark(errors.Wrapf(err, "deallocate image %s", img.desc.ID), ErrFatalPool)
	}
	return nil
}
