package mipstream

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
)

// FrameReport summarises one Controller.Update.
type FrameReport struct {
	// Frame is the controller's frame counter after the update.
	Frame uint64

	// Completions is the number of fetches that became ready.
	Completions int

	// Queued is the number of images that queued new fetches.
	Queued int

	// Expands is the number of images whose residency grew.
	Expands int

	// ExpandFailures is the number of expands the pool rejected.
	ExpandFailures int

	// Deferred is the number of ready expands postponed by the budget.
	Deferred int

	// Trims is the number of images whose residency shrank.
	Trims int

	// ResidentBytes is the GPU bytes of all registered images.
	ResidentBytes uint64
}

// String returns a human-readable summary of the report.
func (r FrameReport) String() string {
	return fmt.Sprintf("Frame[%d: %d ready, %d queued, %d expanded, %d failed, %d deferred, %d trimmed, %d KB resident]",
		r.Frame, r.Completions, r.Queued, r.Expands, r.ExpandFailures, r.Deferred, r.Trims, r.ResidentBytes/1024)
}

// controllerEntry tracks one image with LRU information.
type controllerEntry struct {
	img           *StreamingImage
	lastRequested uint64
	element       *list.Element
}

// Controller decides, across every registered StreamingImage, which
// images expand and which are trimmed. It is driven once per frame by
// Update from the goroutine that owns GPU state.
//
// The controller holds non-owning references: images are registered and
// unregistered by the Registry that owns them.
type Controller struct {
	mu sync.Mutex

	queue *CompletionQueue
	stats *Stats

	entries map[*StreamingImage]*controllerEntry

	// LRU list (front = most recently requested, back = least recently requested)
	lru *list.List

	frame uint64

	budget     uint64
	mipBias    int
	idleFrames uint64
	maxExpands int
}

// NewController creates a controller with its own completion queue and
// statistics unless options provide them.
func NewController(opts ...ControllerOption) *Controller {
	var o controllerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.queue == nil {
		o.queue = NewCompletionQueue()
	}
	if o.stats == nil {
		o.stats = NewStats()
	}

	return &Controller{
		queue:      o.queue,
		stats:      o.stats,
		entries:    make(map[*StreamingImage]*controllerEntry),
		lru:        list.New(),
		budget:     o.budget,
		mipBias:    o.mipBias,
		idleFrames: o.idleFrames,
		maxExpands: o.maxExpands,
	}
}

// Queue returns the completion queue dispatched by Update.
func (c *Controller) Queue() *CompletionQueue { return c.queue }

// Stats returns the streaming statistics.
func (c *Controller) Stats() *Stats { return c.stats }

// Frame returns the number of completed updates.
func (c *Controller) Frame() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Len returns the number of registered images.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Register starts tracking img. Registering twice does nothing.
func (c *Controller) Register(img *StreamingImage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[img]; ok {
		return
	}
	e := &controllerEntry{img: img, lastRequested: c.frame}
	e.element = c.lru.PushFront(e)
	c.entries[img] = e
}

// Unregister stops tracking img.
func (c *Controller) Unregister(img *StreamingImage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[img]
	if !ok {
		return
	}
	c.lru.Remove(e.element)
	delete(c.entries, img)
}

// Update runs one frame: it applies finished fetches, reconciles every
// image's requested level against its residency, trims idle images and
// commits ready mip chains within the budget.
//
// Expand failures are counted in the report. Only fatal pool errors
// (failed trims) are returned.
func (c *Controller) Update(ctx context.Context) (FrameReport, error) {
	if err := ctx.Err(); err != nil {
		return FrameReport{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.frame++
	report := FrameReport{Frame: c.frame}
	report.Completions = c.queue.Dispatch()

	var fatal error
	for _, e := range c.ordered() {
		fatal = errors.CombineErrors(fatal, c.reconcile(e, &report))
	}

	expands := 0
	for _, e := range c.ordered() {
		if c.maxExpands > 0 && expands >= c.maxExpands {
			break
		}
		img := e.img
		if !img.HasPendingExpand() {
			continue
		}

		limit := uint64(math.MaxUint64)
		if c.budget > 0 {
			need := img.PendingExpandBytes()
			for c.residentBytesLocked()+need > c.budget {
				trimmed, err := c.trimLeastRecent(img, &report)
				fatal = errors.CombineErrors(fatal, err)
				if !trimmed {
					break
				}
			}
			limit = 0
			if used := c.residentBytesLocked(); used < c.budget {
				limit = c.budget - used
			}
			// Commit the coarse end of the run when the whole run does not fit.
			if img.PendingExpandWithin(limit) == 0 {
				report.Deferred++
				continue
			}
		}

		before := img.ResidentMipLevel()
		err := img.ExpandMipChainWithin(limit)
		if errors.Is(err, ErrExpandFailed) {
			report.ExpandFailures++
			// Only memory pressure is relieved by trimming other images.
			if errors.Is(err, ErrOutOfMemory) {
				trimmed, terr := c.trimLeastRecent(img, &report)
				fatal = errors.CombineErrors(fatal, terr)
				if trimmed {
					if err := img.ExpandMipChainWithin(limit); err != nil {
						report.ExpandFailures++
					}
				}
			}
		}
		if img.ResidentMipLevel() < before {
			report.Expands++
			expands++
		}
	}

	report.ResidentBytes = c.residentBytesLocked()
	return report, fatal
}

// reconcile acts on one image's request for this frame.
func (c *Controller) reconcile(e *controllerEntry, report *FrameReport) error {
	img := e.img
	if !img.IsStreamable() {
		img.TakeStreamingTarget()
		return nil
	}

	target, ok := img.TakeStreamingTarget()
	if !ok {
		if c.idleFrames == 0 || c.frame-e.lastRequested < c.idleFrames {
			return nil
		}
		if img.ResidencyTarget() >= img.FirstPersistentLevel() && img.ResidentMipLevel() >= img.FirstPersistentLevel() {
			return nil
		}
		report.Trims++
		return img.TrimToMipChainLevel(img.FirstPersistentLevel())
	}

	e.lastRequested = c.frame
	c.lru.MoveToFront(e.element)
	target = img.clamp(target + MipLevel(c.mipBias))

	switch {
	case target < img.ResidencyTarget():
		img.QueueExpandToMipChainLevel(target)
		report.Queued++
	case target < img.ResidentMipLevel():
		// Target unchanged; retry levels whose fetch failed.
		if img.state.FailedMask()&RangeMask(MipRange{Top: target, Bottom: img.ResidentMipLevel() - 1}) != 0 {
			img.QueueExpandToMipChainLevel(target)
			report.Queued++
		}
	case target > img.ResidencyTarget():
		before := img.ResidentMipLevel()
		if err := img.TrimToMipChainLevel(target); err != nil {
			return err
		}
		if img.ResidentMipLevel() > before {
			report.Trims++
		}
	}
	return nil
}

// trimLeastRecent trims the least recently requested image other than
// keep by one level. Images requested in the current frame are spared.
func (c *Controller) trimLeastRecent(keep *StreamingImage, report *FrameReport) (bool, error) {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e, ok := el.Value.(*controllerEntry)
		if !ok || e.img == keep || e.lastRequested == c.frame {
			continue
		}
		img := e.img
		resident := img.ResidentMipLevel()
		if !img.IsStreamable() || resident >= img.FirstPersistentLevel() {
			continue
		}
		if err := img.TrimToMipChainLevel(resident + 1); err != nil {
			return false, err
		}
		report.Trims++
		return true, nil
	}
	return false, nil
}

// ordered returns the entries from most to least recently requested.
func (c *Controller) ordered() []*controllerEntry {
	out := make([]*controllerEntry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if e, ok := el.Value.(*controllerEntry); ok {
			out = append(out, e)
		}
	}
	return out
}

func (c *Controller) residentBytesLocked() uint64 {
	var total uint64
	for img := range c.entries {
		total += img.ResidentBytes()
	}
	return total
}

// ResidentBytes returns the GPU bytes of all registered images.
func (c *Controller) ResidentBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentBytesLocked()
}

// Flush dispatches completions until no fetch is in flight or ctx is
// done. It does not commit anything to the GPU; call Update afterwards.
func (c *Controller) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		c.queue.Dispatch()
		c.mu.Unlock()

		if c.stats.InFlight() <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.queue.Notify():
		}
	}
}

// Abort cancels every in-flight fetch of every registered image without
// changing GPU residency. It returns the number of cancelled fetches.
// Their completions are discarded by the next dispatch.
func (c *Controller) Abort() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for img := range c.entries {
		n += img.cancelPending()
	}
	return n
}
