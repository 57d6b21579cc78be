package mipstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
)

// fakeImage is the pool-side record of one allocation.
type fakeImage struct {
	desc     *Descriptor
	resident LevelMask
	uploads  map[MipLevel][]byte
}

// fakePool records every call and can be told to fail.
type fakePool struct {
	mu     sync.Mutex
	next   ImageHandle
	images map[ImageHandle]*fakeImage

	allocErr   error
	expandErr  error
	trimErr    error
	deallocErr error

	expandCalls []MipRange
	trimCalls   []MipRange
	deallocated []ImageHandle
}

func newFakePool() *fakePool {
	return &fakePool{images: make(map[ImageHandle]*fakeImage)}
}

func (p *fakePool) AllocateImage(desc *Descriptor) (ImageHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocErr != nil {
		return 0, p.allocErr
	}
	p.next++
	p.images[p.next] = &fakeImage{desc: desc, uploads: make(map[MipLevel][]byte)}
	return p.next, nil
}

func (p *fakePool) ExpandResidency(h ImageHandle, r MipRange, data [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expandErr != nil {
		return p.expandErr
	}
	img, ok := p.images[h]
	if !ok {
		return fmt.Errorf("fake pool: unknown handle %d", h)
	}
	if len(data) != r.Len() {
		return fmt.Errorf("fake pool: %d payloads for range %s", len(data), r)
	}
	for i, d := range data {
		l := r.Top + MipLevel(i)
		img.uploads[l] = d
		img.resident = img.resident.With(l)
	}
	p.expandCalls = append(p.expandCalls, r)
	return nil
}

func (p *fakePool) TrimResidency(h ImageHandle, r MipRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trimErr != nil {
		return p.trimErr
	}
	img, ok := p.images[h]
	if !ok {
		return fmt.Errorf("fake pool: unknown handle %d", h)
	}
	img.resident &^= RangeMask(r)
	p.trimCalls = append(p.trimCalls, r)
	return nil
}

func (p *fakePool) DeallocateImage(h ImageHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deallocErr != nil {
		return p.deallocErr
	}
	delete(p.images, h)
	p.deallocated = append(p.deallocated, h)
	return nil
}

func (p *fakePool) residentMask(h ImageHandle) LevelMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	if img, ok := p.images[h]; ok {
		return img.resident
	}
	return 0
}

func (p *fakePool) lastExpand() MipRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.expandCalls) == 0 {
		return MipRange{Top: NoLevel, Bottom: NoLevel}
	}
	return p.expandCalls[len(p.expandCalls)-1]
}

func (p *fakePool) expandCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.expandCalls)
}

func (p *fakePool) trimCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.trimCalls)
}

func (p *fakePool) setExpandErr(err error) {
	p.mu.Lock()
	p.expandErr = err
	p.mu.Unlock()
}

func (p *fakePool) setTrimErr(err error) {
	p.mu.Lock()
	p.trimErr = err
	p.mu.Unlock()
}

type loadResult struct {
	data []byte
	err  error
}

// manualLoader blocks every Load until the test completes it. It ignores
// cancellation on purpose so tests can deliver stale completions.
type manualLoader struct {
	mu      sync.Mutex
	results map[AssetRef]chan loadResult
}

func newManualLoader() *manualLoader {
	return &manualLoader{results: make(map[AssetRef]chan loadResult)}
}

func (l *manualLoader) chanFor(ref AssetRef) chan loadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.results[ref]
	if !ok {
		ch = make(chan loadResult, 4)
		l.results[ref] = ch
	}
	return ch
}

func (l *manualLoader) Load(_ context.Context, ref AssetRef) ([]byte, error) {
	res := <-l.chanFor(ref)
	return res.data, res.err
}

func (l *manualLoader) complete(ref AssetRef, data []byte) {
	l.chanFor(ref) <- loadResult{data: data}
}

func (l *manualLoader) fail(ref AssetRef, err error) {
	l.chanFor(ref) <- loadResult{err: err}
}

// mapLoader answers immediately from a map.
func mapLoader(payloads map[AssetRef][]byte) AssetLoader {
	return AssetLoaderFunc(func(ctx context.Context, ref AssetRef) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := payloads[ref]
		if !ok {
			return nil, fmt.Errorf("no asset %q", ref)
		}
		return p, nil
	})
}

// testDescriptor builds an RGBA8 descriptor with streamed asset-backed
// levels followed by persistent inline levels.
func testDescriptor(id string, streamed, persistent int) *Descriptor {
	n := streamed + persistent
	size := uint32(1) << uint(n+1)
	d := &Descriptor{
		ID:     id,
		Width:  size,
		Height: size,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Levels: make([]LevelSource, n),
	}
	for i := 0; i < n; i++ {
		if i < streamed {
			d.Levels[i].Asset = levelRef(id, MipLevel(i))
		} else {
			d.Levels[i].Inline = make([]byte, d.LevelSize(MipLevel(i)))
		}
	}
	return d
}

func levelRef(id string, level MipLevel) AssetRef {
	return AssetRef(fmt.Sprintf("%s/%d", id, level))
}

// levelPayload returns a payload of the right size for level, filled
// with the level number.
func levelPayload(d *Descriptor, level MipLevel) []byte {
	p := make([]byte, d.LevelSize(level))
	for i := range p {
		p[i] = byte(level)
	}
	return p
}

// payloadsFor returns a payload for every streamed level of d.
func payloadsFor(d *Descriptor) map[AssetRef][]byte {
	out := make(map[AssetRef][]byte)
	for i, src := range d.Levels {
		if src.Asset != "" {
			out[src.Asset] = make([]byte, d.LevelSize(MipLevel(i)))
		}
	}
	return out
}

func newTestRegistry(t *testing.T, pool Pool, loader AssetLoader, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithMaxConcurrentLoads(8)}, opts...)
	reg := NewRegistry(pool, loader, opts...)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestImage(t *testing.T, reg *Registry, desc *Descriptor) *StreamingImage {
	t.Helper()
	h, err := reg.FindOrCreate(context.Background(), desc)
	require.NoError(t, err)
	return h.Image()
}

// dispatchN waits until n completions are queued and dispatches them.
func dispatchN(t *testing.T, q *CompletionQueue, n int) int {
	t.Helper()
	require.Eventually(t, func() bool { return q.Pending() >= n },
		2*time.Second, time.Millisecond, "waiting for %d completions", n)
	return q.Dispatch()
}

// requireContiguous asserts the pool-side residency is exactly
// [resident, last].
func requireContiguous(t *testing.T, pool *fakePool, img *StreamingImage) {
	t.Helper()
	want := RangeMask(MipRange{Top: img.ResidentMipLevel(), Bottom: img.LastLevel()})
	require.Equal(t, want, pool.residentMask(img.Handle()), "resident mask %s", pool.residentMask(img.Handle()))
}
