package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mipstream"
)

// MemoryStats contains GPU memory usage statistics of a Pool.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the size of all resident levels.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// ImageCount is the number of allocated images.
	ImageCount int

	// ResidentLevels is the number of resident levels across all images.
	ResidentLevels int

	// Uploads is the total number of levels written to textures.
	Uploads uint64

	// Rejected is the number of expands refused by the budget.
	Rejected uint64

	// Utilization is the fraction of budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d images, %d levels, %d rejected]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.TotalBytes/1024,
		s.ImageCount,
		s.ResidentLevels,
		s.Rejected)
}

// poolImage is one allocated texture and its resident levels.
type poolImage struct {
	desc     *mipstream.Descriptor
	texture  hal.Texture
	resident mipstream.LevelMask
	bytes    uint64
}

// Pool allocates hal textures for streaming images and tracks the memory
// of their resident levels against a budget.
//
// Pool is safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	label  string

	budgetBytes uint64
	usedBytes   uint64

	images map[mipstream.ImageHandle]*poolImage
	next   mipstream.ImageHandle

	uploads  uint64
	rejected uint64

	closed bool
}

// NewPool creates a pool on device, uploading through queue.
func NewPool(device hal.Device, queue hal.Queue, config Config) (*Pool, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	return &Pool{
		device:      device,
		queue:       queue,
		label:       config.label(),
		budgetBytes: config.budgetBytes(),
		images:      make(map[mipstream.ImageHandle]*poolImage),
	}, nil
}

// halProvider is implemented by hosts that expose their hal objects next
// to the WebGPU-level device.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewPoolFromProvider creates a pool on the device of a shared
// gpucontext.DeviceProvider. The provider's Device and Queue must be hal
// types, or the provider must expose them through HalDevice and HalQueue.
func NewPoolFromProvider(provider gpucontext.DeviceProvider, config Config) (*Pool, error) {
	if provider == nil {
		return nil, ErrNoDevice
	}

	device, _ := provider.Device().(hal.Device)
	queue, _ := provider.Queue().(hal.Queue)
	if hp, ok := provider.(halProvider); ok && (device == nil || queue == nil) {
		device, _ = hp.HalDevice().(hal.Device)
		queue, _ = hp.HalQueue().(hal.Queue)
	}
	if device == nil || queue == nil {
		return nil, errors.Wrap(ErrNoDevice, "provider does not expose hal device and queue")
	}

	info := provider.AdapterInfo()
	slogger().Info("gpu: pool on shared device", "adapter", info.Name, "type", info.Type)
	return NewPool(device, queue, config)
}

// SetLogger sets the logger used by the gpu package.
func (p *Pool) SetLogger(l *slog.Logger) {
	setLogger(l)
}

// AllocateImage creates the texture of desc with room for its full chain.
// No level is resident afterwards.
func (p *Pool) AllocateImage(desc *mipstream.Descriptor) (mipstream.ImageHandle, error) {
	if err := desc.Validate(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPoolClosed
	}

	tex, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label: p.label + ":" + desc.ID,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: uint32(desc.LevelCount()), //nolint:gosec // G115: at most mipstream.MaxMipLevels
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "create texture %s", desc.ID)
	}

	p.next++
	p.images[p.next] = &poolImage{desc: desc, texture: tex}
	slogger().Debug("gpu: texture created", "handle", p.next, "id", desc.ID,
		"size", fmt.Sprintf("%dx%d", desc.Width, desc.Height), "levels", desc.LevelCount(), "format", desc.Format)
	return p.next, nil
}

func (p *Pool) lookupLocked(h mipstream.ImageHandle) (*poolImage, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	img, ok := p.images[h]
	if !ok {
		return nil, errors.Wrapf(ErrImageNotFound, "handle %d", h)
	}
	return img, nil
}

func checkRange(desc *mipstream.Descriptor, r mipstream.MipRange) error {
	if r.Len() == 0 || r.Top < 0 || r.Bottom > desc.LastLevel() {
		return errors.Wrapf(ErrInvalidRange, "%s for %s with %d levels", r, desc.ID, desc.LevelCount())
	}
	return nil
}

// ExpandResidency uploads data[i] into level r.Top+i and charges the
// levels that were not resident against the budget. When the budget
// cannot hold them, nothing is uploaded and the error wraps
// ErrMemoryBudgetExceeded, marked with mipstream.ErrOutOfMemory.
func (p *Pool) ExpandResidency(h mipstream.ImageHandle, r mipstream.MipRange, data [][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if err := checkRange(img.desc, r); err != nil {
		return err
	}
	if len(data) != r.Len() {
		return errors.Wrapf(ErrPayloadSize, "%d payloads for range %s", len(data), r)
	}

	var added uint64
	for l := r.Top; l <= r.Bottom; l++ {
		size := img.desc.LevelSize(l)
		if got := uint64(len(data[l-r.Top])); got != size {
			return errors.Wrapf(ErrPayloadSize, "%s level %d: %d bytes, want %d", img.desc.ID, l, got, size)
		}
		if !img.resident.Has(l) {
			added += size
		}
	}
	if p.usedBytes+added > p.budgetBytes {
		p.rejected++
		err := errors.Wrapf(ErrMemoryBudgetExceeded, "need %d bytes, have %d bytes available",
			added, p.availableLocked())
		return errors.Mark(err, mipstream.ErrOutOfMemory)
	}

	for l := r.Top; l <= r.Bottom; l++ {
		if err := p.writeLevel(img, l, data[l-r.Top]); err != nil {
			return err
		}
	}

	img.resident |= mipstream.RangeMask(r)
	img.bytes += added
	p.usedBytes += added
	p.uploads += uint64(r.Len()) //nolint:gosec // G115: range length is small and positive
	return nil
}

// writeLevel uploads one level. Caller must hold mu.
func (p *Pool) writeLevel(img *poolImage, level mipstream.MipLevel, payload []byte) error {
	w, h := img.desc.LevelExtent(level)
	bytesPerRow, rows := img.desc.LevelLayout(level)

	err := p.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  img.texture,
			MipLevel: uint32(level), //nolint:gosec // G115: level validated by checkRange
			Aspect:   gputypes.TextureAspectAll,
		},
		payload,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  bytesPerRow,
			RowsPerImage: rows,
		},
		&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return errors.Wrapf(err, "write %s level %d", img.desc.ID, level)
	}
	return nil
}

// TrimResidency releases the levels of r. Levels that are not resident
// are ignored.
func (p *Pool) TrimResidency(h mipstream.ImageHandle, r mipstream.MipRange) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if err := checkRange(img.desc, r); err != nil {
		return err
	}

	var freed uint64
	for l := r.Top; l <= r.Bottom; l++ {
		if img.resident.Has(l) {
			freed += img.desc.LevelSize(l)
		}
	}
	img.resident &^= mipstream.RangeMask(r)
	img.bytes -= freed
	p.usedBytes -= freed
	return nil
}

// DeallocateImage destroys the texture of h and returns its memory.
func (p *Pool) DeallocateImage(h mipstream.ImageHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	p.removeLocked(h, img)
	return nil
}

// removeLocked destroys one texture. Caller must hold mu.
func (p *Pool) removeLocked(h mipstream.ImageHandle, img *poolImage) {
	p.device.DestroyTexture(img.texture)
	p.usedBytes -= img.bytes
	delete(p.images, h)
	slogger().Debug("gpu: texture destroyed", "handle", h, "id", img.desc.ID)
}

// Texture returns the hal texture of h for binding.
func (p *Pool) Texture(h mipstream.ImageHandle) (hal.Texture, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, ok := p.images[h]
	if !ok {
		return nil, false
	}
	return img.texture, true
}

// BaseMipLevel returns the most detailed resident level of h, or
// mipstream.NoLevel if nothing is resident. Views and samplers must not
// reach below it.
func (p *Pool) BaseMipLevel(h mipstream.ImageHandle) mipstream.MipLevel {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, ok := p.images[h]
	if !ok {
		return mipstream.NoLevel
	}
	for l := mipstream.MipLevel(0); l <= img.desc.LastLevel(); l++ {
		if img.resident.Has(l) {
			return l
		}
	}
	return mipstream.NoLevel
}

func (p *Pool) availableLocked() uint64 {
	if p.usedBytes >= p.budgetBytes {
		return 0
	}
	return p.budgetBytes - p.usedBytes
}

// Stats returns current memory usage statistics.
func (p *Pool) Stats() MemoryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var utilization float64
	if p.budgetBytes > 0 {
		utilization = float64(p.usedBytes) / float64(p.budgetBytes)
	}
	levels := 0
	for _, img := range p.images {
		levels += img.resident.Count()
	}

	return MemoryStats{
		TotalBytes:     p.budgetBytes,
		UsedBytes:      p.usedBytes,
		AvailableBytes: p.availableLocked(),
		ImageCount:     len(p.images),
		ResidentLevels: levels,
		Uploads:        p.uploads,
		Rejected:       p.rejected,
		Utilization:    utilization,
	}
}

// SetBudget updates the memory budget. Lowering it below current usage
// only affects future expands; nothing is evicted.
func (p *Pool) SetBudget(megabytes int) error {
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	//nolint:gosec // G115: megabytes bounded by MinMemoryMB minimum
	p.budgetBytes = uint64(megabytes) * 1024 * 1024
	return nil
}

// Close destroys every texture. The pool should not be used afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	for h, img := range p.images {
		p.removeLocked(h, img)
	}
	p.closed = true
}

var _ mipstream.Pool = (*Pool)(nil)
