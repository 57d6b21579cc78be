package mipstream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// Registry owns the canonical StreamingImage of every descriptor ID.
// FindOrCreate returns reference-counted Handles; releasing the last
// Handle of an image tears it down and deallocates its GPU image.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool

	pool       Pool
	loader     AssetLoader
	controller *Controller
	queue      *CompletionQueue
	stats      *Stats
	sem        *semaphore.Weighted

	releaseUploaded bool
}

type registryEntry struct {
	img  *StreamingImage
	refs int
}

// NewRegistry creates a registry allocating GPU images from pool and
// loading levels through loader.
func NewRegistry(pool Pool, loader AssetLoader, opts ...RegistryOption) *Registry {
	o := defaultRegistryOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{
		entries:         make(map[string]*registryEntry),
		pool:            pool,
		loader:          loader,
		controller:      o.controller,
		queue:           o.queue,
		stats:           o.stats,
		sem:             semaphore.NewWeighted(o.maxLoads),
		releaseUploaded: o.releaseUploaded,
	}
	if c := o.controller; c != nil {
		r.queue = c.Queue()
		r.stats = c.Stats()
	}
	if r.queue == nil {
		r.queue = NewCompletionQueue()
	}
	if r.stats == nil {
		r.stats = NewStats()
	}

	propagateLogger(pool)
	propagateLogger(loader)
	return r
}

// Queue returns the completion queue fetches report to.
func (r *Registry) Queue() *CompletionQueue { return r.queue }

// Stats returns the streaming statistics of the registry's images.
func (r *Registry) Stats() *Stats { return r.stats }

// FindOrCreate returns a new reference to the image of desc.ID, creating
// it if needed. Creation allocates the GPU image and uploads the
// persistent levels synchronously.
func (r *Registry) FindOrCreate(ctx context.Context, desc *Descriptor) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if e, ok := r.entries[desc.ID]; ok {
		e.refs++
		return &Handle{reg: r, img: e.img}, nil
	}

	img, err := newStreamingImage(desc, r.pool, r.loader, r.sem, r.queue, r.stats, r.releaseUploaded)
	if err != nil {
		return nil, err
	}
	r.entries[desc.ID] = &registryEntry{img: img, refs: 1}
	if r.controller != nil {
		r.controller.Register(img)
	}

	Logger().Info("mipstream: image created",
		"image", img.id, "id", desc.ID,
		"levels", desc.LevelCount(), "persistent", desc.PersistentLevels())
	return &Handle{reg: r, img: img}, nil
}

// Lookup returns a new reference to the image of id if it exists.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || r.closed {
		return nil, false
	}
	e.refs++
	return &Handle{reg: r, img: e.img}, true
}

// Len returns the number of live images.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) acquire(img *StreamingImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[img.desc.ID]
	if !ok || e.img != img {
		return ErrHandleReleased
	}
	e.refs++
	return nil
}

func (r *Registry) release(img *StreamingImage) error {
	r.mu.Lock()
	e, ok := r.entries[img.desc.ID]
	if !ok || e.img != img {
		// Already torn down by Close.
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, img.desc.ID)
	r.mu.Unlock()

	return r.teardown(img)
}

func (r *Registry) teardown(img *StreamingImage) error {
	if r.controller != nil {
		r.controller.Unregister(img)
	}
	Logger().Info("mipstream: image destroyed", "image", img.id, "id", img.desc.ID)
	return img.destroy()
}

// Close tears down every image regardless of outstanding references.
// Handles released afterwards are no-ops. Deallocation failures are
// combined and returned.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	var err error
	for _, e := range entries {
		err = errors.CombineErrors(err, r.teardown(e.img))
	}
	return err
}

// Handle is one shared reference to a StreamingImage.
type Handle struct {
	reg      *Registry
	img      *StreamingImage
	released atomic.Bool
}

// Image returns the referenced image. It stays valid until the last
// Handle is released.
func (h *Handle) Image() *StreamingImage {
	return h.img
}

// Clone returns an additional reference to the same image.
func (h *Handle) Clone() (*Handle, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	if err := h.reg.acquire(h.img); err != nil {
		return nil, err
	}
	return &Handle{reg: h.reg, img: h.img}, nil
}

// Release drops the reference. Releasing the last reference destroys the
// image; a GPU deallocation failure is returned marked with ErrFatalPool.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return ErrHandleReleased
	}
	return h.reg.release(h.img)
}
