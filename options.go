package mipstream

// DefaultMaxConcurrentLoads bounds the number of asset loads running at
// once across a registry.
const DefaultMaxConcurrentLoads = 4

// RegistryOption configures a Registry during creation.
//
// Example:
//
//	ctrl := mipstream.NewController(mipstream.WithBudget(256 << 20))
//	reg := mipstream.NewRegistry(pool, loader,
//	    mipstream.WithController(ctrl),
//	    mipstream.WithMaxConcurrentLoads(8),
//	)
type RegistryOption func(*registryOptions)

type registryOptions struct {
	controller      *Controller
	queue           *CompletionQueue
	stats           *Stats
	maxLoads        int64
	releaseUploaded bool
}

func defaultRegistryOptions() registryOptions {
	return registryOptions{
		maxLoads: DefaultMaxConcurrentLoads,
	}
}

// WithController attaches a controller. Images are registered with it on
// creation and unregistered on teardown, and the registry shares the
// controller's completion queue and statistics.
func WithController(c *Controller) RegistryOption {
	return func(o *registryOptions) {
		o.controller = c
	}
}

// WithCompletionQueue sets the queue fetch completions are pushed to when
// no controller is attached.
func WithCompletionQueue(q *CompletionQueue) RegistryOption {
	return func(o *registryOptions) {
		o.queue = q
	}
}

// WithStats sets the statistics sink when no controller is attached.
func WithStats(s *Stats) RegistryOption {
	return func(o *registryOptions) {
		o.stats = s
	}
}

// WithMaxConcurrentLoads bounds concurrent asset loads. Values < 1 keep
// DefaultMaxConcurrentLoads.
func WithMaxConcurrentLoads(n int) RegistryOption {
	return func(o *registryOptions) {
		if n > 0 {
			o.maxLoads = int64(n)
		}
	}
}

// WithReleaseUploadedPayloads drops the CPU copy of every level as soon as
// it has been committed to the GPU. Re-expanding after a trim then
// fetches the level again.
func WithReleaseUploadedPayloads(release bool) RegistryOption {
	return func(o *registryOptions) {
		o.releaseUploaded = release
	}
}

// ControllerOption configures a Controller during creation.
type ControllerOption func(*controllerOptions)

type controllerOptions struct {
	queue      *CompletionQueue
	stats      *Stats
	budget     uint64
	mipBias    int
	idleFrames uint64
	maxExpands int
}

// WithBudget limits the GPU bytes of all registered images. Zero means
// unlimited; the pool may still reject expands on its own.
func WithBudget(bytes uint64) ControllerOption {
	return func(o *controllerOptions) {
		o.budget = bytes
	}
}

// WithMipBias makes every request n levels coarser before it is acted on.
func WithMipBias(n int) ControllerOption {
	return func(o *controllerOptions) {
		o.mipBias = n
	}
}

// WithIdleFrames trims images that were not requested for n frames down
// to their persistent levels. Zero disables idle trimming.
func WithIdleFrames(n uint64) ControllerOption {
	return func(o *controllerOptions) {
		o.idleFrames = n
	}
}

// WithMaxExpandsPerFrame bounds ExpandMipChain commits per Update. Zero
// means unlimited.
func WithMaxExpandsPerFrame(n int) ControllerOption {
	return func(o *controllerOptions) {
		o.maxExpands = n
	}
}

// WithQueue sets the completion queue the controller dispatches.
func WithQueue(q *CompletionQueue) ControllerOption {
	return func(o *controllerOptions) {
		o.queue = q
	}
}

// WithControllerStats sets the statistics the controller reads.
func WithControllerStats(s *Stats) ControllerOption {
	return func(o *controllerOptions) {
		o.stats = s
	}
}
