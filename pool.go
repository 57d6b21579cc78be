package mipstream

import "context"

// ImageHandle identifies a GPU image allocation inside a Pool.
type ImageHandle uint64

// Pool is the GPU allocation collaborator. Every call is synchronous and
// may fail; StreamingImage interprets failures according to the
// operation: ExpandResidency failures are recoverable, TrimResidency and
// DeallocateImage failures are fatal.
type Pool interface {
	// AllocateImage creates the GPU image for desc with room for its full
	// mip chain. No level is resident yet.
	AllocateImage(desc *Descriptor) (ImageHandle, error)

	// ExpandResidency makes the levels of r resident and uploads their
	// payloads. data[i] holds the payload of level r.Top+i. On error
	// nothing in r may be considered resident.
	ExpandResidency(h ImageHandle, r MipRange, data [][]byte) error

	// TrimResidency releases the GPU memory of the levels in r.
	TrimResidency(h ImageHandle, r MipRange) error

	// DeallocateImage destroys the GPU image.
	DeallocateImage(h ImageHandle) error
}

// AssetLoader is the asset-loading collaborator. Load blocks until the
// payload of ref is available or ctx is cancelled; MipChainStore calls it
// from background goroutines and turns the result into a Completion.
type AssetLoader interface {
	Load(ctx context.Context, ref AssetRef) ([]byte, error)
}

// AssetLoaderFunc adapts a function to AssetLoader.
type AssetLoaderFunc func(ctx context.Context, ref AssetRef) ([]byte, error)

// Load calls f(ctx, ref).
func (f AssetLoaderFunc) Load(ctx context.Context, ref AssetRef) ([]byte, error) {
	return f(ctx, ref)
}
