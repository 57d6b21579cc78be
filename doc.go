// Package mipstream manages the GPU residency of streamed mip chains.
//
// # Overview
//
// Large textures keep their full mip chain on disk. Only the coarse tail
// of the chain is uploaded when the image is created; more detailed
// levels are fetched in the background and committed to the GPU when a
// consumer needs them, and trimmed again when memory is needed elsewhere.
//
// # Quick Start
//
//	ctrl := mipstream.NewController(mipstream.WithBudget(512 << 20))
//	reg := mipstream.NewRegistry(pool, loader, mipstream.WithController(ctrl))
//
//	h, err := reg.FindOrCreate(ctx, desc)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//
//	for frame := range frames {
//	    // visibility jobs, from any goroutine
//	    h.Image().SetTargetMip(frame.MipFor(h.Image()))
//
//	    // render goroutine
//	    report, err := ctrl.Update(ctx)
//	    ...
//	}
//
// # Architecture
//
//   - MipChainStore: per-level backing payloads, fetched asynchronously
//   - ResidencyState: atomic targets and level masks
//   - StreamingImage: GPU image + state + store; expand/trim operations
//   - Controller: per-frame policy across all images, LRU trimming
//   - Registry: one canonical image per descriptor, reference counted
//
// Loader goroutines never touch the GPU. Their results are queued as
// Completions and applied by the frame goroutine in Controller.Update.
//
// # Residency Rules
//
// GPU residency always covers a contiguous run of levels ending at the
// coarsest level. ExpandMipChain only commits ready levels adjacent to
// the resident run, so a level that loaded early waits for the levels
// between it and the resident run.
//
// The gpu sub-package provides a Pool on gogpu/wgpu hal devices; the
// assets sub-packages provide loaders for directories, sqlite databases
// and memory.
package mipstream
