// Package gpu implements mipstream.Pool on gogpu/wgpu hal devices.
//
// Every StreamingImage is backed by one 2D hal texture created with its
// full mip chain. Residency is tracked per level: ExpandResidency uploads
// level payloads with Queue.WriteTexture and charges their size against
// the pool's memory budget, TrimResidency returns it. Renderers sample
// only levels from BaseMipLevel down to the coarsest level.
//
// Usage:
//
//	pool, err := gpu.NewPool(device, queue, gpu.Config{MaxMemoryMB: 512})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	reg := mipstream.NewRegistry(pool, loader, mipstream.WithController(ctrl))
//
// A pool can also be built from a gpucontext.DeviceProvider shared with a
// windowing host, see NewPoolFromProvider.
package gpu

import "github.com/cockroachdb/errors"

// Pool errors.
var (
	// ErrMemoryBudgetExceeded is returned when an expand would exceed the
	// budget. The controller treats it as a recoverable expand failure.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("gpu: pool closed")

	// ErrImageNotFound is returned for an unknown image handle.
	ErrImageNotFound = errors.New("gpu: image not found in pool")

	// ErrInvalidRange is returned for a range outside the image's chain.
	ErrInvalidRange = errors.New("gpu: invalid mip range")

	// ErrPayloadSize is returned when a level payload does not match the
	// level's size.
	ErrPayloadSize = errors.New("gpu: payload size mismatch")

	// ErrNoDevice is returned when no hal device or queue is available.
	ErrNoDevice = errors.New("gpu: no hal device")
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default GPU memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// MinMemoryMB is the minimum allowed memory budget (16 MB).
	MinMemoryMB = 16
)

// Config holds configuration for creating a Pool.
type Config struct {
	// MaxMemoryMB is the budget for resident levels in megabytes.
	// Defaults to DefaultMaxMemoryMB if below MinMemoryMB.
	MaxMemoryMB int

	// Label prefixes the debug label of every texture. Defaults to
	// "mipstream".
	Label string
}

func (c Config) budgetBytes() uint64 {
	mb := c.MaxMemoryMB
	if mb < MinMemoryMB {
		mb = DefaultMaxMemoryMB
	}
	//nolint:gosec // G115: mb is at least MinMemoryMB
	return uint64(mb) * 1024 * 1024
}

func (c Config) label() string {
	if c.Label == "" {
		return "mipstream"
	}
	return c.Label
}
