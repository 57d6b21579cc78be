package mipstream

import "github.com/cockroachdb/errors"

// Streaming errors.
var (
	// ErrInvalidDescriptor is returned when a descriptor fails validation.
	ErrInvalidDescriptor = errors.New("mipstream: invalid descriptor")

	// ErrExpandFailed marks a recoverable GPU expand failure. Residency is
	// left unchanged and the controller may retry on a later frame.
	ErrExpandFailed = errors.New("mipstream: expand residency failed")

	// ErrOutOfMemory marks a pool failure caused by memory pressure. The
	// controller trims other images only for expands failing with it.
	ErrOutOfMemory = errors.New("mipstream: out of gpu memory")

	// ErrCorruptPayload is recorded when a loaded payload does not match
	// the size of its level. The level is treated as a failed fetch.
	ErrCorruptPayload = errors.New("mipstream: payload does not match level size")

	// ErrFatalPool marks a GPU pool failure while trimming or
	// deallocating. It indicates a broken GPU context and must not be
	// swallowed.
	ErrFatalPool = errors.New("mipstream: fatal gpu pool error")

	// ErrHandleReleased is returned when a released Handle is used again.
	ErrHandleReleased = errors.New("mipstream: handle already released")

	// ErrRegistryClosed is returned by a closed Registry.
	ErrRegistryClosed = errors.New("mipstream: registry closed")
)
