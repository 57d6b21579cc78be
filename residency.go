package mipstream

import (
	"fmt"
	"sync/atomic"
)

// ResidencyState is the compact per-image state describing which mip
// levels are requested, loading, loaded and resident.
//
// Targets and masks are atomics: consumers write the streaming target
// from any goroutine, fetch completions update the masks, and the
// controller may read all of them at any time.
type ResidencyState struct {
	lastLevel       MipLevel
	firstPersistent MipLevel

	streamingTarget atomic.Int32
	residencyTarget atomic.Int32
	residentLevel   atomic.Int32

	active    atomicMask
	ready     atomicMask
	evictable atomicMask
	failed    atomicMask
}

// newResidencyState creates the state of an image with levels mip levels
// whose persistent tail starts at firstPersistent. The tail is resident
// from the start.
func newResidencyState(levels int, firstPersistent MipLevel) *ResidencyState {
	s := &ResidencyState{
		lastLevel:       MipLevel(levels - 1),
		firstPersistent: firstPersistent,
	}
	s.streamingTarget.Store(int32(NoLevel))
	s.residencyTarget.Store(int32(firstPersistent))
	s.residentLevel.Store(int32(firstPersistent))
	return s
}

// requestLevel lowers the streaming target to level if level is more
// detailed than every request made since the last reconciliation.
func (s *ResidencyState) requestLevel(level MipLevel) {
	for {
		cur := s.streamingTarget.Load()
		if cur != int32(NoLevel) && cur <= int32(level) {
			return
		}
		if s.streamingTarget.CompareAndSwap(cur, int32(level)) {
			return
		}
	}
}

// takeStreamingTarget returns the frame's minimum request and resets it.
func (s *ResidencyState) takeStreamingTarget() (MipLevel, bool) {
	v := MipLevel(s.streamingTarget.Swap(int32(NoLevel)))
	return v, v != NoLevel
}

// StreamingTarget returns the most detailed level requested since the
// last reconciliation, or NoLevel.
func (s *ResidencyState) StreamingTarget() MipLevel {
	return MipLevel(s.streamingTarget.Load())
}

// ResidencyTarget returns the most detailed level the image wants
// resident on the GPU.
func (s *ResidencyState) ResidencyTarget() MipLevel {
	return MipLevel(s.residencyTarget.Load())
}

// ResidentLevel returns the most detailed level resident on the GPU.
func (s *ResidencyState) ResidentLevel() MipLevel {
	return MipLevel(s.residentLevel.Load())
}

// ActiveMask returns the levels loading or loaded into CPU memory.
func (s *ResidencyState) ActiveMask() LevelMask { return s.active.Load() }

// ReadyMask returns the levels whose CPU payload is ready for upload.
func (s *ResidencyState) ReadyMask() LevelMask { return s.ready.Load() }

// EvictableMask returns the resident levels a trim may remove.
func (s *ResidencyState) EvictableMask() LevelMask { return s.evictable.Load() }

// FailedMask returns the levels whose last fetch failed.
func (s *ResidencyState) FailedMask() LevelMask { return s.failed.Load() }

// lowerResidencyTarget moves the residency target to level if it is more
// detailed than the current target.
func (s *ResidencyState) lowerResidencyTarget(level MipLevel) {
	for {
		cur := s.residencyTarget.Load()
		if cur <= int32(level) || s.residencyTarget.CompareAndSwap(cur, int32(level)) {
			return
		}
	}
}

// raiseResidencyTarget moves the residency target to level if it is
// coarser than the current target.
func (s *ResidencyState) raiseResidencyTarget(level MipLevel) {
	for {
		cur := s.residencyTarget.Load()
		if cur >= int32(level) || s.residencyTarget.CompareAndSwap(cur, int32(level)) {
			return
		}
	}
}

// setResident records level as the most detailed resident level and
// recomputes the evictable mask. Only called from the frame goroutine.
func (s *ResidencyState) setResident(level MipLevel) {
	s.residentLevel.Store(int32(level))
	if level < s.firstPersistent {
		s.evictable.Store(RangeMask(MipRange{Top: level, Bottom: s.firstPersistent - 1}))
	} else {
		s.evictable.Store(0)
	}
}

// residentMask returns the levels resident on the GPU.
func (s *ResidencyState) residentMask() LevelMask {
	return RangeMask(MipRange{Top: s.ResidentLevel(), Bottom: s.lastLevel})
}

// Snapshot returns a consistent-enough copy of the state for inspection.
// Fields are loaded one by one, so a snapshot taken while completions
// are being applied may mix two moments.
func (s *ResidencyState) Snapshot() ResidencyStateSnapshot {
	return ResidencyStateSnapshot{
		StreamingTarget: s.StreamingTarget(),
		ResidencyTarget: s.ResidencyTarget(),
		ResidentLevel:   s.ResidentLevel(),
		Active:          s.ActiveMask(),
		Ready:           s.ReadyMask(),
		Evictable:       s.EvictableMask(),
		Failed:          s.FailedMask(),
	}
}

// ResidencyStateSnapshot is a point-in-time copy of a ResidencyState.
type ResidencyStateSnapshot struct {
	StreamingTarget MipLevel
	ResidencyTarget MipLevel
	ResidentLevel   MipLevel
	Active          LevelMask
	Ready           LevelMask
	Evictable       LevelMask
	Failed          LevelMask
}

// String returns a human-readable summary of the snapshot.
func (s ResidencyStateSnapshot) String() string {
	return fmt.Sprintf("Residency[resident=%d target=%d streaming=%d active=%s ready=%s evictable=%s failed=%s]",
		s.ResidentLevel, s.ResidencyTarget, s.StreamingTarget,
		s.Active, s.Ready, s.Evictable, s.Failed)
}
