package mipstream

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"
)

// MipLevel identifies one level of a mip chain. Level 0 is the most
// detailed; larger values are coarser.
type MipLevel int

const (
	// NoLevel marks the absence of a request or target.
	NoLevel MipLevel = -1

	// MaxMipLevels is the largest mip chain a StreamingImage can hold.
	// It bounds LevelMask to 16 bits.
	MaxMipLevels = 16

	// MaxDimension is the largest width or height a descriptor may
	// declare: the base level of a full MaxMipLevels chain.
	MaxDimension = 1 << (MaxMipLevels - 1)
)

// MipRange is an inclusive range of mip levels. Top is the most detailed
// level of the range and Bottom the coarsest, so Top <= Bottom.
type MipRange struct {
	Top    MipLevel
	Bottom MipLevel
}

// Len returns the number of levels in the range, or 0 for an empty range.
func (r MipRange) Len() int {
	if r.Bottom < r.Top {
		return 0
	}
	return int(r.Bottom-r.Top) + 1
}

// Contains reports whether level lies inside the range.
func (r MipRange) Contains(level MipLevel) bool {
	return level >= r.Top && level <= r.Bottom
}

// String returns the range as "[top..bottom]".
func (r MipRange) String() string {
	return fmt.Sprintf("[%d..%d]", r.Top, r.Bottom)
}

// LevelMask is a dense bitmask over the levels of one mip chain.
// Bit N describes level N.
type LevelMask uint16

// MaskOf returns a mask with the given levels set.
func MaskOf(levels ...MipLevel) LevelMask {
	var m LevelMask
	for _, l := range levels {
		m = m.With(l)
	}
	return m
}

// RangeMask returns a mask with every level of r set.
func RangeMask(r MipRange) LevelMask {
	var m LevelMask
	for l := r.Top; l <= r.Bottom; l++ {
		m = m.With(l)
	}
	return m
}

// Has reports whether level is set.
func (m LevelMask) Has(level MipLevel) bool {
	if level < 0 || level >= MaxMipLevels {
		return false
	}
	return m&(1<<uint(level)) != 0
}

// With returns m with level set. Out-of-range levels are ignored.
func (m LevelMask) With(level MipLevel) LevelMask {
	if level < 0 || level >= MaxMipLevels {
		return m
	}
	return m | 1<<uint(level)
}

// Without returns m with level cleared.
func (m LevelMask) Without(level MipLevel) LevelMask {
	if level < 0 || level >= MaxMipLevels {
		return m
	}
	return m &^ (1 << uint(level))
}

// Count returns the number of set levels.
func (m LevelMask) Count() int {
	return bits.OnesCount16(uint16(m))
}

// IsSubsetOf reports whether every level of m is also set in other.
func (m LevelMask) IsSubsetOf(other LevelMask) bool {
	return m&^other == 0
}

// String lists the set levels, e.g. "{0,2,3}".
func (m LevelMask) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for l := MipLevel(0); l < MaxMipLevels; l++ {
		if !m.Has(l) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(l)))
		first = false
	}
	b.WriteByte('}')
	return b.String()
}

// atomicMask is a LevelMask that can be read while fetch completions
// update it from another goroutine.
type atomicMask struct {
	v atomic.Uint32
}

func (a *atomicMask) Load() LevelMask {
	return LevelMask(a.v.Load())
}

func (a *atomicMask) Store(m LevelMask) {
	a.v.Store(uint32(m))
}

func (a *atomicMask) set(level MipLevel) {
	a.update(func(m LevelMask) LevelMask { return m.With(level) })
}

func (a *atomicMask) clear(level MipLevel) {
	a.update(func(m LevelMask) LevelMask { return m.Without(level) })
}

func (a *atomicMask) update(fn func(LevelMask) LevelMask) {
	for {
		old := a.v.Load()
		next := uint32(fn(LevelMask(old)))
		if old == next || a.v.CompareAndSwap(old, next) {
			return
		}
	}
}
