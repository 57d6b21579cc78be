package mipstream

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
)

// AssetRef names the backing asset of one mip level. Its meaning belongs
// to the AssetLoader: a file name, a database key, an URL.
type AssetRef string

// LevelSource describes where the payload of one mip level comes from.
// Exactly one of Asset and Inline is expected to be set.
type LevelSource struct {
	// Asset is the backing asset streamed on demand.
	Asset AssetRef

	// Inline is a payload shipped with the descriptor. Inline levels are
	// persistent: uploaded when the image is created and never trimmed.
	Inline []byte
}

// Descriptor is the resolved backing description of a streaming image.
// The registry keeps one StreamingImage per distinct ID.
type Descriptor struct {
	// ID identifies the backing asset. Two descriptors with the same ID
	// resolve to the same StreamingImage.
	ID string

	// Width and Height are the dimensions of level 0 in texels.
	Width  uint32
	Height uint32

	// Format is the GPU texel format of every level.
	Format gputypes.TextureFormat

	// Levels holds one source per mip level, most detailed first.
	Levels []LevelSource
}

// Validate checks the structural rules of a descriptor: a non-empty ID,
// dimensions in 1..MaxDimension, 1..MaxMipLevels levels, and an inline
// tail. The
// coarsest level must be inline and once a level is inline every coarser
// level must be inline too.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.Wrap(ErrInvalidDescriptor, "nil descriptor")
	}
	if d.ID == "" {
		return errors.Wrap(ErrInvalidDescriptor, "empty id")
	}
	if d.Width == 0 || d.Height == 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "%s: dimensions %dx%d", d.ID, d.Width, d.Height)
	}
	if d.Width > MaxDimension || d.Height > MaxDimension {
		return errors.Wrapf(ErrInvalidDescriptor, "%s: dimensions %dx%d exceed %d", d.ID, d.Width, d.Height, MaxDimension)
	}
	if len(d.Levels) == 0 || len(d.Levels) > MaxMipLevels {
		return errors.Wrapf(ErrInvalidDescriptor, "%s: %d levels, want 1..%d", d.ID, len(d.Levels), MaxMipLevels)
	}

	inline := false
	for i, src := range d.Levels {
		hasAsset := src.Asset != ""
		hasInline := src.Inline != nil
		switch {
		case hasAsset && hasInline:
			return errors.Wrapf(ErrInvalidDescriptor, "%s: level %d has both asset and inline data", d.ID, i)
		case !hasAsset && !hasInline:
			return errors.Wrapf(ErrInvalidDescriptor, "%s: level %d has no source", d.ID, i)
		case hasAsset && inline:
			return errors.Wrapf(ErrInvalidDescriptor, "%s: streamed level %d is coarser than an inline level", d.ID, i)
		}
		inline = inline || hasInline
	}
	if !inline {
		return errors.Wrapf(ErrInvalidDescriptor, "%s: coarsest level must be inline", d.ID)
	}
	return nil
}

// LevelCount returns the number of mip levels.
func (d *Descriptor) LevelCount() int {
	return len(d.Levels)
}

// LastLevel returns the coarsest level index.
func (d *Descriptor) LastLevel() MipLevel {
	return MipLevel(len(d.Levels) - 1)
}

// PersistentLevels returns the number of inline tail levels.
func (d *Descriptor) PersistentLevels() int {
	n := 0
	for i := len(d.Levels) - 1; i >= 0 && d.Levels[i].Asset == ""; i-- {
		n++
	}
	return n
}

// StreamableLevels returns the number of levels backed by an asset.
func (d *Descriptor) StreamableLevels() int {
	return len(d.Levels) - d.PersistentLevels()
}

// FirstPersistentLevel returns the most detailed inline level.
func (d *Descriptor) FirstPersistentLevel() MipLevel {
	return MipLevel(d.StreamableLevels())
}

// LevelExtent returns the texel dimensions of level.
func (d *Descriptor) LevelExtent(level MipLevel) (width, height uint32) {
	width = max(d.Width>>uint(level), 1)
	height = max(d.Height>>uint(level), 1)
	return width, height
}

// LevelLayout returns the byte stride of one block row and the number of
// block rows of level, as expected by a texture upload.
func (d *Descriptor) LevelLayout(level MipLevel) (bytesPerRow, rows uint32) {
	w, h := d.LevelExtent(level)
	b := formatBlock(d.Format)
	blocksWide := (w + b.width - 1) / b.width
	blocksHigh := (h + b.height - 1) / b.height
	return blocksWide * b.bytes, blocksHigh
}

// LevelSize returns the byte size of level's payload.
func (d *Descriptor) LevelSize(level MipLevel) uint64 {
	bpr, rows := d.LevelLayout(level)
	return uint64(bpr) * uint64(rows)
}

// RangeSize returns the byte size of every level in r.
func (d *Descriptor) RangeSize(r MipRange) uint64 {
	var total uint64
	for l := r.Top; l <= r.Bottom; l++ {
		total += d.LevelSize(l)
	}
	return total
}
