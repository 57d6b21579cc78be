// Package bake builds streamable mip chains from source images.
//
// A Chain holds one tightly packed RGBA8 payload per level, level 0 being
// the source image and every following level half the size of the
// previous one, down to 1x1. Chain.Descriptor turns a chain into a
// mipstream.Descriptor with a persistent inline tail.
package bake

import (
	"context"
	"fmt"
	"image"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/mipstream"
)

// Bake errors.
var (
	// ErrEmptyImage is returned for a nil or zero-sized source.
	ErrEmptyImage = errors.New("bake: empty image")

	// ErrTooLarge is returned when the chain would exceed
	// mipstream.MaxMipLevels levels.
	ErrTooLarge = errors.New("bake: image too large")
)

// Filter selects the downsampling filter.
type Filter int

const (
	// FilterBox averages 2x2 texel blocks of the previous level.
	FilterBox Filter = iota

	// FilterBiLinear scales every level from level 0 with
	// draw.ApproxBiLinear.
	FilterBiLinear

	// FilterCatmullRom scales every level from level 0 with
	// draw.CatmullRom. Sharpest and slowest.
	FilterCatmullRom
)

// String returns the filter name.
func (f Filter) String() string {
	switch f {
	case FilterBox:
		return "box"
	case FilterBiLinear:
		return "bilinear"
	case FilterCatmullRom:
		return "catmullrom"
	default:
		return fmt.Sprintf("Filter(%d)", int(f))
	}
}

// ParseFilter returns the filter named s.
func ParseFilter(s string) (Filter, error) {
	for f := FilterBox; f <= FilterCatmullRom; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, errors.Newf("bake: unknown filter %q", s)
}

func (f Filter) scaler() draw.Scaler {
	if f == FilterCatmullRom {
		return draw.CatmullRom
	}
	return draw.ApproxBiLinear
}

// Options configures Build.
type Options struct {
	// Filter is the downsampling filter. Defaults to FilterBox.
	Filter Filter

	// Workers bounds the levels scaled concurrently by the kernel
	// filters. Values < 1 mean one worker per level.
	Workers int
}

// Chain is a baked mip chain.
type Chain struct {
	// ID identifies the chain in stores and descriptors.
	ID string

	// Width and Height are the dimensions of level 0.
	Width  uint32
	Height uint32

	// Levels holds the RGBA8 payload of every level, most detailed first.
	Levels [][]byte
}

// LevelCount returns 1 + floor(log2(max(w, h))).
func LevelCount(w, h uint32) int {
	return bits.Len32(max(w, h))
}

// Build bakes the mip chain of src.
func Build(ctx context.Context, id string, src image.Image, opts Options) (*Chain, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	b := src.Bounds()
	w, h := uint32(b.Dx()), uint32(b.Dy()) //nolint:gosec // G115: non-empty bounds are positive
	n := LevelCount(w, h)
	if n > mipstream.MaxMipLevels {
		return nil, errors.Wrapf(ErrTooLarge, "%dx%d needs %d levels, max %d", w, h, n, mipstream.MaxMipLevels)
	}

	base := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
	draw.Draw(base, base.Bounds(), src, b.Min, draw.Src)

	levels := make([]*image.NRGBA, n)
	levels[0] = base

	switch opts.Filter {
	case FilterBox:
		for i := 1; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			levels[i] = downsample(levels[i-1])
		}
	default:
		g, gctx := errgroup.WithContext(ctx)
		if opts.Workers > 0 {
			g.SetLimit(opts.Workers)
		}
		scaler := opts.Filter.scaler()
		for i := 1; i < n; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				lw, lh := max(w>>uint(i), 1), max(h>>uint(i), 1)
				dst := image.NewNRGBA(image.Rect(0, 0, int(lw), int(lh)))
				scaler.Scale(dst, dst.Bounds(), base, base.Bounds(), draw.Src, nil)
				levels[i] = dst
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	c := &Chain{ID: id, Width: w, Height: h, Levels: make([][]byte, n)}
	for i, img := range levels {
		c.Levels[i] = img.Pix
	}
	return c, nil
}

// downsample halves src with a 2x2 box filter, clamping at odd edges.
func downsample(src *image.NRGBA) *image.NRGBA {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := max(1, sw/2), max(1, sh/2)
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))

	for dy := range dh {
		for dx := range dw {
			sx, sy := dx*2, dy*2
			p0 := src.PixOffset(sx, sy)
			p1 := src.PixOffset(min(sx+1, sw-1), sy)
			p2 := src.PixOffset(sx, min(sy+1, sh-1))
			p3 := src.PixOffset(min(sx+1, sw-1), min(sy+1, sh-1))
			o := dst.PixOffset(dx, dy)
			for c := range 4 {
				sum := uint16(src.Pix[p0+c]) + uint16(src.Pix[p1+c]) + uint16(src.Pix[p2+c]) + uint16(src.Pix[p3+c])
				dst.Pix[o+c] = byte(sum / 4)
			}
		}
	}
	return dst
}

// LevelCount returns the number of levels in the chain.
func (c *Chain) LevelCount() int {
	return len(c.Levels)
}

// Image returns level as an image, or nil when out of range.
func (c *Chain) Image(level int) *image.NRGBA {
	if level < 0 || level >= len(c.Levels) {
		return nil
	}
	w, h := max(c.Width>>uint(level), 1), max(c.Height>>uint(level), 1)
	return &image.NRGBA{
		Pix:    c.Levels[level],
		Stride: int(w) * 4,
		Rect:   image.Rect(0, 0, int(w), int(h)),
	}
}

// Size returns the total payload size of the chain.
func (c *Chain) Size() uint64 {
	var total uint64
	for _, l := range c.Levels {
		total += uint64(len(l))
	}
	return total
}

// LevelRef is the default asset reference of one streamed level.
func LevelRef(id string, level int) mipstream.AssetRef {
	return mipstream.AssetRef(fmt.Sprintf("%s/%d.rgba", id, level))
}

// ClampPersistent clamps persistent to [1, levels].
func ClampPersistent(persistent, levels int) int {
	return min(max(persistent, 1), levels)
}

// Descriptor returns the descriptor of the chain. The persistent coarsest
// levels (at least one) are carried inline; every other level is
// streamed from ref(level), or from LevelRef when ref is nil.
func (c *Chain) Descriptor(persistent int, ref func(level int) mipstream.AssetRef) *mipstream.Descriptor {
	if ref == nil {
		ref = func(level int) mipstream.AssetRef { return LevelRef(c.ID, level) }
	}
	n := len(c.Levels)
	first := n - ClampPersistent(persistent, n)

	d := &mipstream.Descriptor{
		ID:     c.ID,
		Width:  c.Width,
		Height: c.Height,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Levels: make([]mipstream.LevelSource, n),
	}
	for i := range c.Levels {
		if i < first {
			d.Levels[i].Asset = ref(i)
		} else {
			d.Levels[i].Inline = c.Levels[i]
		}
	}
	return d
}
