package mipstream

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidate(t *testing.T) {
	inline := []byte{0}
	tests := []struct {
		name   string
		desc   *Descriptor
		wantOK bool
	}{
		{"nil", nil, false},
		{"valid", testDescriptor("ok", 3, 1), true},
		{"all inline", testDescriptor("fixed", 0, 2), true},
		{"empty id", &Descriptor{Width: 1, Height: 1, Levels: []LevelSource{{Inline: inline}}}, false},
		{"zero size", &Descriptor{ID: "z", Levels: []LevelSource{{Inline: inline}}}, false},
		{"no levels", &Descriptor{ID: "n", Width: 1, Height: 1}, false},
		{"max width", &Descriptor{ID: "w", Width: MaxDimension, Height: 1, Levels: []LevelSource{{Inline: inline}}}, true},
		{"too wide", &Descriptor{ID: "w", Width: MaxDimension + 1, Height: 1, Levels: []LevelSource{{Inline: inline}}}, false},
		{"too tall", &Descriptor{ID: "t", Width: 1, Height: 1 << 31, Levels: []LevelSource{{Inline: inline}}}, false},
		{"too many levels", &Descriptor{ID: "m", Width: 1, Height: 1, Levels: make([]LevelSource, MaxMipLevels+1)}, false},
		{"coarsest streamed", &Descriptor{ID: "s", Width: 2, Height: 2, Levels: []LevelSource{
			{Inline: inline}, {Asset: "a"},
		}}, false},
		{"gap in tail", &Descriptor{ID: "g", Width: 4, Height: 4, Levels: []LevelSource{
			{Asset: "a"}, {Inline: inline}, {Asset: "b"}, {Inline: inline},
		}}, false},
		{"both sources", &Descriptor{ID: "b", Width: 1, Height: 1, Levels: []LevelSource{
			{Asset: "a", Inline: inline},
		}}, false},
		{"no source", &Descriptor{ID: "x", Width: 2, Height: 2, Levels: []LevelSource{
			{}, {Inline: inline},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantOK {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDescriptor), "got %v", err)
		})
	}
}

func TestDescriptorLevels(t *testing.T) {
	d := testDescriptor("levels", 3, 2)

	assert.Equal(t, 5, d.LevelCount())
	assert.Equal(t, MipLevel(4), d.LastLevel())
	assert.Equal(t, 2, d.PersistentLevels())
	assert.Equal(t, 3, d.StreamableLevels())
	assert.Equal(t, MipLevel(3), d.FirstPersistentLevel())
}

func TestDescriptorLevelSizes(t *testing.T) {
	tests := []struct {
		name   string
		format gputypes.TextureFormat
		w, h   uint32
		level  MipLevel
		bpr    uint32
		rows   uint32
		size   uint64
	}{
		{"rgba8 level 0", gputypes.TextureFormatRGBA8Unorm, 64, 32, 0, 256, 32, 8192},
		{"rgba8 level 2", gputypes.TextureFormatRGBA8Unorm, 64, 32, 2, 64, 8, 512},
		{"rgba8 clamps to 1", gputypes.TextureFormatRGBA8Unorm, 64, 32, 6, 4, 1, 4},
		{"r8", gputypes.TextureFormatR8Unorm, 16, 16, 0, 16, 16, 256},
		{"rgba16f", gputypes.TextureFormatRGBA16Float, 8, 8, 0, 64, 8, 512},
		{"bc1", gputypes.TextureFormatBC1RGBAUnorm, 16, 16, 0, 32, 4, 128},
		{"bc1 partial block", gputypes.TextureFormatBC1RGBAUnorm, 16, 16, 3, 8, 1, 8},
		{"bc7", gputypes.TextureFormatBC7RGBAUnorm, 16, 16, 0, 64, 4, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Descriptor{ID: tt.name, Width: tt.w, Height: tt.h, Format: tt.format}
			bpr, rows := d.LevelLayout(tt.level)
			assert.Equal(t, tt.bpr, bpr)
			assert.Equal(t, tt.rows, rows)
			assert.Equal(t, tt.size, d.LevelSize(tt.level))
		})
	}

	d := testDescriptor("range", 2, 1) // 16x16 RGBA8
	assert.Equal(t, uint64(1024+256+64), d.RangeSize(MipRange{Top: 0, Bottom: 2}))
	assert.Equal(t, uint64(0), d.RangeSize(MipRange{Top: 2, Bottom: 1}))
}
