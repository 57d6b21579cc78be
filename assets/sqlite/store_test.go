package sqlite

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/bake"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chains.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChain(t *testing.T, id string, w, h int) *bake.Chain {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), A: 255}) //nolint:gosec // test pattern
		}
	}
	c, err := bake.Build(context.Background(), id, img, bake.Options{})
	require.NoError(t, err)
	return c
}

func TestPutAndLoad(t *testing.T) {
	for _, comp := range []assets.Compression{assets.None, assets.Zstd, assets.LZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			ctx := context.Background()
			s := openTestStore(t)
			c := testChain(t, "brick", 32, 16)
			require.NoError(t, s.Put(ctx, c, 2, comp))

			info, err := s.Info(ctx, "brick")
			require.NoError(t, err)
			assert.Equal(t, ImageInfo{
				ID: "brick", Width: 32, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm,
				Levels: 6, Persistent: 2, Compression: comp,
			}, info)

			d, err := s.Descriptor(ctx, "brick")
			require.NoError(t, err)
			assert.Equal(t, 2, d.PersistentLevels())
			assert.Equal(t, c.Levels[4], d.Levels[4].Inline)
			assert.Equal(t, c.Levels[5], d.Levels[5].Inline)

			for i := range d.StreamableLevels() {
				assert.Equal(t, bake.LevelRef("brick", i), d.Levels[i].Asset)
				data, err := s.Load(ctx, d.Levels[i].Asset)
				require.NoError(t, err)
				assert.Equal(t, c.Levels[i], data, "level %d", i)
			}
		})
	}
}

func TestPutReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Put(ctx, testChain(t, "x", 16, 16), 1, assets.None))
	require.NoError(t, s.Put(ctx, testChain(t, "x", 4, 4), 1, assets.Zstd))

	info, err := s.Info(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Levels)
	assert.Equal(t, assets.Zstd, info.Compression)

	_, err = s.Load(ctx, bake.LevelRef("x", 4))
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.Put(ctx, testChain(t, id, 2, 2), 1, assets.None))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	require.NoError(t, s.Delete(ctx, "b"))
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.Info(ctx, "b")
	assert.ErrorIs(t, err, assets.ErrNotFound)
	_, err = s.Load(ctx, bake.LevelRef("b", 0))
	assert.ErrorIs(t, err, assets.ErrNotFound)
	_, err = s.Descriptor(ctx, "b")
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref   mipstream.AssetRef
		id    string
		level int
		ok    bool
	}{
		{"rock/0.rgba", "rock", 0, true},
		{"rock/12.rgba", "rock", 12, true},
		{"rock/16.rgba", "", 0, false},
		{"rock/-1.rgba", "", 0, false},
		{"rock/0.png", "", 0, false},
		{"/0.rgba", "", 0, false},
		{"rock", "", 0, false},
		{"rock/x.rgba", "", 0, false},
	}
	for _, tt := range tests {
		id, level, err := ParseRef(tt.ref)
		if !tt.ok {
			assert.ErrorIs(t, err, assets.ErrInvalidRef, string(tt.ref))
			continue
		}
		require.NoError(t, err, string(tt.ref))
		assert.Equal(t, tt.id, id)
		assert.Equal(t, tt.level, level)
	}
}

func TestPutRejectsBadID(t *testing.T) {
	s := openTestStore(t)
	c := testChain(t, "a/b", 2, 2)
	assert.ErrorIs(t, s.Put(context.Background(), c, 1, assets.None), assets.ErrInvalidRef)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testChain(t, "keep", 8, 8), 1, assets.LZ4))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	d, err := s.Descriptor(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, 4, d.LevelCount())
}
