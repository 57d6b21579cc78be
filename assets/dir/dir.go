// Package dir stores baked mip chains as files in a directory tree.
//
// Each chain lives in <root>/<id>/ with one file per level and a
// manifest.yaml describing the chain:
//
//	id: rock
//	width: 512
//	height: 512
//	format: 22
//	compression: zstd
//	levels:
//	  - file: 0.rgba.zst
//	    size: 1048576
//	  - ...
//	  - file: 9.rgba.zst
//	    size: 4
//	    persistent: true
//
// Asset references are paths relative to root, for example
// "rock/0.rgba.zst".
package dir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/bake"
)

// ManifestName is the manifest file name inside a chain directory.
const ManifestName = "manifest.yaml"

// Manifest describes a chain stored on disk.
type Manifest struct {
	ID          string                 `yaml:"id"`
	Width       uint32                 `yaml:"width"`
	Height      uint32                 `yaml:"height"`
	Format      gputypes.TextureFormat `yaml:"format"`
	Compression assets.Compression     `yaml:"compression"`
	Levels      []ManifestLevel        `yaml:"levels"`
}

// ManifestLevel describes one stored level.
type ManifestLevel struct {
	// File is relative to the chain directory.
	File string `yaml:"file"`

	// Size is the decoded payload size.
	Size uint64 `yaml:"size"`

	// Persistent levels are inlined into the descriptor.
	Persistent bool `yaml:"persistent,omitempty"`
}

// Ref returns the asset reference of level.
func (m *Manifest) Ref(level int) mipstream.AssetRef {
	return mipstream.AssetRef(path.Join(m.ID, m.Levels[level].File))
}

// Loader reads level files below a root directory. Concurrent loads of the
// same reference share one read.
type Loader struct {
	root  string
	group singleflight.Group
	log   atomic.Pointer[slog.Logger]

	reads  atomic.Uint64
	shared atomic.Uint64
}

// New creates a loader rooted at root.
func New(root string) *Loader {
	l := &Loader{root: filepath.Clean(root)}
	l.log.Store(mipstream.Logger())
	return l
}

// SetLogger sets the loader's logger. Registries built on the loader call
// it with the mipstream logger.
func (l *Loader) SetLogger(log *slog.Logger) {
	if log == nil {
		log = mipstream.Logger()
	}
	l.log.Store(log)
}

// Root returns the root directory.
func (l *Loader) Root() string { return l.root }

// Reads returns the number of file reads performed.
func (l *Loader) Reads() uint64 { return l.reads.Load() }

// Shared returns the number of loads whose read was shared with a
// concurrent load of the same reference.
func (l *Loader) Shared() uint64 { return l.shared.Load() }

// resolve maps ref to a file path, rejecting references that escape root.
func (l *Loader) resolve(ref mipstream.AssetRef) (string, error) {
	rel := filepath.FromSlash(string(ref))
	if ref == "" || !filepath.IsLocal(rel) {
		return "", errors.Wrapf(assets.ErrInvalidRef, "%q", ref)
	}
	return filepath.Join(l.root, rel), nil
}

// Load implements mipstream.AssetLoader. The compression of the file is
// taken from its suffix.
func (l *Loader) Load(ctx context.Context, ref mipstream.AssetRef) ([]byte, error) {
	name, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	ch := l.group.DoChan(name, func() (any, error) {
		l.reads.Add(1)
		return readLevel(name)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			l.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		l.log.Load().Debug("dir: level read", "ref", string(ref))
		return res.Val.([]byte), nil
	}
}

func readLevel(name string) ([]byte, error) {
	raw, err := os.ReadFile(name) //nolint:gosec // G304: path checked by resolve
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(assets.ErrNotFound, "%s", name)
		}
		return nil, errors.Wrap(err, "dir: read level")
	}
	return assets.Decode(compressionOf(name), raw)
}

func compressionOf(name string) assets.Compression {
	switch filepath.Ext(name) {
	case assets.Zstd.Ext():
		return assets.Zstd
	case assets.LZ4.Ext():
		return assets.LZ4
	default:
		return assets.None
	}
}

// ReadManifest reads the manifest of chain id.
func (l *Loader) ReadManifest(id string) (*Manifest, error) {
	name, err := l.resolve(mipstream.AssetRef(path.Join(id, ManifestName)))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(name) //nolint:gosec // G304: path checked by resolve
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(assets.ErrNotFound, "manifest %s", id)
		}
		return nil, errors.Wrap(err, "dir: read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "dir: parse manifest %s", id)
	}
	if m.ID != id {
		return nil, errors.Newf("dir: manifest %s names chain %q", id, m.ID)
	}
	return &m, nil
}

// Descriptor reads the manifest of chain id and loads its persistent
// levels inline.
func (l *Loader) Descriptor(ctx context.Context, id string) (*mipstream.Descriptor, error) {
	m, err := l.ReadManifest(id)
	if err != nil {
		return nil, err
	}
	d := &mipstream.Descriptor{
		ID:     m.ID,
		Width:  m.Width,
		Height: m.Height,
		Format: m.Format,
		Levels: make([]mipstream.LevelSource, len(m.Levels)),
	}
	for i, lvl := range m.Levels {
		ref := m.Ref(i)
		if !lvl.Persistent {
			d.Levels[i].Asset = ref
			continue
		}
		data, err := l.Load(ctx, ref)
		if err != nil {
			return nil, errors.Wrapf(err, "dir: persistent level %d of %s", i, id)
		}
		d.Levels[i].Inline = data
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns the ids of every chain below root, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, errors.Wrap(err, "dir: list")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.root, e.Name(), ManifestName)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteChain stores c below root with the persistent coarsest levels
// marked for inlining, and returns the written manifest.
func WriteChain(root string, c *bake.Chain, persistent int, compression assets.Compression) (*Manifest, error) {
	if c.ID == "" || !filepath.IsLocal(c.ID) || filepath.Base(c.ID) != c.ID {
		return nil, errors.Wrapf(assets.ErrInvalidRef, "chain id %q", c.ID)
	}
	dir := filepath.Join(root, c.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "dir: create chain directory")
	}

	n := c.LevelCount()
	first := n - bake.ClampPersistent(persistent, n)
	m := &Manifest{
		ID:          c.ID,
		Width:       c.Width,
		Height:      c.Height,
		Format:      gputypes.TextureFormatRGBA8Unorm,
		Compression: compression,
		Levels:      make([]ManifestLevel, n),
	}
	for i, data := range c.Levels {
		enc, err := assets.Encode(compression, data)
		if err != nil {
			return nil, err
		}
		file := fmt.Sprintf("%d.rgba%s", i, compression.Ext())
		if err := os.WriteFile(filepath.Join(dir, file), enc, 0o600); err != nil {
			return nil, errors.Wrapf(err, "dir: write level %d", i)
		}
		m.Levels[i] = ManifestLevel{File: file, Size: uint64(len(data)), Persistent: i >= first}
	}

	raw, err := yaml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "dir: encode manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), raw, 0o600); err != nil {
		return nil, errors.Wrap(err, "dir: write manifest")
	}
	return m, nil
}

var _ mipstream.AssetLoader = (*Loader)(nil)
