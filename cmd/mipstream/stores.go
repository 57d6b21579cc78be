package main

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/assets/dir"
	"github.com/gogpu/mipstream/assets/sqlite"
	"github.com/gogpu/mipstream/bake"
)

// chainStore is a place baked chains are written to and streamed from.
type chainStore interface {
	mipstream.AssetLoader
	Put(ctx context.Context, c *bake.Chain, persistent int, compression assets.Compression) error
	Descriptor(ctx context.Context, id string) (*mipstream.Descriptor, error)
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// storeOpener opens the store at path.
type storeOpener func(path string) (chainStore, error)

// Store kinds.
const (
	kindDir    = "dir"
	kindSQLite = "sqlite"
)

// storeKinds holds the available store implementations. The directory
// store is preferred when the kind cannot be told from the path.
var storeKinds = gpucontext.NewRegistry[storeOpener](gpucontext.WithPriority(kindDir, kindSQLite))

func init() {
	storeKinds.Register(kindDir, func() storeOpener { return openDirStore })
	storeKinds.Register(kindSQLite, func() storeOpener { return openSQLiteStore })
}

// openStore opens path as a store of the given kind. An empty kind is
// inferred from the file extension.
func openStore(path, kind string) (chainStore, error) {
	if kind == "" {
		kind = inferKind(path)
	}
	open := storeKinds.Get(kind)
	if open == nil {
		available := storeKinds.Available()
		sort.Strings(available)
		return nil, errors.Newf("unknown store kind %q (available: %s)", kind, strings.Join(available, ", "))
	}
	return open(path)
}

func inferKind(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return kindSQLite
	default:
		return storeKinds.BestName()
	}
}

// dirStore adapts dir.Loader.
type dirStore struct {
	*dir.Loader
}

func openDirStore(path string) (chainStore, error) {
	return dirStore{dir.New(path)}, nil
}

func (s dirStore) Put(_ context.Context, c *bake.Chain, persistent int, compression assets.Compression) error {
	_, err := dir.WriteChain(s.Root(), c, persistent, compression)
	return err
}

func (s dirStore) IDs(context.Context) ([]string, error) {
	return s.List()
}

func (s dirStore) Close() error { return nil }

// sqliteStore adapts sqlite.Store.
type sqliteStore struct {
	*sqlite.Store
}

func openSQLiteStore(path string) (chainStore, error) {
	s, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	return sqliteStore{s}, nil
}

func (s sqliteStore) IDs(ctx context.Context) ([]string, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids, nil
}
