// Package sqlite stores baked mip chains in a SQLite database.
//
// One row of images describes a chain; one row of levels holds the
// (optionally compressed) payload of a level. Asset references have the
// form "<id>/<level>.rgba", as produced by bake.LevelRef.
package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/bake"
)

// Store is a chain store backed by SQLite. It implements
// mipstream.AssetLoader.
type Store struct {
	db *sql.DB
}

// ImageInfo describes a stored chain.
type ImageInfo struct {
	ID          string
	Width       uint32
	Height      uint32
	Format      gputypes.TextureFormat
	Levels      int
	Persistent  int
	Compression assets.Compression
}

// Open opens or creates the database at path. Use ":memory:" for a
// private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS images (
  id TEXT PRIMARY KEY,
  width INTEGER NOT NULL,
  height INTEGER NOT NULL,
  format INTEGER NOT NULL,
  levels INTEGER NOT NULL,
  persistent INTEGER NOT NULL,
  compression INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS levels (
  image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
  level INTEGER NOT NULL,
  size INTEGER NOT NULL,
  data BLOB NOT NULL,
  PRIMARY KEY (image_id, level)
);
`)
	return errors.Wrap(err, "sqlite: migrate")
}

// Put stores c, replacing any chain with the same id.
func (s *Store) Put(ctx context.Context, c *bake.Chain, persistent int, compression assets.Compression) error {
	if c.ID == "" || strings.Contains(c.ID, "/") {
		return errors.Wrapf(assets.ErrInvalidRef, "chain id %q", c.ID)
	}
	n := c.LevelCount()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM levels WHERE image_id=?;", c.ID); err != nil {
		return errors.Wrap(err, "sqlite: delete levels")
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO images(id, width, height, format, levels, persistent, compression)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  width=excluded.width, height=excluded.height, format=excluded.format,
  levels=excluded.levels, persistent=excluded.persistent, compression=excluded.compression;
`, c.ID, c.Width, c.Height, uint32(gputypes.TextureFormatRGBA8Unorm), n, bake.ClampPersistent(persistent, n), int(compression))
	if err != nil {
		return errors.Wrap(err, "sqlite: insert image")
	}

	for i, data := range c.Levels {
		enc, err := assets.Encode(compression, data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO levels(image_id, level, size, data) VALUES(?, ?, ?, ?);",
			c.ID, i, len(data), enc)
		if err != nil {
			return errors.Wrapf(err, "sqlite: insert level %d", i)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite: commit")
}

// Info returns the stored description of chain id.
func (s *Store) Info(ctx context.Context, id string) (ImageInfo, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, width, height, format, levels, persistent, compression
FROM images WHERE id=?;
`, id)
	var info ImageInfo
	var format uint32
	var comp int
	err := row.Scan(&info.ID, &info.Width, &info.Height, &format, &info.Levels, &info.Persistent, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageInfo{}, errors.Wrapf(assets.ErrNotFound, "image %s", id)
	}
	if err != nil {
		return ImageInfo{}, errors.Wrap(err, "sqlite: select image")
	}
	info.Format = gputypes.TextureFormat(format)
	info.Compression = assets.Compression(comp)
	return info, nil
}

// List returns every stored chain, ordered by id.
func (s *Store) List(ctx context.Context) ([]ImageInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, width, height, format, levels, persistent, compression
FROM images ORDER BY id;
`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: list images")
	}
	defer rows.Close()

	var out []ImageInfo
	for rows.Next() {
		var info ImageInfo
		var format uint32
		var comp int
		if err := rows.Scan(&info.ID, &info.Width, &info.Height, &format, &info.Levels, &info.Persistent, &comp); err != nil {
			return nil, errors.Wrap(err, "sqlite: scan image")
		}
		info.Format = gputypes.TextureFormat(format)
		info.Compression = assets.Compression(comp)
		out = append(out, info)
	}
	return out, errors.Wrap(rows.Err(), "sqlite: list images")
}

// Delete removes chain id and its levels.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM levels WHERE image_id=?;", id); err != nil {
		return errors.Wrap(err, "sqlite: delete levels")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM images WHERE id=?;", id); err != nil {
		return errors.Wrap(err, "sqlite: delete image")
	}
	return errors.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *Store) level(ctx context.Context, id string, level int) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT l.data, i.compression FROM levels l JOIN images i ON i.id = l.image_id
WHERE l.image_id=? AND l.level=?;
`, id, level)
	var data []byte
	var comp int
	err := row.Scan(&data, &comp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(assets.ErrNotFound, "%s level %d", id, level)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: select level")
	}
	return assets.Decode(assets.Compression(comp), data)
}

// Descriptor returns the descriptor of chain id with its persistent levels
// inline.
func (s *Store) Descriptor(ctx context.Context, id string) (*mipstream.Descriptor, error) {
	info, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &mipstream.Descriptor{
		ID:     info.ID,
		Width:  info.Width,
		Height: info.Height,
		Format: info.Format,
		Levels: make([]mipstream.LevelSource, info.Levels),
	}
	first := info.Levels - info.Persistent
	for i := range d.Levels {
		if i < first {
			d.Levels[i].Asset = bake.LevelRef(id, i)
			continue
		}
		data, err := s.level(ctx, id, i)
		if err != nil {
			return nil, err
		}
		d.Levels[i].Inline = data
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// ParseRef splits a reference produced by bake.LevelRef.
func ParseRef(ref mipstream.AssetRef) (id string, level int, err error) {
	id, file, ok := strings.Cut(string(ref), "/")
	name, isRGBA := strings.CutSuffix(file, ".rgba")
	if !ok || id == "" || !isRGBA {
		return "", 0, errors.Wrapf(assets.ErrInvalidRef, "%q", ref)
	}
	level, err = strconv.Atoi(name)
	if err != nil || level < 0 || level >= mipstream.MaxMipLevels {
		return "", 0, errors.Wrapf(assets.ErrInvalidRef, "%q", ref)
	}
	return id, level, nil
}

// Load implements mipstream.AssetLoader.
func (s *Store) Load(ctx context.Context, ref mipstream.AssetRef) ([]byte, error) {
	id, level, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	return s.level(ctx, id, level)
}

var _ mipstream.AssetLoader = (*Store)(nil)
