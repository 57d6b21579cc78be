// Package assets holds the payload encoding shared by the asset stores.
//
// Level payloads are stored raw or compressed with zstd or lz4. The
// stores in the subpackages implement mipstream.AssetLoader and decode
// payloads before handing them to the streaming system.
package assets

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Asset errors.
var (
	// ErrNotFound is returned by loaders for an unknown reference.
	ErrNotFound = errors.New("assets: not found")

	// ErrInvalidRef is returned for references a store cannot address.
	ErrInvalidRef = errors.New("assets: invalid reference")

	// ErrUnknownCompression is returned for an unsupported Compression.
	ErrUnknownCompression = errors.New("assets: unknown compression")
)

// Compression selects how level payloads are stored.
type Compression int

const (
	// None stores payloads as-is.
	None Compression = iota

	// Zstd compresses payloads with zstd.
	Zstd

	// LZ4 compresses payloads with the lz4 frame format. Faster to decode
	// than zstd, larger on disk.
	LZ4
)

var compressionNames = [...]string{None: "none", Zstd: "zstd", LZ4: "lz4"}

// String returns the compression name.
func (c Compression) String() string {
	if c < 0 || int(c) >= len(compressionNames) {
		return "unknown"
	}
	return compressionNames[c]
}

// Ext returns the file name suffix of payloads stored with c.
func (c Compression) Ext() string {
	switch c {
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseCompression returns the compression named s. The empty string is
// None.
func ParseCompression(s string) (Compression, error) {
	if s == "" {
		return None, nil
	}
	for c, name := range compressionNames {
		if strings.EqualFold(name, s) {
			return Compression(c), nil
		}
	}
	return None, errors.Wrapf(ErrUnknownCompression, "%q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(compressionNames) {
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(text []byte) error {
	v, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

var zstdEncPool = sync.Pool{
	New: func() any {
		enc, _ := zstd.NewWriter(nil)
		return enc
	},
}

var zstdDecPool = sync.Pool{
	New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	},
}

// Encode compresses data with c.
func Encode(c Compression, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Zstd:
		enc := zstdEncPool.Get().(*zstd.Encoder)
		defer zstdEncPool.Put(enc)
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, errors.Wrap(err, "lz4 encode")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 encode")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", int(c))
	}
}

// Decode decompresses data stored with c.
func Decode(c Compression, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case Zstd:
		dec := zstdDecPool.Get().(*zstd.Decoder)
		defer zstdDecPool.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, errors.Wrap(err, "zstd decode")
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decode")
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", int(c))
	}
}
