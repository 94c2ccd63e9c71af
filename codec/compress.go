package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	storeerrors "github.com/gozephyr/prefcache/errors"
)

// Algorithm names a compression algorithm. The name is written into every
// compressed frame, so existing names must never change.
type Algorithm string

const (
	// S2 uses S2 (improved Snappy)
	S2 Algorithm = "s2"
	// Zstd uses Zstandard
	Zstd Algorithm = "zstd"
	// Gzip uses gzip
	Gzip Algorithm = "gzip"
	// LZ4 uses the LZ4 frame format
	LZ4 Algorithm = "lz4"
	// Snappy uses Snappy block format
	Snappy Algorithm = "snappy"
)

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{S2, Zstd, Gzip, LZ4, Snappy}
}

// ParseAlgorithm resolves a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Algorithms() {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown compression algorithm %q", storeerrors.ErrInvalidOption, name)
}

// Compressor compresses and decompresses data.
type Compressor interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// NewCompressor returns the compressor for a. Level only applies to zstd
// (1 fastest to 4 best) and gzip (1 to 9); zero selects the default.
func NewCompressor(a Algorithm, level int) (Compressor, error) {
	switch a {
	case S2:
		return s2c{}, nil
	case Snappy:
		return snappyc{}, nil
	case LZ4:
		return lz4c{}, nil
	case Gzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			return nil, fmt.Errorf("%w: gzip level %d", storeerrors.ErrInvalidOption, level)
		}
		return gzipc{level: level}, nil
	case Zstd:
		lvl := zstd.SpeedDefault
		switch {
		case level == 0:
		case level <= 1:
			lvl = zstd.SpeedFastest
		case level == 3:
			lvl = zstd.SpeedBetterCompression
		case level >= 4:
			lvl = zstd.SpeedBestCompression
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &zstdc{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression algorithm %q", storeerrors.ErrInvalidOption, a)
	}
}

type s2c struct{}

func (s2c) Encode(data []byte) ([]byte, error) { return s2.Encode(nil, data), nil }
func (s2c) Decode(data []byte) ([]byte, error) { return s2.Decode(nil, data) }
func (s2c) Algorithm() Algorithm                { return S2 }

type snappyc struct{}

func (snappyc) Encode(data []byte) ([]byte, error) { return snappy.Encode(nil, data), nil }
func (snappyc) Decode(data []byte) ([]byte, error) { return snappy.Decode(nil, data) }
func (snappyc) Algorithm() Algorithm                { return Snappy }

type zstdc struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (z *zstdc) Encode(data []byte) ([]byte, error) { return z.enc.EncodeAll(data, nil), nil }
func (z *zstdc) Decode(data []byte) ([]byte, error) { return z.dec.DecodeAll(data, nil) }
func (*zstdc) Algorithm() Algorithm                 { return Zstd }

type gzipc struct {
	level int
}

func (g gzipc) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipc) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gzipc) Algorithm() Algorithm { return Gzip }

type lz4c struct{}

func (lz4c) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4c) Decode(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

func (lz4c) Algorithm() Algorithm { return LZ4 }
