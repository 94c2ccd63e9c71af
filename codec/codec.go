// Package codec converts values to and from the strings kept by a backing
// store. Large encodings are compressed when that saves enough space; the
// compressed form is tagged so Decode can detect and reverse it.
package codec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	storeerrors "github.com/gozephyr/prefcache/errors"
	"github.com/gozephyr/prefcache/value"
)

// Tag prefixes every compressed frame:
//
//	__compressed__<algorithm>:<xxhash64 of plain text, hex>:<base64 payload>
const Tag = "__compressed__"

// Config represents configuration for compression
type Config struct {
	// Enabled turns compression on
	Enabled bool
	// Algorithm used for new frames. Any supported frame can be decoded.
	Algorithm Algorithm
	// Level is passed to the compressor, zero selects its default
	Level int
	// MinSize is the plain length above which compression is attempted
	MinSize int
	// Margin is the minimum fraction of the plain length a frame must save
	Margin float64
}

// DefaultConfig returns the default compression configuration
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Algorithm: S2,
		MinSize:   1000,
		Margin:    0.2,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("%w: negative compression min size", storeerrors.ErrInvalidOption)
	}
	if c.Margin < 0 || c.Margin >= 1 {
		return fmt.Errorf("%w: compression margin %v outside [0,1)", storeerrors.ErrInvalidOption, c.Margin)
	}
	if c.Enabled {
		if _, err := ParseAlgorithm(string(c.Algorithm)); err != nil {
			return err
		}
	}
	return nil
}

// Encoded is the result of Encode.
type Encoded struct {
	// Text is the string to store
	Text string
	// PlainSize is the length of the uncompressed encoding
	PlainSize int
	// Compressed reports whether Text is a compressed frame
	Compressed bool
}

// Savings returns how many bytes compression saved.
func (e Encoded) Savings() int {
	if !e.Compressed {
		return 0
	}
	return e.PlainSize - len(e.Text)
}

// Stats tracks compression activity
type Stats struct {
	Compressed   atomic.Int64
	Skipped      atomic.Int64
	Decompressed atomic.Int64
	BytesIn      atomic.Int64
	BytesOut     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Compressed   int64
	Skipped      int64
	Decompressed int64
	BytesIn      int64
	BytesOut     int64
}

// Codec encodes and decodes stored values. It is safe for concurrent use.
type Codec struct {
	config     Config
	compressor Compressor
	mu         sync.Mutex
	decoders   map[Algorithm]Compressor
	stats      Stats
}

// New creates a codec with the given configuration
func New(config Config) (*Codec, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Codec{
		config:   config,
		decoders: make(map[Algorithm]Compressor),
	}
	if config.Enabled {
		comp, err := NewCompressor(config.Algorithm, config.Level)
		if err != nil {
			return nil, err
		}
		c.compressor = comp
		c.decoders[comp.Algorithm()] = comp
	}
	return c, nil
}

// Config returns the codec configuration
func (c *Codec) Config() Config {
	return c.config
}

// Encode produces the stored form of v.
func (c *Codec) Encode(v value.Value) (Encoded, error) {
	buf := getBuffer()
	plain, err := value.AppendJSON((*buf)[:0], v)
	*buf = plain
	defer putBuffer(buf)
	if err != nil {
		return Encoded{}, storeerrors.WrapError("Encode", nil, err)
	}
	out := Encoded{Text: string(plain), PlainSize: len(plain)}
	if c.compressor == nil || len(plain) <= c.config.MinSize {
		return out, nil
	}

	frame, err := c.compress(plain)
	if err != nil {
		// Compression is best effort; the plain form is always valid.
		c.stats.Skipped.Add(1)
		return out, nil
	}
	if float64(len(frame)) > float64(len(plain))*(1-c.config.Margin) {
		c.stats.Skipped.Add(1)
		return out, nil
	}
	c.stats.Compressed.Add(1)
	c.stats.BytesIn.Add(int64(len(plain)))
	c.stats.BytesOut.Add(int64(len(frame)))
	return Encoded{Text: frame, PlainSize: len(plain), Compressed: true}, nil
}

func (c *Codec) compress(plain []byte) (string, error) {
	payload, err := c.compressor.Encode(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", storeerrors.ErrCompression, err)
	}
	var b strings.Builder
	b.Grow(len(Tag) + 24 + base64.StdEncoding.EncodedLen(len(payload)))
	b.WriteString(Tag)
	b.WriteString(string(c.compressor.Algorithm()))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(xxhash.Sum64(plain), 16))
	b.WriteByte(':')
	b.WriteString(base64.StdEncoding.EncodeToString(payload))
	return b.String(), nil
}

// Decode parses a stored string. Any failure is a *errors.CorruptDataError.
func (c *Codec) Decode(text string) (value.Value, error) {
	plain := text
	if strings.HasPrefix(text, Tag) {
		var err error
		if plain, err = c.decompress(text[len(Tag):]); err != nil {
			return value.Value{}, storeerrors.Corrupt("", err)
		}
		c.stats.Decompressed.Add(1)
	}
	v, err := value.ParseJSON(plain)
	if err != nil {
		return value.Value{}, storeerrors.Corrupt("", err)
	}
	return v, nil
}

func (c *Codec) decompress(frame string) (string, error) {
	parts := strings.SplitN(frame, ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed compressed frame")
	}
	alg, err := ParseAlgorithm(parts[0])
	if err != nil {
		return "", err
	}
	sum, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return "", fmt.Errorf("frame checksum: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("frame payload: %w", err)
	}
	comp, err := c.decompressor(alg)
	if err != nil {
		return "", err
	}
	plain, err := comp.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("%s decode: %w", alg, err)
	}
	if xxhash.Sum64(plain) != sum {
		return "", fmt.Errorf("frame checksum mismatch")
	}
	return string(plain), nil
}

func (c *Codec) decompressor(a Algorithm) (Compressor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if comp, ok := c.decoders[a]; ok {
		return comp, nil
	}
	comp, err := NewCompressor(a, 0)
	if err != nil {
		return nil, err
	}
	c.decoders[a] = comp
	return comp, nil
}

// Stats returns a snapshot of compression activity
func (c *Codec) Stats() StatsSnapshot {
	return StatsSnapshot{
		Compressed:   c.stats.Compressed.Load(),
		Skipped:      c.stats.Skipped.Load(),
		Decompressed: c.stats.Decompressed.Load(),
		BytesIn:      c.stats.BytesIn.Load(),
		BytesOut:     c.stats.BytesOut.Load(),
	}
}

// Ratio returns output bytes over input bytes for compressed frames, or 0.
func (s StatsSnapshot) Ratio() float64 {
	if s.BytesIn == 0 {
		return 0
	}
	return float64(s.BytesOut) / float64(s.BytesIn)
}
