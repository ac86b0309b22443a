package snapshot

import (
	"fmt"
	"sort"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression codec names persisted alongside each snapshot.
const (
	CompressionZstd   = "zstd"
	CompressionSnappy = "snappy"
)

// DefaultCompression is used when no codec is configured.
const DefaultCompression = CompressionZstd

// Compressor is a lossless byte codec.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// maxDecodedSize bounds the memory a single snapshot may expand into.
const maxDecodedSize = 1 << 30

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return CompressionZstd }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return CompressionSnappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("decoded length %d exceeds limit", n)
	}
	return snappy.Decode(nil, data)
}

// registry holds the built-in compressors keyed by name.
type registry map[string]Compressor

func newRegistry() (registry, error) {
	z, err := newZstdCompressor()
	if err != nil {
		return nil, err
	}
	return registry{
		CompressionZstd:   z,
		CompressionSnappy: snappyCompressor{},
	}, nil
}

func (r registry) names() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
