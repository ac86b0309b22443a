package snapshot

import (
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// Codec turns a State into compressed, checksummed bytes and back.
//
// Encode: state → canonical JSON → checksum → compress.
// Decode: decompress → checksum → parse → re-canonicalize and re-checksum → state.
//
// The checksum always covers the canonical uncompressed bytes, so a snapshot
// verifies identically whichever codec produced it.
type Codec struct {
	compressors registry
	compression string
}

// NewCodec returns a Codec that compresses new snapshots with the named
// codec. Every built-in codec remains available for decoding.
func NewCodec(compression string) (*Codec, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	if compression == "" {
		compression = DefaultCompression
	}
	if _, ok := reg[compression]; !ok {
		return nil, fmt.Errorf("unknown compression %q (available: %v)", compression, reg.names())
	}
	return &Codec{compressors: reg, compression: compression}, nil
}

// Compression returns the codec name used by Encode.
func (c *Codec) Compression() string {
	return c.compression
}

// Encoded is the output of Encode.
type Encoded struct {
	Compressed       []byte
	Checksum         string
	Compression      string
	UncompressedSize int
	CompressedSize   int
	ResourceCounts   map[ir.ResourceType]int
	TransactionCount int
}

// Encode serializes s canonically, checksums it and compresses it.
func (c *Codec) Encode(s state.State) (Encoded, error) {
	canonical, err := ir.MarshalCanonical(s.ToValue())
	if err != nil {
		return Encoded{}, fmt.Errorf("encode state: %w", err)
	}

	comp := c.compressors[c.compression]
	compressed, err := comp.Compress(canonical)
	if err != nil {
		return Encoded{}, fmt.Errorf("compress state (%s): %w", comp.Name(), err)
	}

	encodedBytes.WithLabelValues(comp.Name(), "uncompressed").Observe(float64(len(canonical)))
	encodedBytes.WithLabelValues(comp.Name(), "compressed").Observe(float64(len(compressed)))

	return Encoded{
		Compressed:       compressed,
		Checksum:         ir.StateChecksum(canonical),
		Compression:      comp.Name(),
		UncompressedSize: len(canonical),
		CompressedSize:   len(compressed),
		ResourceCounts:   s.Counts(),
		TransactionCount: s.Count(ir.ResourceExpense),
	}, nil
}

// Decode verifies and decodes a stored snapshot.
//
// Decompression failures and checksum mismatches are *IntegrityError.
// Unknown codecs and payloads that verify but cannot be interpreted
// as canonical state are *DecodeError.
func (c *Codec) Decode(snap ir.Snapshot) (state.State, error) {
	start := time.Now()
	s, err := c.decode(snap)
	status := "ok"
	switch {
	case IsIntegrityError(err):
		status = "integrity_error"
	case err != nil:
		status = "decode_error"
	}
	decodeDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return s, err
}

func (c *Codec) decode(snap ir.Snapshot) (state.State, error) {
	comp, ok := c.compressors[snap.Compression]
	if !ok {
		return nil, &DecodeError{
			SnapshotID: snap.ID,
			Code:       DecodeUnknownCodec,
			Err:        fmt.Errorf("unknown compression %q", snap.Compression),
		}
	}

	raw, err := comp.Decompress(snap.CompressedState)
	if err != nil {
		integrityFailures.WithLabelValues(StageDecompress).Inc()
		return nil, &IntegrityError{SnapshotID: snap.ID, Stage: StageDecompress, Err: err}
	}

	if actual := ir.StateChecksum(raw); actual != snap.Checksum {
		integrityFailures.WithLabelValues(StageChecksum).Inc()
		return nil, &IntegrityError{
			SnapshotID: snap.ID,
			Stage:      StageChecksum,
			Expected:   snap.Checksum,
			Actual:     actual,
		}
	}

	v, err := ir.ParseValue(raw)
	if err != nil {
		return nil, &DecodeError{SnapshotID: snap.ID, Code: DecodeMalformed, Err: err}
	}

	canonical, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, &DecodeError{SnapshotID: snap.ID, Code: DecodeNonCanonical, Err: err}
	}
	if ir.StateChecksum(canonical) != snap.Checksum {
		return nil, &DecodeError{
			SnapshotID: snap.ID,
			Code:       DecodeNonCanonical,
			Err:        fmt.Errorf("payload is not in canonical form"),
		}
	}

	s, err := state.FromValue(v)
	if err != nil {
		return nil, &DecodeError{SnapshotID: snap.ID, Code: DecodeBadShape, Err: err}
	}
	return s, nil
}
