package snapshot

import (
	"errors"
	"fmt"
)

// ErrStaleSnapshot is returned by a Sink when a delta at or before the
// snapshot date was appended after the live state was read. The snapshot
// would silently miss it, so it must be rebuilt.
var ErrStaleSnapshot = errors.New("snapshot is stale: delta log advanced past the live read")

// Integrity failure stages.
const (
	StageDecompress = "decompress"
	StageChecksum   = "checksum"
)

// IntegrityError reports a snapshot whose stored bytes cannot be trusted.
// It is fatal: callers must never fall back to unverified data.
type IntegrityError struct {
	SnapshotID string
	Stage      string
	Expected   string
	Actual     string
	Err        error
}

func (e *IntegrityError) Error() string {
	if e.Stage == StageChecksum {
		return fmt.Sprintf("snapshot %s: integrity check failed: checksum mismatch (expected %s, got %s)",
			e.SnapshotID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("snapshot %s: integrity check failed at %s: %v", e.SnapshotID, e.Stage, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// Decode failure codes.
const (
	DecodeUnknownCodec = "UNKNOWN_CODEC"
	DecodeMalformed    = "MALFORMED"
	DecodeNonCanonical = "NON_CANONICAL"
	DecodeBadShape     = "BAD_SHAPE"
)

// DecodeError reports a verified payload that cannot be turned into state.
type DecodeError struct {
	SnapshotID string
	Code       string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("snapshot %s: decode failed [%s]: %v", e.SnapshotID, e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsIntegrityError returns true if err is or wraps an *IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsDecodeError returns true if err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
