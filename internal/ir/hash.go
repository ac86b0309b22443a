package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Domain prefixes for content hashes.
// Version suffix enables future algorithm migration.
const (
	DomainSnapshot = "rewind/snapshot/v1"
	DomainDelta    = "rewind/delta/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateChecksum returns the snapshot checksum of canonical, uncompressed
// state bytes. Callers must pass the output of MarshalCanonical.
func StateChecksum(canonical []byte) string {
	return hashWithDomain(DomainSnapshot, canonical)
}

// DeltaIdempotencyKey computes the at-least-once delivery key for a delta.
// Two deliveries of the same mutation share resource id, operation and
// commit timestamp, so they collapse onto one log entry.
func DeltaIdempotencyKey(resourceID string, op Operation, createdAt time.Time) (string, error) {
	obj := Object{
		"resource_id": String(resourceID),
		"operation":   String(op),
		"created_at":  String(FormatTime(createdAt)),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DeltaIdempotencyKey: failed to marshal: %w", err)
	}

	return hashWithDomain(DomainDelta, canonical), nil
}

// MustDeltaIdempotencyKey is like DeltaIdempotencyKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDeltaIdempotencyKey(resourceID string, op Operation, createdAt time.Time) string {
	key, err := DeltaIdempotencyKey(resourceID, op, createdAt)
	if err != nil {
		panic(err)
	}
	return key
}
