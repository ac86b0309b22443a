package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateChecksumDeterminism(t *testing.T) {
	data := []byte(`{"expense":{"exp-1":{"amount":400}}}`)

	sum1 := StateChecksum(data)
	sum2 := StateChecksum(data)

	assert.Equal(t, sum1, sum2)
	assert.Len(t, sum1, 64, "SHA-256 hex is 64 characters")
}

func TestStateChecksumDetectsSingleByteChange(t *testing.T) {
	a := StateChecksum([]byte(`{"expense":{"exp-1":{"amount":400}}}`))
	b := StateChecksum([]byte(`{"expense":{"exp-1":{"amount":401}}}`))
	assert.NotEqual(t, a, b)
}

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte("same-bytes")

	snap := hashWithDomain(DomainSnapshot, data)
	delta := hashWithDomain(DomainDelta, data)

	assert.NotEqual(t, snap, delta, "domains must separate identical payloads")
}

func TestDeltaIdempotencyKeyDeterminism(t *testing.T) {
	at := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	k1, err := DeltaIdempotencyKey("exp-1", OpCreate, at)
	require.NoError(t, err)
	k2, err := DeltaIdempotencyKey("exp-1", OpCreate, at)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestDeltaIdempotencyKeyIgnoresZone(t *testing.T) {
	utc := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	est := utc.In(time.FixedZone("EST", -5*60*60))

	assert.Equal(t,
		MustDeltaIdempotencyKey("exp-1", OpUpdate, utc),
		MustDeltaIdempotencyKey("exp-1", OpUpdate, est),
		"the same instant must produce the same key")
}

func TestDeltaIdempotencyKeyChangesWithInput(t *testing.T) {
	at := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	base := MustDeltaIdempotencyKey("exp-1", OpCreate, at)
	otherID := MustDeltaIdempotencyKey("exp-2", OpCreate, at)
	otherOp := MustDeltaIdempotencyKey("exp-1", OpUpdate, at)
	otherTime := MustDeltaIdempotencyKey("exp-1", OpCreate, at.Add(time.Nanosecond))

	assert.NotEqual(t, base, otherID)
	assert.NotEqual(t, base, otherOp)
	assert.NotEqual(t, base, otherTime)
}
