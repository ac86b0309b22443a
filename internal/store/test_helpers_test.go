package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

// createTestStore creates a new file-backed store under t.TempDir().
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDelta creates an expense delta with minimal required fields.
func createTestDelta(userID, resourceID string, op ir.Operation, amount int64, at time.Time) ir.StateDelta {
	d := ir.StateDelta{
		UserID:       userID,
		ResourceType: ir.ResourceExpense,
		ResourceID:   resourceID,
		Operation:    op,
		TriggeredBy:  "test",
		CreatedAt:    at,
	}
	if op != ir.OpDelete {
		d.AfterState = ir.Object{"amount": ir.Int(amount), "status": ir.String("completed")}
	}
	return d
}

// mustApply applies a mutation and fails the test on error.
func mustApply(t *testing.T, s *Store, d ir.StateDelta) ir.StateDelta {
	t.Helper()
	stored, inserted, err := s.ApplyMutation(context.Background(), d)
	if err != nil {
		t.Fatalf("ApplyMutation(%s %s) failed: %v", d.Operation, d.ResourceID, err)
	}
	if !inserted {
		t.Fatalf("ApplyMutation(%s %s) was treated as a duplicate", d.Operation, d.ResourceID)
	}
	return stored
}

// createTestSnapshot creates a snapshot row with an opaque payload.
func createTestSnapshot(id, userID string, date time.Time) ir.Snapshot {
	return ir.Snapshot{
		ID:               id,
		UserID:           userID,
		SnapshotDate:     date,
		CreatedAt:        date,
		Compression:      "zstd",
		CompressedState:  []byte{0x28, 0xb5, 0x2f, 0xfd},
		Checksum:         "abc123",
		TransactionCount: 2,
		Metadata: ir.SnapshotMetadata{
			UncompressedSize: 40,
			CompressedSize:   4,
			ResourceCounts:   map[ir.ResourceType]int{ir.ResourceExpense: 2},
			DeltaHighWater:   3,
		},
	}
}
