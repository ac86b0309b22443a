package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/state"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

// memStore is an in-memory DeltaLog and SnapshotSource.
type memStore struct {
	mu        sync.Mutex
	deltas    []ir.StateDelta
	snapshots []ir.Snapshot
	nextSeq   int64

	// reverse returns range reads in reverse seq order to prove the
	// engine does not depend on storage ordering.
	reverse bool
	// failReads makes every read return this error.
	failReads error
	// onRead runs before ReadDeltas returns.
	onRead func()
	// slow blocks snapshot selection until ctx is done or the delay passes.
	slow time.Duration
}

func (m *memStore) seq() int64 {
	m.nextSeq++
	return m.nextSeq
}

func (m *memStore) add(d ir.StateDelta) ir.StateDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Seq = m.seq()
	if d.ID == "" {
		d.ID = fmt.Sprintf("delta-%d", d.Seq)
	}
	m.deltas = append(m.deltas, d)
	return d
}

func (m *memStore) addSnapshot(snap ir.Snapshot) ir.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Seq = m.seq()
	m.snapshots = append(m.snapshots, snap)
	return snap
}

func (m *memStore) ReadDeltas(ctx context.Context, userID string, after, through time.Time) ([]ir.StateDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, m.failReads
	}
	out := []ir.StateDelta{}
	for _, d := range m.deltas {
		if d.UserID == userID && d.CreatedAt.After(after) && !d.CreatedAt.After(through) {
			out = append(out, d)
		}
	}
	if m.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if m.onRead != nil {
		m.onRead()
	}
	return out, nil
}

func (m *memStore) ReadResourceDeltas(ctx context.Context, userID, resourceID string) ([]ir.StateDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return nil, m.failReads
	}
	out := []ir.StateDelta{}
	for _, d := range m.deltas {
		if d.UserID == userID && d.ResourceID == resourceID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) LatestSnapshotAtOrBefore(ctx context.Context, userID string, at time.Time) (ir.Snapshot, bool, error) {
	if m.slow > 0 {
		select {
		case <-ctx.Done():
			return ir.Snapshot{}, false, ctx.Err()
		case <-time.After(m.slow):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads != nil {
		return ir.Snapshot{}, false, m.failReads
	}
	var best *ir.Snapshot
	for i := range m.snapshots {
		s := &m.snapshots[i]
		if s.UserID != userID || s.SnapshotDate.After(at) {
			continue
		}
		if best == nil || s.SnapshotDate.After(best.SnapshotDate) ||
			(s.SnapshotDate.Equal(best.SnapshotDate) && s.Seq > best.Seq) {
			best = s
		}
	}
	if best == nil {
		return ir.Snapshot{}, false, nil
	}
	return *best, true, nil
}

func newCodec(t *testing.T) *snapshot.Codec {
	t.Helper()
	c, err := snapshot.NewCodec(snapshot.CompressionZstd)
	require.NoError(t, err)
	return c
}

func newEngine(t *testing.T, m *memStore, cfg Config) *Engine {
	t.Helper()
	return New(m, m, newCodec(t), cfg)
}

// snapshotOf encodes s as a snapshot of userID dated at.
func snapshotOf(t *testing.T, userID, id string, at time.Time, s state.State) ir.Snapshot {
	t.Helper()
	enc, err := newCodec(t).Encode(s)
	require.NoError(t, err)
	return ir.Snapshot{
		ID:               id,
		UserID:           userID,
		SnapshotDate:     at,
		CreatedAt:        at,
		Compression:      enc.Compression,
		CompressedState:  enc.Compressed,
		Checksum:         enc.Checksum,
		TransactionCount: enc.TransactionCount,
	}
}

func expenseRecord(amount int64) ir.Object {
	return ir.Object{"amount": ir.Int(amount), "status": ir.String("completed")}
}

func create(userID, id string, amount int64, at time.Time) ir.StateDelta {
	return ir.StateDelta{
		UserID:        userID,
		ResourceType:  ir.ResourceExpense,
		ResourceID:    id,
		Operation:     ir.OpCreate,
		AfterState:    expenseRecord(amount),
		ChangedFields: []string{"amount", "status"},
		TriggeredBy:   "user:" + userID,
		CreatedAt:     at,
	}
}

func update(userID, id string, amount int64, at time.Time) ir.StateDelta {
	d := create(userID, id, amount, at)
	d.Operation = ir.OpUpdate
	d.ChangedFields = []string{"amount"}
	return d
}

func remove(userID, id string, at time.Time) ir.StateDelta {
	return ir.StateDelta{
		UserID:       userID,
		ResourceType: ir.ResourceExpense,
		ResourceID:   id,
		Operation:    ir.OpDelete,
		TriggeredBy:  "user:" + userID,
		CreatedAt:    at,
	}
}

var errStorage = errors.New("disk on fire")
