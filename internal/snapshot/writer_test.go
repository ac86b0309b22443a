package snapshot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeLive struct {
	mu       sync.Mutex
	states   map[string]LiveState
	failFor  string
	inFlight map[string]*int32
	maxSeen  int32
	delay    time.Duration
}

func newFakeLive() *fakeLive {
	return &fakeLive{states: map[string]LiveState{}, inFlight: map[string]*int32{}}
}

func (f *fakeLive) ReadLiveState(ctx context.Context, userID string) (LiveState, error) {
	f.mu.Lock()
	counter, ok := f.inFlight[userID]
	if !ok {
		counter = new(int32)
		f.inFlight[userID] = counter
	}
	live := f.states[userID]
	fail := f.failFor == userID
	f.mu.Unlock()

	n := atomic.AddInt32(counter, 1)
	defer atomic.AddInt32(counter, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if fail {
		return LiveState{}, errors.New("live store unavailable")
	}
	if live.State == nil {
		live.State = state.New()
	}
	return live, nil
}

func (f *fakeLive) ListUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]string, 0, len(f.states))
	for u := range f.states {
		users = append(users, u)
	}
	return users, nil
}

type fakeSink struct {
	mu    sync.Mutex
	saved []ir.Snapshot
}

func (f *fakeSink) WriteSnapshot(ctx context.Context, snap ir.Snapshot) (ir.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap.Seq = int64(len(f.saved) + 1)
	f.saved = append(f.saved, snap)
	return snap, nil
}

func newTestWriter(t *testing.T, live *fakeLive, sink Sink, opts ...WriterOption) *Writer {
	t.Helper()
	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)
	opts = append([]WriterOption{WithClock(func() time.Time { return day0 })}, opts...)
	return NewWriter(live, sink, codec, opts...)
}

func TestCreateSnapshot(t *testing.T) {
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(2), HighWater: 7, LatestDeltaAt: day0.Add(-time.Hour)}
	sink := &fakeSink{}

	w := newTestWriter(t, live, sink, WithIDGenerator(ir.NewFixedGenerator("snap-a")))

	snap, err := w.CreateSnapshot(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "snap-a", snap.ID)
	assert.Equal(t, int64(1), snap.Seq)
	assert.Equal(t, "u1", snap.UserID)
	assert.True(t, snap.SnapshotDate.Equal(day0))
	assert.Equal(t, CompressionZstd, snap.Compression)
	assert.Equal(t, 2, snap.TransactionCount)
	assert.Equal(t, int64(7), snap.Metadata.DeltaHighWater)
	require.Len(t, sink.saved, 1)

	codec, _ := NewCodec("")
	decoded, err := codec.Decode(snap)
	require.NoError(t, err)
	assert.True(t, state.Equal(sampleState(2), decoded))
}

func TestCreateSnapshotRaisesDateToLatestDelta(t *testing.T) {
	later := day0.Add(2 * time.Hour)
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(1), LatestDeltaAt: later}
	sink := &fakeSink{}

	w := newTestWriter(t, live, sink)
	snap, err := w.CreateSnapshotAt(context.Background(), "u1", day0)
	require.NoError(t, err)
	assert.True(t, snap.SnapshotDate.Equal(later))
}

func TestCreateSnapshotNeverRewrites(t *testing.T) {
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(1)}
	sink := &fakeSink{}
	w := newTestWriter(t, live, sink)

	first, err := w.CreateSnapshot(context.Background(), "u1")
	require.NoError(t, err)
	second, err := w.CreateSnapshot(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, sink.saved, 2)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Checksum, second.Checksum)
}

func TestCreateSnapshotErrors(t *testing.T) {
	live := newFakeLive()
	live.failFor = "u1"
	w := newTestWriter(t, live, &fakeSink{})

	_, err := w.CreateSnapshot(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read live state")

	_, err = w.CreateSnapshot(context.Background(), "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.CreateSnapshot(ctx, "u2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCreateSnapshotSerializesPerUser(t *testing.T) {
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(1)}
	live.delay = 5 * time.Millisecond
	sink := &fakeSink{}
	w := newTestWriter(t, live, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.CreateSnapshot(context.Background(), "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&live.maxSeen), "at most one in-flight snapshot per user")
	assert.Len(t, sink.saved, 8)
}

func TestCreateAll(t *testing.T) {
	live := newFakeLive()
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		live.states[u] = LiveState{State: sampleState(1)}
	}
	live.failFor = "u3"
	sink := &fakeSink{}
	w := newTestWriter(t, live, sink, WithWorkers(2))

	results, err := w.CreateAll(context.Background(), live)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user u3")
	assert.Len(t, results, 4)
	assert.Len(t, sink.saved, 3)

	for _, r := range results {
		if r.UserID == "u3" {
			assert.Error(t, r.Err)
		} else {
			assert.NoError(t, r.Err)
			assert.Equal(t, r.UserID, r.Snapshot.UserID)
		}
	}
}

type staleSink struct {
	fakeSink
	staleFor int
	attempts int
	onStale  func()
}

func (s *staleSink) WriteSnapshot(ctx context.Context, snap ir.Snapshot) (ir.Snapshot, error) {
	s.attempts++
	if s.attempts <= s.staleFor {
		if s.onStale != nil {
			s.onStale()
		}
		return ir.Snapshot{}, ErrStaleSnapshot
	}
	return s.fakeSink.WriteSnapshot(ctx, snap)
}

func TestCreateSnapshotRebuildsWhenStale(t *testing.T) {
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(1), HighWater: 1}
	sink := &staleSink{staleFor: 1}
	sink.onStale = func() {
		live.mu.Lock()
		live.states["u1"] = LiveState{State: sampleState(2), HighWater: 2}
		live.mu.Unlock()
	}

	w := newTestWriter(t, live, sink, WithIDGenerator(ir.NewFixedGenerator("snap-a")))
	snap, err := w.CreateSnapshot(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, sink.attempts)
	assert.Equal(t, "snap-a", snap.ID)
	assert.Equal(t, int64(2), snap.Metadata.DeltaHighWater)
	assert.Equal(t, 2, snap.TransactionCount)
}

func TestCreateSnapshotGivesUpWhenAlwaysStale(t *testing.T) {
	live := newFakeLive()
	live.states["u1"] = LiveState{State: sampleState(1), HighWater: 1}
	sink := &staleSink{staleFor: 100}

	w := newTestWriter(t, live, sink)
	_, err := w.CreateSnapshot(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleSnapshot)
	assert.Equal(t, maxStaleRetries+1, sink.attempts)
	assert.Empty(t, sink.saved)
}
