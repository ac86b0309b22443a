package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// LiveState is a user's current tracked state as held by the live store.
type LiveState struct {
	State state.State
	// HighWater is the highest delta seq reflected in State.
	HighWater int64
	// LatestDeltaAt is the created_at of the newest delta reflected in State.
	LatestDeltaAt time.Time
}

// LiveReader reads a user's current full state across all tracked types.
type LiveReader interface {
	ReadLiveState(ctx context.Context, userID string) (LiveState, error)
}

// Sink persists a new snapshot and returns it with its store-assigned seq.
type Sink interface {
	WriteSnapshot(ctx context.Context, snap ir.Snapshot) (ir.Snapshot, error)
}

// UserLister enumerates users known to the delta log.
type UserLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Writer produces snapshots from the live store.
//
// At most one snapshot per user is in flight at a time. Writer never
// deletes or rewrites earlier snapshots.
//
// Thread-safety: Writer is safe for concurrent use.
type Writer struct {
	live    LiveReader
	sink    Sink
	codec   *Codec
	ids     ir.IDGenerator
	now     func() time.Time
	logger  *slog.Logger
	workers int

	userLocks sync.Map // userID -> *sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithIDGenerator overrides the snapshot id generator.
func WithIDGenerator(ids ir.IDGenerator) WriterOption {
	return func(w *Writer) { w.ids = ids }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// WithWorkers bounds the number of concurrent snapshots in CreateAll.
func WithWorkers(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.workers = n
		}
	}
}

// NewWriter creates a Writer.
func NewWriter(live LiveReader, sink Sink, codec *Codec, opts ...WriterOption) *Writer {
	w := &Writer{
		live:    live,
		sink:    sink,
		codec:   codec,
		ids:     ir.UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		workers: 4,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) lockUser(userID string) *sync.Mutex {
	lock, _ := w.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// CreateSnapshot snapshots the user's live state as of now.
func (w *Writer) CreateSnapshot(ctx context.Context, userID string) (ir.Snapshot, error) {
	return w.CreateSnapshotAt(ctx, userID, w.now())
}

// CreateSnapshotAt snapshots the user's live state with the given
// snapshot date. The date is raised to the newest reflected delta when
// that delta is later, so replay never sees a delta both in the snapshot
// and outside its tail.
func (w *Writer) CreateSnapshotAt(ctx context.Context, userID string, at time.Time) (ir.Snapshot, error) {
	if userID == "" {
		return ir.Snapshot{}, fmt.Errorf("create snapshot: user id is required")
	}

	lock := w.lockUser(userID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	snap, err := w.createLocked(ctx, userID, at)
	writeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		writesTotal.WithLabelValues("error").Inc()
		w.logger.Error("snapshot failed", "user_id", userID, "error", err)
		return ir.Snapshot{}, err
	}
	writesTotal.WithLabelValues("ok").Inc()

	w.logger.Info("snapshot created",
		"user_id", userID,
		"snapshot_id", snap.ID,
		"snapshot_date", snap.SnapshotDate,
		"transactions", snap.TransactionCount,
		"compressed_size", snap.Metadata.CompressedSize,
		"uncompressed_size", snap.Metadata.UncompressedSize,
	)
	return snap, nil
}

// maxStaleRetries bounds how often a snapshot is rebuilt after the sink
// reports that the delta log moved underneath it.
const maxStaleRetries = 3

func (w *Writer) createLocked(ctx context.Context, userID string, at time.Time) (ir.Snapshot, error) {
	var id string
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return ir.Snapshot{}, err
		}

		snap, err := w.build(ctx, userID, at)
		if err != nil {
			return ir.Snapshot{}, err
		}
		// A rebuilt snapshot keeps the id of the first attempt.
		if id == "" {
			id = w.ids.Generate()
		}
		snap.ID = id

		saved, err := w.sink.WriteSnapshot(ctx, snap)
		if errors.Is(err, ErrStaleSnapshot) && attempt < maxStaleRetries {
			w.logger.Debug("snapshot stale, rebuilding",
				"user_id", userID,
				"delta_high_water", snap.Metadata.DeltaHighWater,
				"attempt", attempt+1,
			)
			continue
		}
		if err != nil {
			return ir.Snapshot{}, fmt.Errorf("persist snapshot for %s: %w", userID, err)
		}
		return saved, nil
	}
}

// build reads and encodes the user's live state into an unsaved snapshot.
func (w *Writer) build(ctx context.Context, userID string, at time.Time) (ir.Snapshot, error) {
	live, err := w.live.ReadLiveState(ctx, userID)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("read live state for %s: %w", userID, err)
	}

	enc, err := w.codec.Encode(live.State)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("encode snapshot for %s: %w", userID, err)
	}

	snapshotDate := at.UTC()
	if live.LatestDeltaAt.After(snapshotDate) {
		snapshotDate = live.LatestDeltaAt.UTC()
	}

	return ir.Snapshot{
		UserID:           userID,
		SnapshotDate:     snapshotDate,
		CreatedAt:        w.now().UTC(),
		Compression:      enc.Compression,
		CompressedState:  enc.Compressed,
		Checksum:         enc.Checksum,
		TransactionCount: enc.TransactionCount,
		Metadata: ir.SnapshotMetadata{
			UncompressedSize: enc.UncompressedSize,
			CompressedSize:   enc.CompressedSize,
			ResourceCounts:   enc.ResourceCounts,
			DeltaHighWater:   live.HighWater,
		},
	}, nil
}

// Result is the outcome of one user's snapshot in CreateAll.
type Result struct {
	UserID   string
	Snapshot ir.Snapshot
	Err      error
}

// CreateAll snapshots every listed user with bounded concurrency.
// A failure for one user does not stop the others; all failures are
// joined into the returned error.
func (w *Writer) CreateAll(ctx context.Context, users UserLister) ([]Result, error) {
	userIDs, err := users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	results := make([]Result, len(userIDs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)

	for i, userID := range userIDs {
		i, userID := i, userID
		g.Go(func() error {
			snap, err := w.CreateSnapshot(gCtx, userID)
			results[i] = Result{UserID: userID, Snapshot: snap, Err: err}
			// Cancellation is the only error that stops the batch.
			if ctxErr := gCtx.Err(); ctxErr != nil {
				return ctxErr
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", r.UserID, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
