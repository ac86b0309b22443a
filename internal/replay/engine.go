package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// DeltaLog reads the per-user append-only delta log.
// Implementations must return deltas ordered by (created_at, seq).
type DeltaLog interface {
	// ReadDeltas returns deltas with created_at in (after, through].
	// A zero after reads from the start of the log.
	ReadDeltas(ctx context.Context, userID string, after, through time.Time) ([]ir.StateDelta, error)
	// ReadResourceDeltas returns every delta for one resource.
	ReadResourceDeltas(ctx context.Context, userID, resourceID string) ([]ir.StateDelta, error)
}

// SnapshotSource selects stored snapshots.
type SnapshotSource interface {
	// LatestSnapshotAtOrBefore returns the newest snapshot with
	// snapshot_date <= at, ties broken by the most recently written.
	LatestSnapshotAtOrBefore(ctx context.Context, userID string, at time.Time) (ir.Snapshot, bool, error)
}

// Decoder verifies and decodes a snapshot. Implemented by *snapshot.Codec.
type Decoder interface {
	Decode(snap ir.Snapshot) (state.State, error)
}

// Config holds replay policy.
type Config struct {
	// UpdatePolicy decides what an UPDATE for an absent resource does.
	UpdatePolicy state.UpdatePolicy
	// Timeout bounds each replay. Zero means only the caller's deadline applies.
	Timeout time.Duration
}

// ctxCheckInterval is how many deltas are folded between context checks.
const ctxCheckInterval = 256

// Warning codes surfaced in replay metadata.
const (
	WarnMissingBaseState = "MISSING_BASE_STATE"
	WarnUpdateOnMissing  = "UPDATE_ON_MISSING"
	WarnDeleteOnMissing  = "DELETE_ON_MISSING"
)

// Warning is a non-fatal condition found during replay.
type Warning struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	DeltaID      string          `json:"delta_id,omitempty"`
	ResourceType ir.ResourceType `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
}

// SnapshotRef identifies the snapshot a replay started from.
type SnapshotRef struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	SnapshotDate time.Time `json:"snapshot_date"`
	Checksum     string    `json:"checksum"`
	Compression  string    `json:"compression"`
}

// Metadata describes how a state was reconstructed.
type Metadata struct {
	UserID string    `json:"user_id"`
	Target time.Time `json:"target"`
	// Snapshot is nil when replay started from an empty state.
	Snapshot       *SnapshotRef            `json:"snapshot"`
	DeltasApplied  int                     `json:"deltas_applied"`
	SkippedUpdates int                     `json:"skipped_updates"`
	SkippedDeletes int                     `json:"skipped_deletes"`
	ResourceCounts map[ir.ResourceType]int `json:"resource_counts"`
	Warnings       []Warning               `json:"warnings"`
	Elapsed        time.Duration           `json:"elapsed_ns"`
}

// Result is a reconstructed state with its metadata.
type Result struct {
	State    state.State
	Metadata Metadata
}

// Engine reconstructs historical state from snapshots and the delta log.
//
// Thread-safety: Engine holds no mutable state. Every call builds a fresh
// State, so concurrent replays for any (user, target) pairs are safe.
type Engine struct {
	deltas    DeltaLog
	snapshots SnapshotSource
	decoder   Decoder
	cfg       Config
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an Engine over the given collaborators.
func New(deltas DeltaLog, snapshots SnapshotSource, decoder Decoder, cfg Config, opts ...Option) *Engine {
	if cfg.UpdatePolicy == "" {
		cfg.UpdatePolicy = state.PolicyIgnore
	}
	e := &Engine{
		deltas:    deltas,
		snapshots: snapshots,
		decoder:   decoder,
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReplayToDate reconstructs the user's state as of target.
//
// Algorithm:
//  1. Select the newest snapshot with snapshot_date <= target.
//  2. Verify and decode it; integrity and decode failures abort.
//  3. Read deltas in (snapshot_date, target], or <= target without a snapshot.
//  4. Fold them in (created_at, seq) order.
//
// On deadline expiry ReplayToDate returns *TimeoutError and no state.
func (e *Engine) ReplayToDate(ctx context.Context, userID string, target time.Time) (Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.replay(ctx, userID, target.UTC())
	elapsed := time.Since(start)

	outcome := "ok"
	switch {
	case IsTimeout(err):
		outcome = "timeout"
	case IsIntegrityError(err):
		outcome = "integrity_error"
	case IsDecodeError(err):
		outcome = "decode_error"
	case err != nil:
		outcome = "error"
	}
	replayDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	if err != nil {
		e.logger.Warn("replay failed",
			"user_id", userID,
			"target", target,
			"outcome", outcome,
			"error", err,
		)
		return Result{}, err
	}

	res.Metadata.Elapsed = elapsed
	replayTailLength.Observe(float64(res.Metadata.DeltasApplied))
	e.logger.Debug("replay complete",
		"user_id", userID,
		"target", target,
		"deltas_applied", res.Metadata.DeltasApplied,
		"warnings", len(res.Metadata.Warnings),
		"elapsed", elapsed,
	)
	return res, nil
}

func (e *Engine) replay(ctx context.Context, userID string, target time.Time) (Result, error) {
	meta := Metadata{UserID: userID, Target: target, Warnings: []Warning{}}

	if err := ctx.Err(); err != nil {
		return Result{}, e.timeout(userID, target, 0, err)
	}

	snap, found, err := e.snapshots.LatestSnapshotAtOrBefore(ctx, userID, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, e.timeout(userID, target, 0, ctxErr)
		}
		return Result{}, fmt.Errorf("replay %s: select snapshot: %w", userID, err)
	}

	var (
		s     state.State
		after time.Time
	)
	if found {
		replayBase.WithLabelValues("snapshot").Inc()
		s, err = e.decoder.Decode(snap)
		if err != nil {
			return Result{}, fmt.Errorf("replay %s: %w", userID, err)
		}
		after = snap.SnapshotDate
		meta.Snapshot = &SnapshotRef{
			ID:           snap.ID,
			Seq:          snap.Seq,
			SnapshotDate: snap.SnapshotDate,
			Checksum:     snap.Checksum,
			Compression:  snap.Compression,
		}
	} else {
		replayBase.WithLabelValues("empty").Inc()
		s = state.New()
		meta.Warnings = append(meta.Warnings, Warning{
			Code:    WarnMissingBaseState,
			Message: "no snapshot at or before target; replaying full delta history",
		})
	}

	if err := ctx.Err(); err != nil {
		return Result{}, e.timeout(userID, target, 0, err)
	}

	deltas, err := e.deltas.ReadDeltas(ctx, userID, after, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, e.timeout(userID, target, 0, ctxErr)
		}
		return Result{}, fmt.Errorf("replay %s: read deltas: %w", userID, err)
	}
	slices.SortStableFunc(deltas, compareDeltas)

	for i, d := range deltas {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, e.timeout(userID, target, i, err)
			}
		}

		outcome, err := s.Apply(d, e.cfg.UpdatePolicy)
		if err != nil {
			return Result{}, e.applyError(userID, d, err)
		}

		switch outcome {
		case state.Applied:
			meta.DeltasApplied++
		case state.SkippedUpdate:
			meta.SkippedUpdates++
			meta.Warnings = append(meta.Warnings, Warning{
				Code:         WarnUpdateOnMissing,
				Message:      "UPDATE for a resource absent from reconstructed state was skipped",
				DeltaID:      d.ID,
				ResourceType: d.ResourceType,
				ResourceID:   d.ResourceID,
			})
		case state.SkippedDelete:
			meta.SkippedDeletes++
			meta.Warnings = append(meta.Warnings, Warning{
				Code:         WarnDeleteOnMissing,
				Message:      "DELETE for a resource absent from reconstructed state was a no-op",
				DeltaID:      d.ID,
				ResourceType: d.ResourceType,
				ResourceID:   d.ResourceID,
			})
		}
	}

	meta.ResourceCounts = s.Counts()
	return Result{State: s, Metadata: meta}, nil
}

func (e *Engine) timeout(userID string, target time.Time, applied int, err error) error {
	return &TimeoutError{UserID: userID, Target: target, Applied: applied, Err: err}
}

func (e *Engine) applyError(userID string, d ir.StateDelta, err error) error {
	var missing *state.ErrUpdateOnMissing
	if errors.As(err, &missing) {
		return &ReplayError{
			Code:    ErrCodeUpdateOnMissing,
			Message: fmt.Sprintf("UPDATE for missing %s/%s under strict policy", d.ResourceType, d.ResourceID),
			UserID:  userID,
			DeltaID: d.ID,
			Err:     err,
		}
	}
	return &ReplayError{
		Code:    ErrCodeInvalidDelta,
		Message: err.Error(),
		UserID:  userID,
		DeltaID: d.ID,
		Err:     err,
	}
}

func compareDeltas(a, b ir.StateDelta) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
