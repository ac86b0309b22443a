package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AppendDelta appends a delta to the user's log without touching the live view.
// It is the ingestion path for producers that maintain their own live store.
//
// Returns the stored delta (with seq assigned) and whether a new row was
// written. A duplicate delivery (same user and idempotency key) returns the
// original row with inserted=false.
func (s *Store) AppendDelta(ctx context.Context, d ir.StateDelta) (stored ir.StateDelta, inserted bool, err error) {
	return s.append(ctx, d, false)
}

// ApplyMutation appends a delta and applies it to the live view in one
// transaction, so the log and the live store never disagree.
//
// A missing BeforeState is filled from the live row, and missing
// ChangedFields are derived from the before and after images.
func (s *Store) ApplyMutation(ctx context.Context, d ir.StateDelta) (stored ir.StateDelta, inserted bool, err error) {
	return s.append(ctx, d, true)
}

func (s *Store) append(ctx context.Context, d ir.StateDelta, updateLive bool) (ir.StateDelta, bool, error) {
	d.CreatedAt = d.CreatedAt.UTC()
	if d.ID == "" {
		d.ID = s.ids.Generate()
	}
	if d.IdempotencyKey == "" {
		key, err := ir.DeltaIdempotencyKey(d.ResourceID, d.Operation, d.CreatedAt)
		if err != nil {
			return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
		}
		d.IdempotencyKey = key
	}
	if err := d.Validate(); err != nil {
		return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.StateDelta{}, false, fmt.Errorf("append delta: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Duplicate delivery: return the original without re-validating.
	existing, err := readDeltaByKey(ctx, tx, d.UserID, d.IdempotencyKey)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
	}

	if err := checkLifecycle(ctx, tx, d); err != nil {
		return ir.StateDelta{}, false, fmt.Errorf("append delta %s/%s: %w", d.ResourceType, d.ResourceID, err)
	}

	if updateLive {
		if err := fillFromLive(ctx, tx, &d); err != nil {
			return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
		}
	}

	seq, err := insertDelta(ctx, tx, d)
	if err != nil {
		return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
	}
	d.Seq = seq

	if updateLive {
		if err := applyLive(ctx, tx, d); err != nil {
			return ir.StateDelta{}, false, fmt.Errorf("append delta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ir.StateDelta{}, false, fmt.Errorf("append delta: commit: %w", err)
	}
	return d, true, nil
}

// checkLifecycle enforces the per-resource causal sequence:
// CREATE first, nothing after DELETE, no time travel, and nothing at or
// before the newest snapshot (it would be invisible to replay).
//
// A resource is identified by its id alone within a user, so an id
// cannot be reused under another type.
func checkLifecycle(ctx context.Context, q queryer, d ir.StateDelta) error {
	var lastType, lastOp, lastAt string
	err := q.QueryRowContext(ctx, `
		SELECT resource_type, operation, created_at FROM deltas
		WHERE user_id = ? AND resource_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, d.UserID, d.ResourceID).Scan(&lastType, &lastOp, &lastAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if d.Operation != ir.OpCreate {
			return ErrMissingCreate
		}
	case err != nil:
		return fmt.Errorf("read resource history: %w", err)
	default:
		if ir.ResourceType(lastType) != d.ResourceType {
			return fmt.Errorf("%w: id is a %s", ErrTypeMismatch, lastType)
		}
		if ir.Operation(lastOp) == ir.OpDelete {
			return ErrResourceDeleted
		}
		if ir.FormatTime(d.CreatedAt) < lastAt {
			return ErrOutOfOrder
		}
	}

	var latestSnapshot sql.NullString
	if err := q.QueryRowContext(ctx, `
		SELECT MAX(snapshot_date) FROM snapshots WHERE user_id = ?
	`, d.UserID).Scan(&latestSnapshot); err != nil {
		return fmt.Errorf("read latest snapshot date: %w", err)
	}
	if latestSnapshot.Valid && ir.FormatTime(d.CreatedAt) <= latestSnapshot.String {
		return ErrBeforeSnapshot
	}
	return nil
}

func fillFromLive(ctx context.Context, q queryer, d *ir.StateDelta) error {
	if d.BeforeState == nil && d.Operation != ir.OpCreate {
		var record sql.NullString
		err := q.QueryRowContext(ctx, `
			SELECT record FROM resources
			WHERE user_id = ? AND resource_type = ? AND resource_id = ?
		`, d.UserID, string(d.ResourceType), d.ResourceID).Scan(&record)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read live record: %w", err)
		}
		before, err := unmarshalRecord(record)
		if err != nil {
			return err
		}
		d.BeforeState = before
	}
	if d.ChangedFields == nil {
		d.ChangedFields = ir.ChangedFields(d.BeforeState, d.AfterState)
	}
	return nil
}

func insertDelta(ctx context.Context, q queryer, d ir.StateDelta) (int64, error) {
	before, err := marshalRecord(d.BeforeState)
	if err != nil {
		return 0, err
	}
	after, err := marshalRecord(d.AfterState)
	if err != nil {
		return 0, err
	}
	fields, err := marshalFields(d.ChangedFields)
	if err != nil {
		return 0, err
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO deltas
		(id, user_id, resource_type, resource_id, operation, before_state, after_state,
		 changed_fields, triggered_by, ip_address, created_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		d.UserID,
		string(d.ResourceType),
		d.ResourceID,
		string(d.Operation),
		before,
		after,
		fields,
		d.TriggeredBy,
		d.IPAddress,
		ir.FormatTime(d.CreatedAt),
		d.IdempotencyKey,
	)
	if err != nil {
		return 0, fmt.Errorf("insert delta: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert delta: last insert id: %w", err)
	}
	return seq, nil
}

func applyLive(ctx context.Context, q queryer, d ir.StateDelta) error {
	if d.Operation == ir.OpDelete {
		_, err := q.ExecContext(ctx, `
			DELETE FROM resources
			WHERE user_id = ? AND resource_type = ? AND resource_id = ?
		`, d.UserID, string(d.ResourceType), d.ResourceID)
		if err != nil {
			return fmt.Errorf("delete live record: %w", err)
		}
		return nil
	}

	record, err := marshalRecord(d.AfterState)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO resources (user_id, resource_type, resource_id, record, last_delta_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, resource_type, resource_id) DO UPDATE SET
			record = excluded.record,
			last_delta_seq = excluded.last_delta_seq,
			updated_at = excluded.updated_at
	`,
		d.UserID,
		string(d.ResourceType),
		d.ResourceID,
		record,
		d.Seq,
		ir.FormatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert live record: %w", err)
	}
	return nil
}

// WriteSnapshot inserts a new immutable snapshot and returns it with its
// seq assigned. Snapshot ids are unique; writing the same id twice fails.
//
// The snapshot must reflect every delta at or before its snapshot date.
// If a delta with seq above Metadata.DeltaHighWater already falls inside
// that window, the write is refused with snapshot.ErrStaleSnapshot. The
// check and the insert share one transaction, and appends check the
// newest snapshot date inside theirs, so no delta can slip between them.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.Snapshot) (ir.Snapshot, error) {
	meta, err := marshalMetadata(snap.Metadata)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	snap.SnapshotDate = snap.SnapshotDate.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var missed int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deltas
		WHERE user_id = ? AND seq > ? AND created_at <= ?
	`, snap.UserID, snap.Metadata.DeltaHighWater, ir.FormatTime(snap.SnapshotDate)).Scan(&missed); err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: check high water: %w", err)
	}
	if missed > 0 {
		return ir.Snapshot{}, fmt.Errorf("write snapshot %s: %d delta(s) past seq %d: %w",
			snap.ID, missed, snap.Metadata.DeltaHighWater, snapshot.ErrStaleSnapshot)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(id, user_id, snapshot_date, created_at, compression, compressed_state,
		 checksum, transaction_count, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		snap.ID,
		snap.UserID,
		ir.FormatTime(snap.SnapshotDate),
		ir.FormatTime(snap.CreatedAt),
		snap.Compression,
		snap.CompressedState,
		snap.Checksum,
		snap.TransactionCount,
		meta,
	)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ir.Snapshot{}, fmt.Errorf("write snapshot: commit: %w", err)
	}
	snap.Seq = seq
	return snap, nil
}
