package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/state"
)

const deltaColumns = `seq, id, user_id, resource_type, resource_id, operation, before_state,
	after_state, changed_fields, triggered_by, ip_address, created_at, idempotency_key`

const snapshotColumns = `seq, id, user_id, snapshot_date, created_at, compression,
	compressed_state, checksum, transaction_count, metadata`

// ReadDeltas returns the user's deltas with created_at in (after, through],
// ordered by created_at ASC, seq ASC. A zero after reads from the start of
// the log.
//
// Returns an empty slice (not nil) if no deltas are in range.
func (s *Store) ReadDeltas(ctx context.Context, userID string, after, through time.Time) ([]ir.StateDelta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deltaColumns+`
		FROM deltas
		WHERE user_id = ? AND created_at > ? AND created_at <= ?
		ORDER BY created_at ASC, seq ASC
	`, userID, ir.FormatTime(after), ir.FormatTime(through))
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	return collectDeltas(rows)
}

// ReadResourceDeltas returns every delta recorded for one resource,
// ordered by created_at ASC, seq ASC.
//
// Returns an empty slice (not nil) if the resource has no history.
func (s *Store) ReadResourceDeltas(ctx context.Context, userID, resourceID string) ([]ir.StateDelta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deltaColumns+`
		FROM deltas
		WHERE user_id = ? AND resource_id = ?
		ORDER BY created_at ASC, seq ASC
	`, userID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query resource deltas: %w", err)
	}
	defer rows.Close()

	return collectDeltas(rows)
}

func collectDeltas(rows *sql.Rows) ([]ir.StateDelta, error) {
	deltas := []ir.StateDelta{}
	for rows.Next() {
		d, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	return deltas, nil
}

// readDeltaByKey returns sql.ErrNoRows if no delta has the key.
func readDeltaByKey(ctx context.Context, q queryer, userID, key string) (ir.StateDelta, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+deltaColumns+`
		FROM deltas
		WHERE user_id = ? AND idempotency_key = ?
	`, userID, key)
	return scanDelta(row)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelta(row rowScanner) (ir.StateDelta, error) {
	var (
		d                 ir.StateDelta
		resourceType, op  string
		before, after     sql.NullString
		fields, createdAt string
	)
	err := row.Scan(
		&d.Seq,
		&d.ID,
		&d.UserID,
		&resourceType,
		&d.ResourceID,
		&op,
		&before,
		&after,
		&fields,
		&d.TriggeredBy,
		&d.IPAddress,
		&createdAt,
		&d.IdempotencyKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.StateDelta{}, err
		}
		return ir.StateDelta{}, fmt.Errorf("scan delta: %w", err)
	}

	d.ResourceType = ir.ResourceType(resourceType)
	d.Operation = ir.Operation(op)

	if d.BeforeState, err = unmarshalRecord(before); err != nil {
		return ir.StateDelta{}, fmt.Errorf("delta %s: %w", d.ID, err)
	}
	if d.AfterState, err = unmarshalRecord(after); err != nil {
		return ir.StateDelta{}, fmt.Errorf("delta %s: %w", d.ID, err)
	}
	if d.ChangedFields, err = unmarshalFields(fields); err != nil {
		return ir.StateDelta{}, fmt.Errorf("delta %s: %w", d.ID, err)
	}
	if d.CreatedAt, err = ir.ParseTime(createdAt); err != nil {
		return ir.StateDelta{}, fmt.Errorf("delta %s: %w", d.ID, err)
	}
	return d, nil
}

// LatestSnapshotAtOrBefore returns the newest snapshot with
// snapshot_date <= at, breaking date ties by the most recently written.
// found is false when the user has no such snapshot.
func (s *Store) LatestSnapshotAtOrBefore(ctx context.Context, userID string, at time.Time) (snap ir.Snapshot, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE user_id = ? AND snapshot_date <= ?
		ORDER BY snapshot_date DESC, seq DESC
		LIMIT 1
	`, userID, ir.FormatTime(at))

	snap, err = scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, true, nil
}

// ReadSnapshot retrieves a single snapshot by id.
// Returns ErrSnapshotNotFound if it does not exist.
func (s *Store) ReadSnapshot(ctx context.Context, id string) (ir.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE id = ?
	`, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return snap, err
}

// ListSnapshots returns all snapshots for a user ordered by
// snapshot_date ASC, seq ASC.
//
// Returns an empty slice (not nil) if the user has none.
func (s *Store) ListSnapshots(ctx context.Context, userID string) ([]ir.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE user_id = ?
		ORDER BY snapshot_date ASC, seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []ir.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

func scanSnapshot(row rowScanner) (ir.Snapshot, error) {
	var (
		snap                    ir.Snapshot
		snapshotDate, createdAt string
		meta                    string
	)
	err := row.Scan(
		&snap.Seq,
		&snap.ID,
		&snap.UserID,
		&snapshotDate,
		&createdAt,
		&snap.Compression,
		&snap.CompressedState,
		&snap.Checksum,
		&snap.TransactionCount,
		&meta,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Snapshot{}, err
		}
		return ir.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	if snap.SnapshotDate, err = ir.ParseTime(snapshotDate); err != nil {
		return ir.Snapshot{}, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if snap.CreatedAt, err = ir.ParseTime(createdAt); err != nil {
		return ir.Snapshot{}, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if snap.Metadata, err = unmarshalMetadata(meta); err != nil {
		return ir.Snapshot{}, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

// ListUsers returns every user with at least one delta, in sorted order.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM deltas
		ORDER BY user_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ReadLiveState reads the user's live records together with the newest
// delta they reflect, inside one transaction so both views agree.
func (s *Store) ReadLiveState(ctx context.Context, userID string) (snapshot.LiveState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.LiveState{}, fmt.Errorf("read live state: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT resource_type, resource_id, record
		FROM resources
		WHERE user_id = ?
		ORDER BY resource_type ASC, resource_id ASC
	`, userID)
	if err != nil {
		return snapshot.LiveState{}, fmt.Errorf("read live state: %w", err)
	}

	live := snapshot.LiveState{State: state.New()}
	for rows.Next() {
		var rt, id string
		var record sql.NullString
		if err := rows.Scan(&rt, &id, &record); err != nil {
			rows.Close()
			return snapshot.LiveState{}, fmt.Errorf("scan live record: %w", err)
		}
		rec, err := unmarshalRecord(record)
		if err != nil {
			rows.Close()
			return snapshot.LiveState{}, fmt.Errorf("live record %s/%s: %w", rt, id, err)
		}
		live.State.Put(ir.ResourceType(rt), id, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return snapshot.LiveState{}, fmt.Errorf("iterate live records: %w", err)
	}
	rows.Close()

	var latest sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM deltas WHERE user_id = ?
	`, userID).Scan(&live.HighWater, &latest); err != nil {
		return snapshot.LiveState{}, fmt.Errorf("read delta high water: %w", err)
	}
	if latest.Valid {
		if live.LatestDeltaAt, err = ir.ParseTime(latest.String); err != nil {
			return snapshot.LiveState{}, fmt.Errorf("read delta high water: %w", err)
		}
	}

	return live, nil
}
