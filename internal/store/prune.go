package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// PruneResult describes one retention pass.
type PruneResult struct {
	// Kept is the anchor snapshot: the newest one at or before the horizon.
	Kept    *ir.Snapshot
	Deleted []string
}

// PruneSnapshots deletes the user's snapshots that can no longer serve a
// replay at or after horizon.
//
// The newest snapshot with snapshot_date <= horizon is the anchor for any
// replay target in the retained window, so it and everything after it are
// kept. Only snapshots strictly older than the anchor are deleted. Deltas
// are never pruned. Without an anchor nothing is deleted.
func (s *Store) PruneSnapshots(ctx context.Context, userID string, horizon time.Time) (PruneResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune snapshots: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE user_id = ? AND snapshot_date <= ?
		ORDER BY snapshot_date DESC, seq DESC
		LIMIT 1
	`, userID, ir.FormatTime(horizon))

	anchor, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PruneResult{Deleted: []string{}}, nil
	}
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune snapshots: find anchor: %w", err)
	}

	anchorDate := ir.FormatTime(anchor.SnapshotDate)
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM snapshots
		WHERE user_id = ?
		  AND (snapshot_date < ? OR (snapshot_date = ? AND seq < ?))
		ORDER BY snapshot_date ASC, seq ASC
	`, userID, anchorDate, anchorDate, anchor.Seq)
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune snapshots: select: %w", err)
	}

	deleted := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return PruneResult{}, fmt.Errorf("prune snapshots: scan: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return PruneResult{}, fmt.Errorf("prune snapshots: iterate: %w", err)
	}
	rows.Close()

	for _, id := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id); err != nil {
			return PruneResult{}, fmt.Errorf("prune snapshots: delete %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("prune snapshots: commit: %w", err)
	}
	return PruneResult{Kept: &anchor, Deleted: deleted}, nil
}
