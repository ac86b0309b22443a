package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// Change kinds reported by DiffBetween.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

// ResourceChange is one resource that differs between two instants.
type ResourceChange struct {
	ResourceType  ir.ResourceType `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Kind          string          `json:"kind"`
	Before        ir.Object       `json:"before"`
	After         ir.Object       `json:"after"`
	ChangedFields []string        `json:"changed_fields"`
}

// Diff compares reconstructed state at two instants.
type Diff struct {
	UserID  string           `json:"user_id"`
	From    time.Time        `json:"from"`
	To      time.Time        `json:"to"`
	Changes []ResourceChange `json:"changes"`
}

// DiffBetween replays the user at from and to and reports every resource
// that was added, removed or modified in between, ordered by type and id.
func (e *Engine) DiffBetween(ctx context.Context, userID string, from, to time.Time) (Diff, error) {
	if to.Before(from) {
		return Diff{}, fmt.Errorf("diff %s: to (%s) is before from (%s)", userID, to, from)
	}

	before, err := e.ReplayToDate(ctx, userID, from)
	if err != nil {
		return Diff{}, fmt.Errorf("diff %s: %w", userID, err)
	}
	after, err := e.ReplayToDate(ctx, userID, to)
	if err != nil {
		return Diff{}, fmt.Errorf("diff %s: %w", userID, err)
	}

	return Diff{
		UserID:  userID,
		From:    from.UTC(),
		To:      to.UTC(),
		Changes: CompareStates(before.State, after.State),
	}, nil
}

// CompareStates lists the resources that differ between a and b.
func CompareStates(a, b state.State) []ResourceChange {
	changes := []ResourceChange{}
	for _, rt := range ir.TrackedResourceTypes {
		ids := make(map[string]struct{})
		for id := range a.Records(rt) {
			ids[id] = struct{}{}
		}
		for id := range b.Records(rt) {
			ids[id] = struct{}{}
		}
		sorted := make([]string, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)

		for _, id := range sorted {
			was, inA := a.Get(rt, id)
			now, inB := b.Get(rt, id)
			switch {
			case inA && !inB:
				changes = append(changes, ResourceChange{ResourceType: rt, ResourceID: id, Kind: ChangeRemoved, Before: was})
			case !inA && inB:
				changes = append(changes, ResourceChange{ResourceType: rt, ResourceID: id, Kind: ChangeAdded, After: now})
			case !ir.Equal(was, now):
				changes = append(changes, ResourceChange{
					ResourceType:  rt,
					ResourceID:    id,
					Kind:          ChangeModified,
					Before:        was,
					After:         now,
					ChangedFields: ir.ChangedFields(was, now),
				})
			}
		}
	}
	return changes
}
