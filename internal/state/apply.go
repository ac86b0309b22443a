package state

import (
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// UpdatePolicy decides what an UPDATE does when its resource is absent.
type UpdatePolicy string

const (
	// PolicyIgnore leaves state unchanged and reports the skip.
	PolicyIgnore UpdatePolicy = "ignore"
	// PolicyUpsert inserts the after image as if it were a CREATE.
	PolicyUpsert UpdatePolicy = "upsert"
	// PolicyStrict fails the fold.
	PolicyStrict UpdatePolicy = "strict"
)

// ParseUpdatePolicy converts a string to an UpdatePolicy.
// The empty string selects PolicyIgnore.
func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch p := UpdatePolicy(s); p {
	case "":
		return PolicyIgnore, nil
	case PolicyIgnore, PolicyUpsert, PolicyStrict:
		return p, nil
	}
	return "", fmt.Errorf("unknown update policy %q (want ignore, upsert or strict)", s)
}

// Outcome reports what Apply did with a delta.
type Outcome int

const (
	Applied Outcome = iota
	SkippedUpdate
	SkippedDelete
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case SkippedUpdate:
		return "skipped_update"
	case SkippedDelete:
		return "skipped_delete"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrUpdateOnMissing is returned by Apply under PolicyStrict.
type ErrUpdateOnMissing struct {
	ResourceType ir.ResourceType
	ResourceID   string
	DeltaID      string
}

func (e *ErrUpdateOnMissing) Error() string {
	return fmt.Sprintf("UPDATE on missing resource %s/%s (delta %s)", e.ResourceType, e.ResourceID, e.DeltaID)
}

// Apply folds one delta into s in place.
//
//   - CREATE inserts the after image, overwriting any existing record.
//   - UPDATE replaces an existing record; a missing one is handled by policy.
//   - DELETE removes the record; a missing one is a no-op.
//
// Apply has no side effects beyond s and is deterministic for identical inputs.
func (s State) Apply(d ir.StateDelta, policy UpdatePolicy) (Outcome, error) {
	switch d.Operation {
	case ir.OpCreate:
		s.Put(d.ResourceType, d.ResourceID, d.AfterState)
		return Applied, nil

	case ir.OpUpdate:
		if _, ok := s.Get(d.ResourceType, d.ResourceID); ok {
			s.Put(d.ResourceType, d.ResourceID, d.AfterState)
			return Applied, nil
		}
		switch policy {
		case PolicyUpsert:
			s.Put(d.ResourceType, d.ResourceID, d.AfterState)
			return Applied, nil
		case PolicyStrict:
			return SkippedUpdate, &ErrUpdateOnMissing{
				ResourceType: d.ResourceType,
				ResourceID:   d.ResourceID,
				DeltaID:      d.ID,
			}
		default:
			return SkippedUpdate, nil
		}

	case ir.OpDelete:
		if s.Remove(d.ResourceType, d.ResourceID) {
			return Applied, nil
		}
		return SkippedDelete, nil
	}

	return Applied, fmt.Errorf("apply delta %s: unknown operation %q", d.ID, d.Operation)
}
