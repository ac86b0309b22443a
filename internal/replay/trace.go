package replay

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/state"
)

// LifecycleEntry is one delta in a resource's history.
type LifecycleEntry struct {
	DeltaID       string       `json:"delta_id"`
	Seq           int64        `json:"seq"`
	Operation     ir.Operation `json:"operation"`
	BeforeState   ir.Object    `json:"before_state"`
	AfterState    ir.Object    `json:"after_state"`
	ChangedFields []string     `json:"changed_fields"`
	TriggeredBy   string       `json:"triggered_by,omitempty"`
	IPAddress     string       `json:"ip_address,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Trace is the full causal history of one resource.
type Trace struct {
	UserID       string           `json:"user_id"`
	ResourceID   string           `json:"resource_id"`
	ResourceType ir.ResourceType  `json:"resource_type"`
	Lifecycle    []LifecycleEntry `json:"lifecycle"`
	Created      time.Time        `json:"created"`
	LastModified time.Time        `json:"last_modified"`
	TotalChanges int              `json:"total_changes"`
	Deleted      bool             `json:"deleted"`
	// Current is the record after the last delta; nil once deleted.
	Current ir.Object `json:"current"`
}

// TraceTransaction returns the lifecycle of one resource straight from the
// delta log. No snapshot is needed: a resource's own deltas are its
// complete history.
//
// found is false, with a nil error, when the resource has no deltas.
func (e *Engine) TraceTransaction(ctx context.Context, userID, resourceID string) (Trace, bool, error) {
	start := time.Now()
	defer func() { traceDuration.Observe(time.Since(start).Seconds()) }()

	deltas, err := e.deltas.ReadResourceDeltas(ctx, userID, resourceID)
	if err != nil {
		return Trace{}, false, fmt.Errorf("trace %s/%s: %w", userID, resourceID, err)
	}
	if len(deltas) == 0 {
		return Trace{}, false, nil
	}
	slices.SortStableFunc(deltas, compareDeltas)

	trace := Trace{
		UserID:       userID,
		ResourceID:   resourceID,
		ResourceType: deltas[0].ResourceType,
		Lifecycle:    make([]LifecycleEntry, 0, len(deltas)),
		Created:      deltas[0].CreatedAt,
		LastModified: deltas[len(deltas)-1].CreatedAt,
		TotalChanges: len(deltas),
	}

	// Fold the resource on its own so Current reflects the same semantics
	// as a full replay.
	s := state.New()
	for _, d := range deltas {
		trace.Lifecycle = append(trace.Lifecycle, LifecycleEntry{
			DeltaID:       d.ID,
			Seq:           d.Seq,
			Operation:     d.Operation,
			BeforeState:   d.BeforeState,
			AfterState:    d.AfterState,
			ChangedFields: d.ChangedFields,
			TriggeredBy:   d.TriggeredBy,
			IPAddress:     d.IPAddress,
			Timestamp:     d.CreatedAt,
		})
		if _, err := s.Apply(d, state.PolicyUpsert); err != nil {
			return Trace{}, false, fmt.Errorf("trace %s/%s: %w", userID, resourceID, err)
		}
	}

	trace.Deleted = deltas[len(deltas)-1].Operation == ir.OpDelete
	if rec, ok := s.Get(trace.ResourceType, resourceID); ok {
		trace.Current = rec
	}

	e.logger.Debug("trace complete",
		"user_id", userID,
		"resource_id", resourceID,
		"changes", trace.TotalChanges,
		"deleted", trace.Deleted,
	)
	return trace, true, nil
}
