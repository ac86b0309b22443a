package ir

import (
	"fmt"
	"time"
)

// ResourceType names a tracked collection of a user's financial state.
type ResourceType string

const (
	ResourceExpense  ResourceType = "expense"
	ResourceCategory ResourceType = "category"
	ResourceGoal     ResourceType = "goal"
	ResourceBudget   ResourceType = "budget"
	ResourceVault    ResourceType = "vault"
	ResourceBill     ResourceType = "bill"
)

// TrackedResourceTypes lists every resource type the engine reconstructs,
// in the order snapshots and reports present them.
var TrackedResourceTypes = []ResourceType{
	ResourceExpense,
	ResourceCategory,
	ResourceGoal,
	ResourceBudget,
	ResourceVault,
	ResourceBill,
}

// Valid reports whether t is a tracked resource type.
func (t ResourceType) Valid() bool {
	for _, known := range TrackedResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseResourceType converts a string to a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	t := ResourceType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown resource type %q", s)
	}
	return t, nil
}

// Operation is the kind of mutation a delta records.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation converts a string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q (want CREATE, UPDATE or DELETE)", s)
}

// StateDelta is one immutable entry of a user's append-only change log.
//
// Seq is the log offset assigned by the store on append. It is the stable
// secondary ordering key when CreatedAt values coincide.
// BeforeState and AfterState are nil when the operation has no such image
// (CREATE has no before, DELETE has no after).
type StateDelta struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	UserID         string       `json:"user_id"`
	ResourceType   ResourceType `json:"resource_type"`
	ResourceID     string       `json:"resource_id"`
	Operation      Operation    `json:"operation"`
	BeforeState    Object       `json:"before_state"`
	AfterState     Object       `json:"after_state"`
	ChangedFields  []string     `json:"changed_fields"`
	TriggeredBy    string       `json:"triggered_by,omitempty"`
	IPAddress      string       `json:"ip_address,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// Validate checks the shape of a delta before it is appended.
func (d StateDelta) Validate() error {
	if d.UserID == "" {
		return fmt.Errorf("delta: user_id is required")
	}
	if d.ResourceID == "" {
		return fmt.Errorf("delta: resource_id is required")
	}
	if !d.ResourceType.Valid() {
		return fmt.Errorf("delta: unknown resource type %q", d.ResourceType)
	}
	if _, err := ParseOperation(string(d.Operation)); err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("delta: created_at is required")
	}
	if d.Operation != OpDelete && d.AfterState == nil {
		return fmt.Errorf("delta: %s requires after_state", d.Operation)
	}
	// Ids become state keys in snapshots, which are NFC on the wire.
	if err := CheckText(d.UserID); err != nil {
		return fmt.Errorf("delta: user_id %w", err)
	}
	if err := CheckText(d.ResourceID); err != nil {
		return fmt.Errorf("delta: resource_id %w", err)
	}
	if err := CheckKeys(d.AfterState); err != nil {
		return fmt.Errorf("delta: after_state: %w", err)
	}
	if err := CheckKeys(d.BeforeState); err != nil {
		return fmt.Errorf("delta: before_state: %w", err)
	}
	return nil
}

// Less orders deltas by (CreatedAt, Seq).
func (d StateDelta) Less(other StateDelta) bool {
	if !d.CreatedAt.Equal(other.CreatedAt) {
		return d.CreatedAt.Before(other.CreatedAt)
	}
	return d.Seq < other.Seq
}

// Snapshot is an immutable, compressed and checksummed full state image.
//
// Checksum covers the canonical uncompressed bytes, never CompressedState,
// so verification is independent of the compression codec.
type Snapshot struct {
	ID               string           `json:"id"`
	Seq              int64            `json:"seq"`
	UserID           string           `json:"user_id"`
	SnapshotDate     time.Time        `json:"snapshot_date"`
	CreatedAt        time.Time        `json:"created_at"`
	Compression      string           `json:"compression"`
	CompressedState  []byte           `json:"-"`
	Checksum         string           `json:"checksum"`
	TransactionCount int              `json:"transaction_count"`
	Metadata         SnapshotMetadata `json:"metadata"`
}

// SnapshotMetadata records sizes and counts captured at encode time.
type SnapshotMetadata struct {
	UncompressedSize int                  `json:"uncompressed_size"`
	CompressedSize   int                  `json:"compressed_size"`
	ResourceCounts   map[ResourceType]int `json:"resource_counts"`
	// DeltaHighWater is the highest delta seq visible when the snapshot was taken.
	DeltaHighWater int64 `json:"delta_high_water"`
}

// TimeLayout is the fixed-width UTC layout used for persisted timestamps.
// Fixed width keeps lexical and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout after converting to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseRecordDate parses a date held inside a record: an RFC 3339
// timestamp or a calendar date, which means midnight UTC on that day.
func ParseRecordDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
