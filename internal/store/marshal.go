package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/rewind/internal/ir"
)

// marshalRecord converts a record image to canonical JSON TEXT.
// A nil record is stored as SQL NULL so absent images stay distinguishable
// from empty ones.
func marshalRecord(obj ir.Object) (sql.NullString, error) {
	if obj == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal record: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalRecord parses canonical JSON TEXT into a record image.
// Uses ir.Object.UnmarshalJSON, which keeps integers exact via json.Number.
func unmarshalRecord(data sql.NullString) (ir.Object, error) {
	if !data.Valid {
		return nil, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data.String), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return obj, nil
}

func marshalFields(fields []string) (string, error) {
	if fields == nil {
		fields = []string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal changed fields: %w", err)
	}
	return string(data), nil
}

func unmarshalFields(data string) ([]string, error) {
	fields := []string{}
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal changed fields: %w", err)
	}
	return fields, nil
}

// marshalMetadata encodes snapshot metadata. encoding/json sorts map keys,
// so the stored text is stable.
func marshalMetadata(meta ir.SnapshotMetadata) (string, error) {
	if meta.ResourceCounts == nil {
		meta.ResourceCounts = map[ir.ResourceType]int{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (ir.SnapshotMetadata, error) {
	var meta ir.SnapshotMetadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return ir.SnapshotMetadata{}, fmt.Errorf("unmarshal snapshot metadata: %w", err)
	}
	if meta.ResourceCounts == nil {
		meta.ResourceCounts = map[ir.ResourceType]int{}
	}
	return meta, nil
}
