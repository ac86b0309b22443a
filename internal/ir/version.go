package ir

// Version constants for the persisted formats.
const (
	// SnapshotFormatVersion is the version of the canonical state layout.
	SnapshotFormatVersion = "1"

	// EngineVersion is the rewind engine version.
	EngineVersion = "0.1.0"
)
