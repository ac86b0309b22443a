package store

import "errors"

var (
	// ErrMissingCreate indicates a non-CREATE delta for a resource with no history.
	ErrMissingCreate = errors.New("resource has no CREATE delta")

	// ErrResourceDeleted indicates a delta for a resource whose history ends in DELETE.
	ErrResourceDeleted = errors.New("resource already deleted")

	// ErrTypeMismatch indicates a delta whose resource id already belongs to another type.
	ErrTypeMismatch = errors.New("resource id already used by another type")

	// ErrOutOfOrder indicates a delta older than the resource's latest delta.
	ErrOutOfOrder = errors.New("delta predates the resource's latest delta")

	// ErrBeforeSnapshot indicates a delta at or before the user's latest snapshot date.
	ErrBeforeSnapshot = errors.New("delta predates the latest snapshot")

	// ErrSnapshotNotFound indicates no snapshot exists with the requested id.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
