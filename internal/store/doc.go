// Package store provides SQLite-backed durable storage for rewind.
//
// Three tables:
//   - deltas: the per-user append-only change log
//   - snapshots: immutable compressed state images
//   - resources: the live view of each user's current records
//
// # Invariants
//
// Append-only log
//   - deltas rows are never updated or deleted (enforced by triggers)
//   - snapshots rows are never updated; they are deleted only by PruneSnapshots
//
// Idempotent delivery
//   - UNIQUE(user_id, idempotency_key) absorbs duplicate appends
//
// Deterministic ordering
//   - delta reads ORDER BY created_at ASC, seq ASC
//   - created_at is stored in fixed-width UTC so text order is time order
//
// Resource lifecycle
//   - the first delta for a resource is CREATE
//   - nothing follows a DELETE
//   - a delta may not land at or before the user's latest snapshot date
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
