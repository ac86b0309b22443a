// Package replay reconstructs a user's tracked state at any past instant.
//
// A replay picks the newest verified snapshot at or before the target,
// then folds the ordered delta tail on top of it. Cost is proportional to
// the tail, not to the full history; that is what snapshots are for.
//
// Built on the same fold:
//   - TraceTransaction: one resource's lifecycle, straight from the log
//   - CalculateBalanceAtDate / SpendByCategoryAtDate: point-in-time aggregates
//   - DiffBetween: what changed between two instants
//
// Failure semantics:
//   - IntegrityError and DecodeError are fatal; no state is returned
//   - a missing snapshot is a MISSING_BASE_STATE warning, not an error
//   - deadline expiry is a TimeoutError, never a truncated state
//   - storage errors are wrapped and returned; retries belong to the caller
//
// The Engine holds no mutable state and takes its storage as interfaces,
// so tests run it against in-memory fakes.
package replay
