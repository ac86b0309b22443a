// Package harness runs replay conformance scenarios.
//
// A scenario builds a user's history through the real SQLite store and
// snapshot writer, then queries the replay engine and checks what it
// reconstructs.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: snapshot_plus_tail
//	description: "What this scenario validates"
//	user: user-1
//	update_policy: ignore   # optional: ignore, upsert, strict
//	compression: zstd       # optional: zstd, snappy
//	setup:
//	  - action: record
//	    at: "2023-12-31T09:00:00Z"
//	    type: expense
//	    id: exp-1
//	    op: CREATE
//	    after: { amount: 400, status: completed }
//	  - action: snapshot
//	    at: "2024-01-01"
//	  - action: corrupt
//	    snapshot: 1
//	flow:
//	  - invoke: replay
//	    at: "2024-01-04"
//	    expect:
//	      case: ok
//	      result: { balance: "1150" }
//	  - invoke: trace
//	    resource: exp-3
//	assertions:
//	  - type: final_state
//	    resource_type: expense
//	    resource_id: exp-1
//	    expect: { amount: 400 }
//
// # Steps
//
// Setup actions: record (validated against the resource schema, then
// appended and applied to the live view), snapshot (snapshot date is the
// given instant), corrupt (flips a byte of the nth snapshot blob on read).
//
// Flow invokes: replay, balance, trace and diff. Each ends in a case:
// ok, not_found, integrity_error, decode_error, timeout, update_on_missing
// or error. A step without expect must end in ok.
//
// # Assertion Types
//
//   - trace_contains: a step with the given invoke (and case) ran
//   - trace_order: invokes ran in the given order
//   - trace_count: an invoke ran exactly N times
//   - final_state: a live record matches expected fields, or is absent
//
// # Deterministic Testing
//
// Delta and snapshot ids come from testutil.SequentialIDs and snapshot
// creation times from testutil.DeterministicClock, so the same scenario
// produces a byte-identical trace on every run. RunWithGolden compares it
// against testdata/golden/{name}.golden.
package harness
