package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", i+1, event.Phase, event.Invoke, event.Case)
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains a step with the given
// invoke and, when specified, case.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Invoke == assertion.Invoke && (assertion.Case == "" || event.Case == assertion.Case) {
			return nil
		}
	}

	expected := assertion.Invoke
	if assertion.Case != "" {
		expected += " with case " + assertion.Case
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if invokes appear in the specified order.
// Steps don't need to be consecutive (intervening steps are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected invoke
	positions := make(map[string]int)
	for i, event := range trace {
		for _, expected := range assertion.Invokes {
			if event.Invoke == expected && positions[expected] == 0 {
				positions[expected] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, invoke := range assertion.Invokes {
		if positions[invoke] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all invokes present: %v", assertion.Invokes),
				Actual:   fmt.Sprintf("missing invoke: %s", invoke),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Invokes); i++ {
		prev := assertion.Invokes[i-1]
		curr := assertion.Invokes[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("invokes in order: %v", assertion.Invokes),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the invoke appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Invoke == assertion.Invoke {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Invoke),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks the user's live record against expected fields
// using subset semantics, or its absence.
func assertFinalState(ctx context.Context, st *store.Store, user string, assertion Assertion) error {
	live, err := st.ReadLiveState(ctx, user)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("live state for %s", user),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}

	ref := assertion.ResourceType + "/" + assertion.ResourceID
	rec, ok := live.State.Get(ir.ResourceType(assertion.ResourceType), assertion.ResourceID)

	if assertion.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s to be absent", ref),
				Actual:   fmt.Sprintf("%s = %v", ref, ir.ToAny(rec)),
			}
		}
		return nil
	}

	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("live record %s", ref),
			Actual:   "record not found",
		}
	}

	actual, _ := ir.ToAny(rec).(map[string]any)
	if mismatch := matchSubset(actual, assertion.Expect); mismatch != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s matches %v", ref, assertion.Expect),
			Actual:   mismatch,
		}
	}
	return nil
}

// matchSubset checks that actual contains every expected key with an equal
// value. Extra keys in actual are ignored. Returns "" on match, otherwise
// a description of the first mismatch in key order.
func matchSubset(actual, expected map[string]any) string {
	for _, key := range sortedKeys(expected) {
		got, exists := actual[key]
		if !exists {
			return fmt.Sprintf("field %q missing (have %v)", key, sortedKeys(actual))
		}
		if !valuesEqual(got, expected[key]) {
			return fmt.Sprintf("field %q = %v, want %v", key, got, expected[key])
		}
	}
	return ""
}

// valuesEqual compares two plain values after normalizing both through
// ir.FromAny, so YAML ints and Go ints (and nested lists) compare equal.
func valuesEqual(actual, expected any) bool {
	a, err := ir.FromAny(actual)
	if err != nil {
		return false
	}
	b, err := ir.FromAny(expected)
	if err != nil {
		return false
	}
	return ir.Equal(a, b)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	User  string
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, actx.User, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
