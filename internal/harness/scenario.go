package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
	"github.com/roach88/rewind/internal/state"
)

// Scenario defines a replay conformance scenario.
// Setup writes history through the real store and snapshot writer; the
// flow then queries the replay engine and checks what it reconstructs.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// User is the user every step acts on.
	User string `yaml:"user"`

	// UpdatePolicy overrides the replay update policy (ignore, upsert, strict).
	UpdatePolicy string `yaml:"update_policy,omitempty"`

	// Compression overrides the snapshot codec.
	Compression string `yaml:"compression,omitempty"`

	// Setup builds history: record, snapshot and corrupt steps.
	Setup []SetupStep `yaml:"setup"`

	// Flow contains the queries with their expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and live state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Setup actions.
const (
	ActionRecord   = "record"
	ActionSnapshot = "snapshot"
	ActionCorrupt  = "corrupt"
)

// SetupStep is one write against the store.
type SetupStep struct {
	// Action is record, snapshot or corrupt.
	Action string `yaml:"action"`

	// At is the delta created_at (record) or snapshot date (snapshot).
	At string `yaml:"at,omitempty"`

	// Type, ID, Op and After describe a recorded delta.
	Type  string         `yaml:"type,omitempty"`
	ID    string         `yaml:"id,omitempty"`
	Op    string         `yaml:"op,omitempty"`
	After map[string]any `yaml:"after,omitempty"`

	// Snapshot selects the nth snapshot written by this scenario (1-based)
	// for a corrupt step.
	Snapshot int `yaml:"snapshot,omitempty"`
}

// Flow queries.
const (
	InvokeReplay  = "replay"
	InvokeTrace   = "trace"
	InvokeBalance = "balance"
	InvokeDiff    = "diff"
)

// FlowStep queries the engine.
type FlowStep struct {
	// Invoke is replay, trace, balance or diff.
	Invoke string `yaml:"invoke"`

	// At is the target instant for replay and balance.
	At string `yaml:"at,omitempty"`

	// From and To bound a diff.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Resource is the resource id for trace.
	Resource string `yaml:"resource,omitempty"`

	// Expect specifies the expected outcome.
	// If nil, the step must succeed and nothing else is checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Outcome cases a flow step can end in.
const (
	CaseOK              = "ok"
	CaseNotFound        = "not_found"
	CaseIntegrityError  = "integrity_error"
	CaseDecodeError     = "decode_error"
	CaseTimeout         = "timeout"
	CaseUpdateOnMissing = "update_on_missing"
	CaseError           = "error"
)

// ExpectClause specifies expected step behavior.
type ExpectClause struct {
	// Case is the expected outcome (ok, not_found, integrity_error, ...).
	Case string `yaml:"case"`

	// Result contains expected result fields.
	// This is a subset match - only specified fields are validated.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final live state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a step with the given invoke and case appears
	// - "trace_order": invokes appear in order
	// - "trace_count": invoke appears exactly N times
	// - "final_state": a live record matches (or is absent)
	Type string `yaml:"type"`

	// Invoke is the step name (used by trace_contains and trace_count).
	Invoke string `yaml:"invoke,omitempty"`

	// Case is the expected outcome (used by trace_contains).
	Case string `yaml:"case,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Invokes is the expected order (used by trace_order).
	Invokes []string `yaml:"invokes,omitempty"`

	// ResourceType and ResourceID locate a live record (used by final_state).
	ResourceType string `yaml:"resource_type,omitempty"`
	ResourceID   string `yaml:"resource_id,omitempty"`

	// Absent asserts that the live record does not exist.
	Absent bool `yaml:"absent,omitempty"`

	// Expect contains expected record fields (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.User == "" {
		return fmt.Errorf("user is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if _, err := state.ParseUpdatePolicy(s.UpdatePolicy); err != nil {
		return fmt.Errorf("update_policy: %w", err)
	}
	if _, err := snapshot.NewCodec(s.Compression); err != nil {
		return fmt.Errorf("compression: %w", err)
	}

	snapshots := 0
	for i, step := range s.Setup {
		if err := validateSetupStep(step, snapshots); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Action == ActionSnapshot {
			snapshots++
		}
	}

	for i, step := range s.Flow {
		if err := validateFlowStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		assertion := assertion
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateSetupStep(step SetupStep, snapshotsSoFar int) error {
	switch step.Action {
	case ActionRecord:
		if _, err := parseInstant(step.At); err != nil {
			return err
		}
		if _, err := ir.ParseResourceType(step.Type); err != nil {
			return err
		}
		if step.ID == "" {
			return fmt.Errorf("id is required for record")
		}
		op, err := ir.ParseOperation(step.Op)
		if err != nil {
			return err
		}
		if op != ir.OpDelete && step.After == nil {
			return fmt.Errorf("after is required for %s", op)
		}
	case ActionSnapshot:
		if _, err := parseInstant(step.At); err != nil {
			return err
		}
	case ActionCorrupt:
		if step.Snapshot < 1 || step.Snapshot > snapshotsSoFar {
			return fmt.Errorf("corrupt: snapshot %d does not exist (have %d)", step.Snapshot, snapshotsSoFar)
		}
	case "":
		return fmt.Errorf("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

func validateFlowStep(step FlowStep) error {
	switch step.Invoke {
	case InvokeReplay, InvokeBalance:
		if _, err := parseInstant(step.At); err != nil {
			return err
		}
	case InvokeTrace:
		if step.Resource == "" {
			return fmt.Errorf("resource is required for trace")
		}
	case InvokeDiff:
		if _, err := parseInstant(step.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
		if _, err := parseInstant(step.To); err != nil {
			return fmt.Errorf("to: %w", err)
		}
	case "":
		return fmt.Errorf("invoke is required")
	default:
		return fmt.Errorf("unknown invoke %q", step.Invoke)
	}
	if step.Expect != nil && step.Expect.Case == "" {
		return fmt.Errorf("expect: case is required")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Invoke == "" {
			return fmt.Errorf("assertions[%d]: invoke is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Invokes) == 0 {
			return fmt.Errorf("assertions[%d]: invokes list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Invoke == "" {
			return fmt.Errorf("assertions[%d]: invoke is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if _, err := ir.ParseResourceType(a.ResourceType); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if a.ResourceID == "" {
			return fmt.Errorf("assertions[%d]: resource_id is required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseInstant accepts RFC 3339 timestamps and calendar dates (midnight UTC).
func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q (want RFC 3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
