package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		path := path
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/diff_and_updates.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalTrace(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectationMismatch(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "Wrong expected balance",
		User:        "user-1",
		Setup: []SetupStep{
			{Action: ActionRecord, At: "2024-01-02", Type: "expense", ID: "exp-1", Op: "CREATE",
				After: map[string]any{"amount": 10}},
		},
		Flow: []FlowStep{
			{Invoke: InvokeBalance, At: "2024-01-03",
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"balance": "11"}}},
			{Invoke: InvokeTrace, Resource: "exp-1",
				Expect: &ExpectClause{Case: CaseNotFound}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `field "balance" = 10, want 11`)
	assert.Contains(t, result.Errors[1], `expected case "not_found", got "ok"`)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, "setup", result.Trace[0].Phase)
	assert.Equal(t, int64(3), result.Trace[2].Seq)
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "failed_assertion",
		Description: "final_state on a record that was never written",
		User:        "user-1",
		Flow: []FlowStep{
			{Invoke: InvokeReplay, At: "2024-01-03"},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, ResourceType: "expense", ResourceID: "exp-1",
				Expect: map[string]any{"amount": 1}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "record not found")
}

func TestRun_SetupRejectsInvalidRecord(t *testing.T) {
	scenario := &Scenario{
		Name:        "invalid_record",
		Description: "Schema rejects a non-numeric amount",
		User:        "user-1",
		Setup: []SetupStep{
			{Action: ActionRecord, At: "2024-01-02", Type: "expense", ID: "exp-1", Op: "CREATE",
				After: map[string]any{"amount": "lots"}},
		},
		Flow: []FlowStep{{Invoke: InvokeReplay, At: "2024-01-03"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute setup")
	assert.Contains(t, err.Error(), "expense/exp-1")
}

func TestRun_SetupRejectsDeltaBeforeSnapshot(t *testing.T) {
	scenario := &Scenario{
		Name:        "backdated",
		Description: "A delta may not land inside a snapshotted window",
		User:        "user-1",
		Setup: []SetupStep{
			{Action: ActionRecord, At: "2024-01-02", Type: "expense", ID: "exp-1", Op: "CREATE",
				After: map[string]any{"amount": 10}},
			{Action: ActionSnapshot, At: "2024-01-05"},
			{Action: ActionRecord, At: "2024-01-04", Type: "expense", ID: "exp-2", Op: "CREATE",
				After: map[string]any{"amount": 5}},
		},
		Flow: []FlowStep{{Invoke: InvokeReplay, At: "2024-01-06"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 2 (record)")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CaseError, classify(assert.AnError))
}
