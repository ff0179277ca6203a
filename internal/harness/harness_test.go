package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalScenario has two nodes and one task, grouping in blocks of two.
func minimalScenario(steps []Step, assertions ...Assertion) *Scenario {
	return &Scenario{
		Name:        "minimal",
		Description: "Minimal test scenario",
		Nodes:       []string{"N1", "N2"},
		Tasks:       []TaskEntry{{Name: "T", Revision: "v1"}},
		Grouping:    GroupingEntry{Stream: "Source", Tasks: []string{"T"}, BatchSize: 2},
		Steps:       steps,
		Assertions:  assertions,
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := minimalScenario(
		[]Step{{Admit: []string{"r1", "r2", "r3"}}},
		Assertion{Type: AssertBlockCount, Count: 2},
		Assertion{Type: AssertHistoryContains, Record: "r3", Task: "T", Node: "N1"},
	)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, 1, result.Trace[0].Seq)
	assert.True(t, result.Trace[0].Opened)
	assert.Equal(t, []string{"T@N1"}, result.Trace[0].Bindings)
	assert.True(t, result.Trace[1].Closed)
	assert.Nil(t, result.Trace[1].Bindings)
	assert.Equal(t, int64(2), result.Trace[2].Block)
	assert.Equal(t, "2021-10-01T00:00:24Z", result.Trace[2].At)
}

func TestRun_StartTimeAndIncrement(t *testing.T) {
	scenario := minimalScenario([]Step{
		{Admit: []string{"r1"}},
		{Advance: "1m"},
		{Admit: []string{"r2"}},
		{SetTime: "2022-01-01 00:00:00"},
	}, Assertion{Type: AssertTraceCount, Event: EventAdmit, Count: 2})
	scenario.StartTime = "2021-10-15 17:00:00"
	scenario.Grouping.Increment = "1s"

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 4)
	assert.Equal(t, "2021-10-15T17:00:00Z", result.Trace[0].At)
	assert.Equal(t, EventAdvance, result.Trace[1].Type)
	assert.Equal(t, "2021-10-15T17:01:01Z", result.Trace[1].At)
	assert.Equal(t, "2021-10-15T17:01:01Z", result.Trace[2].At)
	assert.Equal(t, EventSetTime, result.Trace[3].Type)
	assert.Equal(t, "2022-01-01T00:00:00Z", result.Trace[3].At)
}

func TestRun_ExpectedErrorRecorded(t *testing.T) {
	scenario := minimalScenario([]Step{
		{Admit: []string{"r1"}},
		{Admit: []string{"r1"}, ExpectError: "DUPLICATE_RECORD"},
	}, Assertion{Type: AssertBlockMembers, Block: 1, Count: 1})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 2)
	assert.Equal(t, "DUPLICATE_RECORD", result.Trace[1].Error)
	assert.Zero(t, result.Trace[1].Block)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := minimalScenario([]Step{
		{UpdateConfig: &UpdateConfigStep{Task: "Missing", Revision: "v2"}},
	}, Assertion{Type: AssertEpoch, Count: 0})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[0]: unexpected error")

	require.Len(t, result.Trace, 1)
	assert.Equal(t, "UNKNOWN_ENTITY", result.Trace[0].Error)
}

func TestRun_WrongErrorCodeFails(t *testing.T) {
	scenario := minimalScenario([]Step{
		{UpdateConfig: &UpdateConfigStep{Task: "Missing", Revision: "v2"}, ExpectError: "UNKNOWN_TASK"},
	}, Assertion{Type: AssertEpoch, Count: 0})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected error UNKNOWN_TASK, got UNKNOWN_ENTITY")
}

func TestRun_MissingExpectedError(t *testing.T) {
	scenario := minimalScenario([]Step{
		{Admit: []string{"r1"}, ExpectError: "DUPLICATE_RECORD"},
	}, Assertion{Type: AssertBlockCount, Count: 1})

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected error DUPLICATE_RECORD, got success")
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario := minimalScenario(
		[]Step{{Admit: []string{"r1"}}},
		Assertion{Type: AssertBlockCount, Count: 5},
	)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: block_count")
	assert.Contains(t, result.Errors[0], "Expected: 5 blocks in Source")
}

func TestRun_NoNodesForTask(t *testing.T) {
	// A single node goes to pool B, leaving T without a node.
	scenario := minimalScenario([]Step{
		{Admit: []string{"r1"}, ExpectError: "NO_NODES_AVAILABLE"},
	}, Assertion{Type: AssertBlockCount, Count: 0})
	scenario.Nodes = []string{"N1"}
	scenario.Tasks = append(scenario.Tasks, TaskEntry{Name: "U", Revision: "u1"})
	scenario.Grouping.Tasks = []string{"T", "U"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_SetupErrors(t *testing.T) {
	scenario := minimalScenario([]Step{{Admit: []string{"r1"}}}, Assertion{Type: AssertBlockCount, Count: 1})
	scenario.Nodes = []string{"N1", "N1"}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set up scenario")
}

func TestRun_TestdataScenarios(t *testing.T) {
	files := []string{
		"testdata/scenarios/epoch_rollover.yaml",
		"testdata/scenarios/duplicate_record.yaml",
		"testdata/scenarios/pipeline_manifest.yaml",
	}
	for _, f := range files {
		t.Run(f, func(t *testing.T) {
			scenario, err := LoadScenario(f)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}
