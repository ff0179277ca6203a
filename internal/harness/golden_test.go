package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_EpochRollover(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/epoch_rollover.yaml")
	require.NoError(t, err)

	require.NoError(t, RunWithGolden(t, scenario))
}

func TestAssertGolden_ReusesResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/epoch_rollover.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.NoError(t, AssertGolden(t, "epoch_rollover", result))
}

func TestTraceSnapshot_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/epoch_rollover.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := TraceSnapshot{ScenarioName: scenario.Name, Trace: first.Trace}.Marshal()
	require.NoError(t, err)
	b, err := TraceSnapshot{ScenarioName: scenario.Name, Trace: second.Trace}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, byte('\n'), a[len(a)-1])
}

func TestTraceSnapshot_CanonicalStrings(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "calib",
		Trace: []TraceEvent{{
			Seq:      1,
			Type:     EventAdmit,
			Record:   "a&b<1>",
			Bindings: []string{"Cafe\u0301@N1"},
		}},
	}

	data, err := snap.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"record": "a&b<1>"`)
	assert.Contains(t, string(data), "\"Caf\u00e9@N1\"")
	assert.Equal(t, "Cafe\u0301@N1", snap.Trace[0].Bindings[0], "input is not modified")
	assert.Equal(t, byte('\n'), data[len(data)-1])
}
