package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes content to a scenario file in a temp dir.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
nodes: [N1, N2]
tasks:
  - name: T
    revision: v1
    params:
      x: "1"
grouping:
  stream: Source
  tasks: [T]
  batch_size: 3
  increment: 5s
steps:
  - admit: [r1, r2]
  - update_config:
      task: T
      revision: v2
assertions:
  - type: block_count
    count: 1
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{"N1", "N2"}, scenario.Nodes)
	require.Len(t, scenario.Tasks, 1)
	assert.Equal(t, "1", scenario.Tasks[0].Params["x"])
	assert.Equal(t, 3, scenario.Grouping.BatchSize)
	assert.Equal(t, "5s", scenario.Grouping.Increment)
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, []string{"r1", "r2"}, scenario.Steps[0].Admit)
	require.NotNil(t, scenario.Steps[1].UpdateConfig)
	assert.Equal(t, "v2", scenario.Steps[1].UpdateConfig.Revision)
	assert.Equal(t, filepath.Dir(path), scenario.BaseDir)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, validScenario+"\nassertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "name is required",
		},
		{
			name: "no nodes or manifest",
			content: `
name: n
description: d
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "either manifest or nodes is required",
		},
		{
			name: "manifest not found",
			content: `
name: n
description: d
manifest: missing.yaml
grouping: {stream: S, pipeline: P}
steps: [{admit: [r1]}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "manifest file not found",
		},
		{
			name: "pipeline and tasks",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, pipeline: P, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "exactly one of pipeline and tasks",
		},
		{
			name: "two actions in one step",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1], advance: 1s}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "exactly one action is required, got 2",
		},
		{
			name: "bad range",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{admit_range: {from: 5, to: 1}}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "admit_range.from must not exceed to",
		},
		{
			name: "bad set_time",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{set_time: yesterday}]
assertions: [{type: block_count, count: 1}]
`,
			wantErr: "set_time",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: final_state}]
`,
			wantErr: `unknown assertion type "final_state"`,
		},
		{
			name: "history_contains without task",
			content: `
name: n
description: d
nodes: [N1]
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: history_contains, record: r1}]
`,
			wantErr: "record and task are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			_, err := LoadScenario(f)
			require.NoError(t, err)
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2021, 10, 15, 17, 42, 12, 0, time.UTC)

	got, err := parseTime("2021-10-15 17:42:12")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = parseTime("2021-10-15T19:42:12+02:00")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseTime("15/10/2021")
	assert.Error(t, err)
}
