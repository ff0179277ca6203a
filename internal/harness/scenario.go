package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provledger/internal/prov"
)

// Scenario defines one end-to-end provenance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Manifest is an optional bootstrap manifest path, relative to the
	// scenario file. It is applied before Nodes and Tasks.
	Manifest string `yaml:"manifest,omitempty"`

	// StartTime positions the clock when no manifest sets it.
	// Default: 2021-10-01T00:00:00Z.
	StartTime string `yaml:"start_time,omitempty"`

	// Nodes are registered in order, after the manifest.
	Nodes []string `yaml:"nodes,omitempty"`

	// Tasks are registered standalone, after the manifest.
	Tasks []TaskEntry `yaml:"tasks,omitempty"`

	// Grouping selects the stream and the task list bound to each block.
	Grouping GroupingEntry `yaml:"grouping"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`

	// BaseDir resolves Manifest. Set by LoadScenario.
	BaseDir string `yaml:"-"`
}

// TaskEntry registers one task.
type TaskEntry struct {
	Name     string            `yaml:"name"`
	Revision string            `yaml:"revision"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// GroupingEntry configures the grouping engine. Exactly one of Pipeline
// and Tasks must be set.
type GroupingEntry struct {
	Stream    string   `yaml:"stream"`
	Pipeline  string   `yaml:"pipeline,omitempty"`
	Tasks     []string `yaml:"tasks,omitempty"`
	BatchSize int      `yaml:"batch_size,omitempty"`
	Increment string   `yaml:"increment,omitempty"`
}

// Step is one scenario action. Exactly one action field must be set.
type Step struct {
	Admit        []string          `yaml:"admit,omitempty"`
	AdmitRange   *RangeEntry       `yaml:"admit_range,omitempty"`
	Declare      []string          `yaml:"declare,omitempty"`
	UpdateConfig *UpdateConfigStep `yaml:"update_config,omitempty"`
	SetTime      string            `yaml:"set_time,omitempty"`
	Advance      string            `yaml:"advance,omitempty"`

	// ExpectError is the error code the step must fail with, e.g.
	// DUPLICATE_RECORD. Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// RangeEntry admits the decimal record ids From..To inclusive.
type RangeEntry struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// UpdateConfigStep replaces a task configuration.
type UpdateConfigStep struct {
	Task     string            `yaml:"task"`
	Revision string            `yaml:"revision"`
	Params   map[string]string `yaml:"params,omitempty"`
}

// Assertion validates the final lineage graph.
type Assertion struct {
	// Type specifies the assertion type:
	// - "history_contains": record's history has an execution of Task (on Node, if set)
	// - "history_empty": record is known but has no history
	// - "config_revision": Task ran with Revision for record ("" means no lineage)
	// - "block_count": stream has Count blocks
	// - "block_members": the Block-th block (1-based) has Count members
	// - "epoch": current epoch equals Count
	// - "trace_count": trace has Count events of Event type
	Type string `yaml:"type"`

	Record   string `yaml:"record,omitempty"`
	Task     string `yaml:"task,omitempty"`
	Node     string `yaml:"node,omitempty"`
	Revision string `yaml:"revision,omitempty"`
	Block    int    `yaml:"block,omitempty"`
	Event    string `yaml:"event,omitempty"`
	Count    int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertHistoryContains = "history_contains"
	AssertHistoryEmpty    = "history_empty"
	AssertConfigRevision  = "config_revision"
	AssertBlockCount      = "block_count"
	AssertBlockMembers    = "block_members"
	AssertEpoch           = "epoch"
	AssertTraceCount      = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.BaseDir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// manifestPath resolves the manifest relative to BaseDir.
func (s *Scenario) manifestPath() string {
	if s.Manifest == "" || filepath.IsAbs(s.Manifest) {
		return s.Manifest
	}
	return filepath.Join(s.BaseDir, s.Manifest)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Manifest == "" && len(s.Nodes) == 0 {
		return fmt.Errorf("either manifest or nodes is required")
	}
	if s.Manifest != "" {
		if _, err := os.Stat(s.manifestPath()); os.IsNotExist(err) {
			return fmt.Errorf("manifest file not found: %s", s.manifestPath())
		}
	}
	if s.StartTime != "" {
		if _, err := parseTime(s.StartTime); err != nil {
			return fmt.Errorf("start_time: %w", err)
		}
	}
	for i, t := range s.Tasks {
		if t.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
	}

	g := s.Grouping
	if g.Stream == "" {
		return fmt.Errorf("grouping.stream is required")
	}
	if (g.Pipeline == "") == (len(g.Tasks) == 0) {
		return fmt.Errorf("grouping: exactly one of pipeline and tasks is required")
	}
	if g.BatchSize < 0 {
		return fmt.Errorf("grouping.batch_size must be non-negative")
	}
	if g.Increment != "" {
		if _, err := time.ParseDuration(g.Increment); err != nil {
			return fmt.Errorf("grouping.increment: %w", err)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep checks that a step names exactly one action.
func validateStep(index int, st *Step) error {
	actions := 0
	if len(st.Admit) > 0 {
		actions++
	}
	if st.AdmitRange != nil {
		actions++
		if st.AdmitRange.From > st.AdmitRange.To {
			return fmt.Errorf("steps[%d]: admit_range.from must not exceed to", index)
		}
	}
	if len(st.Declare) > 0 {
		actions++
	}
	if st.UpdateConfig != nil {
		actions++
		if st.UpdateConfig.Task == "" {
			return fmt.Errorf("steps[%d]: update_config.task is required", index)
		}
	}
	if st.SetTime != "" {
		actions++
		if _, err := parseTime(st.SetTime); err != nil {
			return fmt.Errorf("steps[%d]: set_time: %w", index, err)
		}
	}
	if st.Advance != "" {
		actions++
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
	}
	if actions != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, actions)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertHistoryContains:
		if a.Record == "" || a.Task == "" {
			return fmt.Errorf("assertions[%d]: record and task are required for history_contains", index)
		}
	case AssertHistoryEmpty:
		if a.Record == "" {
			return fmt.Errorf("assertions[%d]: record is required for history_empty", index)
		}
	case AssertConfigRevision:
		if a.Record == "" || a.Task == "" {
			return fmt.Errorf("assertions[%d]: record and task are required for config_revision", index)
		}
	case AssertBlockCount, AssertEpoch:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertBlockMembers:
		if a.Block < 1 {
			return fmt.Errorf("assertions[%d]: block must be >= 1 for block_members", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// parseTime accepts "2006-01-02 15:04:05" or RFC 3339, as UTC.
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

// errorCode is the code reported for a step error in the trace.
func errorCode(err error) string {
	if code := prov.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}
