package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"golang.org/x/text/unicode/norm"
)

// TraceSnapshot captures the complete trace of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Marshal renders the snapshot as indented JSON with a trailing newline,
// following the same string rules as prov.MarshalCanonical: NFC strings
// and no HTML escaping. Field order is fixed by the struct definitions.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	out := TraceSnapshot{ScenarioName: norm.NFC.String(s.ScenarioName), Trace: make([]TraceEvent, len(s.Trace))}
	for i, e := range s.Trace {
		e.Record = norm.NFC.String(e.Record)
		e.Task = norm.NFC.String(e.Task)
		e.Revision = norm.NFC.String(e.Revision)
		if e.Bindings != nil {
			bindings := make([]string, len(e.Bindings))
			for j, b := range e.Bindings {
				bindings[j] = norm.NFC.String(b)
			}
			e.Bindings = bindings
		}
		out.Trace[i] = e
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
