package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/registry"
)

const testManifest = `start_time: "2021-10-01 00:00:00"
pipelines:
  - name: P
    tasks:
      - name: T
        revision: v1
        params:
          x: "1"
      - name: U
        revision: u1
nodes:
  - name: N1
  - name: N2
  - name: N3
  - name: N4
`

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// initRegistry creates a database bootstrapped from testManifest and
// returns the --db flag pair for it.
func initRegistry(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(testManifest), 0644))

	db := []string{"--db", filepath.Join(dir, "prov.db")}
	out, err := runCLI(t, append(db, "init", manifestPath)...)
	require.NoError(t, err)
	assert.Equal(t, "Registered 1 pipelines (2 tasks) and 4 nodes; clock at 2021-10-01 00:00:00\n", out)
	return db
}

func with(db []string, args ...string) []string {
	return append(append([]string(nil), db...), args...)
}

func TestInit_RequiresExactlyOneSource(t *testing.T) {
	db := []string{"--db", filepath.Join(t.TempDir(), "prov.db")}

	_, err := runCLI(t, with(db, "init")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, with(db, "init", "--demo", "m.yaml")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInit_Twice(t *testing.T) {
	db := initRegistry(t)

	_, err := runCLI(t, with(db, "init", "--demo")...)
	require.NoError(t, err, "demo names do not collide with the test manifest")

	_, err = runCLI(t, with(db, "init", "--demo")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "DUPLICATE_ENTITY")
}

func TestInit_WithoutStartTimeIsReproducible(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	noStart := strings.TrimPrefix(testManifest, `start_time: "2021-10-01 00:00:00"`+"\n")
	require.NotEqual(t, testManifest, noStart)
	require.NoError(t, os.WriteFile(manifestPath, []byte(noStart), 0644))

	var begins []prov.ConfigVersion
	for _, name := range []string{"a.db", "b.db"} {
		db := []string{"--db", filepath.Join(dir, name)}
		out, err := runCLI(t, with(db, "init", manifestPath)...)
		require.NoError(t, err)
		assert.Equal(t, "Registered 1 pipelines (2 tasks) and 4 nodes; clock at 2021-10-01 00:00:00\n", out)

		out, err = runCLI(t, with(db, "--format", "json", "versions", "task", "T")...)
		require.NoError(t, err)
		var resp struct {
			Data []prov.ConfigVersion `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.Len(t, resp.Data, 1)
		begins = append(begins, resp.Data[0])
	}
	assert.True(t, begins[0].Begin.Equal(begins[1].Begin))
	assert.True(t, registry.DefaultStart.Equal(begins[0].Begin))
}

func TestAdmitUpdateAndQuery(t *testing.T) {
	db := initRegistry(t)

	out, err := runCLI(t, with(db, "admit", "--stream", "S", "--pipeline", "P", "--batch-size", "2", "r1", "r2", "r3")...)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"r1 -> block 1 at 2021-10-01 00:00:00 (opened with 2 executions)",
		"r2 -> block 1 at 2021-10-01 00:00:12 (block full)",
		"r3 -> block 2 at 2021-10-01 00:00:24 (opened with 2 executions)",
		"Admitted 3 records; clock at 2021-10-01 00:00:36",
		"",
	}, "\n"), out)

	out, err = runCLI(t, with(db, "update-config", "T", "--revision", "v2", "--param", "x=2")...)
	require.NoError(t, err)
	assert.Equal(t, "T: v2 {x=2} valid from 2021-10-01 00:00:36 (epoch 1)\n", out)

	out, err = runCLI(t, with(db, "epoch")...)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = runCLI(t, with(db, "admit", "--stream", "S", "--pipeline", "P", "--batch-size", "2", "r4")...)
	require.NoError(t, err)
	assert.Contains(t, out, "r4 -> block 3 at 2021-10-01 00:00:36 (closed block 2 on config change, opened with 2 executions)")

	out, err = runCLI(t, with(db, "history", "--stream", "S", "r3")...)
	require.NoError(t, err)
	assert.Contains(t, out, "S/r3 processing history:")
	assert.Regexp(t, `2\s+\d+\s+T\s+N2\s+2021-10-01 00:00:24`, out)
	assert.Regexp(t, `2\s+\d+\s+U\s+N4\s+2021-10-01 00:00:24`, out)

	out, err = runCLI(t, with(db, "config-version", "--stream", "S", "T", "r3", "r4")...)
	require.NoError(t, err)
	assert.Regexp(t, `r3\s+T\s+v1 \{x=1\}\s+2021-10-01 00:00:00`, out)
	assert.Regexp(t, `r4\s+T\s+v2 \{x=2\}\s+2021-10-01 00:00:36`, out)

	out, err = runCLI(t, with(db, "versions", "task", "T")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `2021-10-01 00:00:00\s+2021-10-01 00:00:36\s+v1 \{x=1\}`, lines[1])
	assert.Regexp(t, `2021-10-01 00:00:36\s+-\s+v2 \{x=2\}`, lines[2])

	out, err = runCLI(t, with(db, "--format", "json", "blocks", "--stream", "S")...)
	require.NoError(t, err)
	var blocks struct {
		Status string         `json:"status"`
		Data   []BlockSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &blocks))
	require.Len(t, blocks.Data, 3)
	assert.Equal(t, 2, blocks.Data[0].Members)
	assert.Equal(t, 1, blocks.Data[1].Members)
	assert.NotNil(t, blocks.Data[1].ClosedAt)
	assert.Nil(t, blocks.Data[2].ClosedAt)
	assert.EqualValues(t, 1, blocks.Data[2].EpochAtOpen)
	require.Len(t, blocks.Data[2].Executions, 2)
	assert.Equal(t, "N1", blocks.Data[2].Executions[0].NodeName)
}

func TestAdmit_Errors(t *testing.T) {
	db := initRegistry(t)

	_, err := runCLI(t, with(db, "admit", "--stream", "S", "--pipeline", "Nope", "r1")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "UNKNOWN_ENTITY")

	_, err = runCLI(t, with(db, "admit", "--stream", "S", "--pipeline", "P", "--range", "5:1")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, with(db, "admit", "--stream", "S", "--pipeline", "P", "r1")...)
	require.NoError(t, err)

	out, err := runCLI(t, with(db, "--format", "json", "admit", "--stream", "S", "--pipeline", "P", "r1")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "DUPLICATE_RECORD", resp.Error.Code)
}

func TestAdmit_JSON(t *testing.T) {
	db := initRegistry(t)

	out, err := runCLI(t, with(db, "--format", "json", "admit", "--stream", "S", "--pipeline", "P", "--range", "1:3", "--increment", "1m")...)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   AdmitSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Admitted, 3)
	assert.Equal(t, "3", resp.Data.Admitted[2].Record.ID)
	assert.Equal(t, "2021-10-01 00:03:00", resp.Data.Clock)
	assert.NotEmpty(t, resp.Data.Session)
}

func TestDeclareAndHistory(t *testing.T) {
	db := initRegistry(t)

	out, err := runCLI(t, with(db, "declare", "--stream", "S", "d1")...)
	require.NoError(t, err)
	assert.Equal(t, "S/d1 declared\n", out)

	out, err = runCLI(t, with(db, "declare", "--stream", "S", "d1")...)
	require.NoError(t, err)
	assert.Equal(t, "S/d1 already known\n", out)

	out, err = runCLI(t, with(db, "history", "--stream", "S", "d1")...)
	require.NoError(t, err)
	assert.Equal(t, "S/d1: no processing history\n", out)

	out, err = runCLI(t, with(db, "config-version", "--stream", "S", "T", "d1")...)
	require.NoError(t, err)
	assert.Regexp(t, `d1\s+T\s+-\s+-`, out)

	_, err = runCLI(t, with(db, "history", "--stream", "S", "zz")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "UNKNOWN_RECORD")
}

func TestUpdateConfig_Errors(t *testing.T) {
	db := initRegistry(t)

	_, err := runCLI(t, with(db, "update-config", "Missing", "--revision", "x")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "UNKNOWN_ENTITY")

	_, err = runCLI(t, with(db, "update-config", "T", "--revision", "x", "--param", "novalue")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, with(db, "update-config", "T")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, err = runCLI(t, with(db, "versions", "widget", "T")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestClock(t *testing.T) {
	db := initRegistry(t)

	out, err := runCLI(t, with(db, "clock", "show")...)
	require.NoError(t, err)
	assert.Equal(t, "2021-10-01 00:00:00\n", out)

	out, err = runCLI(t, with(db, "clock", "advance", "90s")...)
	require.NoError(t, err)
	assert.Equal(t, "2021-10-01 00:01:30\n", out)

	out, err = runCLI(t, with(db, "clock", "set", "2021-10-15T17:42:12Z")...)
	require.NoError(t, err)
	assert.Equal(t, "2021-10-15 17:42:12\n", out)

	out, err = runCLI(t, with(db, "--format", "json", "clock", "show")...)
	require.NoError(t, err)
	var resp struct {
		Data ClockResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "2021-10-15 17:42:12", resp.Data.Now)

	_, err = runCLI(t, with(db, "clock", "advance", "--", "-1s")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, with(db, "clock", "set", "tomorrow")...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDemo(t *testing.T) {
	db := []string{"--db", filepath.Join(t.TempDir(), "demo.db")}

	out, err := runCLI(t, with(db, "--format", "json", "demo")...)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   DemoResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 100, resp.Data.Admitted)
	assert.Equal(t, 10, resp.Data.Blocks)
	assert.EqualValues(t, 1, resp.Data.Epoch)

	require.Len(t, resp.Data.History.History, 6)
	for _, step := range resp.Data.History.History {
		assert.EqualValues(t, 1, step.BlockID)
	}
	assert.Equal(t, "Image Correction", resp.Data.History.History[0].TaskName)
	assert.Equal(t, "lsst-dbdev3", resp.Data.History.History[0].NodeName)
	assert.Equal(t, "lsst7", resp.Data.History.History[5].NodeName)

	revisions := map[string]string{}
	for _, r := range resp.Data.ConfigVersions {
		require.True(t, r.Found, "record %s", r.Record.ID)
		revisions[r.Record.ID] = r.Version.Payload.Revision
	}
	assert.Equal(t, map[string]string{
		"10":  "3e5567",
		"70":  "3e5567",
		"71":  "4355aa",
		"100": "4355aa",
	}, revisions)

	// The demo leaves a queryable database behind.
	out, err = runCLI(t, with(db, "history", "--stream", "ScienceCalibratedExposure", "75")...)
	require.NoError(t, err)
	assert.Contains(t, out, "WCS Determination")
}

func TestScenarioCommand(t *testing.T) {
	out, err := runCLI(t, "scenario", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ epoch_rollover")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestScenarioCommand_UpdateAndFail(t *testing.T) {
	dir := t.TempDir()
	scenariosDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))

	scenario := `name: tiny
description: one record
nodes: [N1]
tasks: [{name: T, revision: v1}]
grouping: {stream: S, tasks: [T]}
steps: [{admit: [r1]}]
assertions: [{type: block_count, count: 1}]
`
	require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, "tiny.yaml"), []byte(scenario), 0644))

	out, err := runCLI(t, "scenario", "--update", scenariosDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ tiny (golden updated)")
	assert.FileExists(t, filepath.Join(dir, "golden", "tiny.golden"))

	_, err = runCLI(t, "scenario", scenariosDir)
	require.NoError(t, err)

	failing := strings.Replace(scenario, "count: 1", "count: 2", 1)
	require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, "tiny.yaml"), []byte(failing), 0644))

	out, err = runCLI(t, "--format", "json", "scenario", scenariosDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
}

func TestRecordIDs(t *testing.T) {
	ids, err := recordIDs([]string{"a"}, "1:3", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "1", "2", "3"}, ids)

	ids, err = recordIDs(nil, "", strings.NewReader("x\n\n  y \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)

	_, err = recordIDs(nil, "3", nil)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"x=2.1", "y=", "z=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x": "2.1", "y": "", "z": "a=b"}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams([]string{"x=1", "x=2"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=1"})
	assert.Error(t, err)
}

type flakyUpdater struct {
	failures int
	err      error
	calls    int
}

func (f *flakyUpdater) UpdateConfig(_ context.Context, task string, p prov.Payload) (prov.ConfigVersion, prov.EpochID, error) {
	f.calls++
	if f.calls <= f.failures {
		return prov.ConfigVersion{}, 0, f.err
	}
	return prov.ConfigVersion{Payload: p}, prov.EpochID(f.calls), nil
}

func TestUpdateConfig_ReplaysAbortedTransaction(t *testing.T) {
	u := &flakyUpdater{failures: 2, err: prov.NewTransactionAborted(errors.New("database is locked"))}

	v, epoch, err := updateConfig(context.Background(), u, 3, "T", prov.Payload{Revision: "v2"})
	require.NoError(t, err)
	assert.Equal(t, 3, u.calls)
	assert.Equal(t, "v2", v.Payload.Revision)
	assert.EqualValues(t, 3, epoch)
}

func TestUpdateConfig_StopsAtAttemptLimit(t *testing.T) {
	u := &flakyUpdater{failures: 5, err: prov.NewTransactionAborted(errors.New("database is locked"))}

	_, _, err := updateConfig(context.Background(), u, 2, "T", prov.Payload{Revision: "v2"})
	assert.ErrorIs(t, err, prov.ErrTransactionAborted)
	assert.Equal(t, 2, u.calls)
}

func TestUpdateConfig_DoesNotReplayUnknownTask(t *testing.T) {
	u := &flakyUpdater{failures: 1, err: prov.NewUnknownEntity(prov.KindTask, "T")}

	_, _, err := updateConfig(context.Background(), u, 3, "T", prov.Payload{Revision: "v2"})
	assert.ErrorIs(t, err, prov.ErrUnknownEntity)
	assert.Equal(t, 1, u.calls)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://prov:xxxxx@db:5432/prov", redactDSN("postgres://prov:secret@db:5432/prov"))
	assert.Equal(t, "provledger.db", redactDSN("provledger.db"))
}
