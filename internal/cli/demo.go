package cli

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/grouping"
	"github.com/roach88/provledger/internal/lineage"
	"github.com/roach88/provledger/internal/manifest"
	"github.com/roach88/provledger/internal/prov"
)

// Demo scenario constants.
const (
	demoStream   = "ScienceCalibratedExposure"
	demoPipeline = "Data Release Pipeline"
	demoTask     = "WCS Determination"
)

// demoUpdateTime is when the demo's WCS Determination change lands.
var demoUpdateTime = time.Date(2021, 10, 15, 17, 42, 12, 0, time.UTC)

// demoUpdate is the WCS Determination configuration introduced mid-run.
var demoUpdate = prov.Payload{
	Revision: "4355aa",
	Params:   map[string]string{"x": "2.1", "y": "5.08", "z": "6.7"},
}

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Records     int
	UpdateAfter int
	Query       []string
}

// DemoResult is the JSON output of demo.
type DemoResult struct {
	Admitted       int                   `json:"admitted"`
	Blocks         int                   `json:"blocks"`
	Epoch          prov.EpochID          `json:"epoch"`
	History        HistoryResult         `json:"history"`
	ConfigVersions []ConfigVersionResult `json:"config_versions"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in provenance walkthrough",
		Long: `Bootstrap the demo registry (two pipelines, six nodes), admit
science calibrated exposures through the Data Release Pipeline in blocks
of ten, change the WCS Determination configuration part way through,
then show the processing history of one exposure and the WCS
Determination configuration used for several exposures.

The demo writes to the configured database, which must be empty.

Examples:
  provledger --db /tmp/demo.db demo
  provledger --db /tmp/demo.db demo --query 10 --query 75
  provledger --db /tmp/demo.db history --stream ScienceCalibratedExposure 42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Records, "records", 100, "number of exposures to admit")
	cmd.Flags().IntVar(&opts.UpdateAfter, "update-after", 70, "change WCS Determination after this many exposures")
	cmd.Flags().StringArrayVar(&opts.Query, "query", []string{"10", "70", "71", "100"}, "exposure ids to query")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	if opts.Records < 1 || opts.UpdateAfter < 0 || opts.UpdateAfter > opts.Records {
		return NewExitError(ExitCommandError, "--records must be positive and --update-after within 0..records")
	}
	if len(opts.Query) == 0 {
		return NewExitError(ExitCommandError, "at least one --query id is required")
	}

	m, err := manifest.Demo()
	if err != nil {
		return out.Fail("failed to load demo manifest", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := m.Apply(ctx, s.reg); err != nil {
		return out.Fail("failed to bootstrap demo registry", err)
	}
	out.VerboseLog("registered %d pipelines and %d nodes", len(m.Pipelines), len(m.Nodes))

	gcfg, err := grouping.ConfigFromStore(ctx, s.store, demoStream, demoPipeline)
	if err != nil {
		return out.Fail("failed to load pipeline", err)
	}
	gcfg.BatchSize = s.cfg.BatchSize
	gcfg.RecordIncrement = s.cfg.RecordIncrement
	eng, err := grouping.New(s.store, s.reg.Clock(), gcfg,
		grouping.WithLogger(slog.Default()),
		grouping.WithMaxRetries(s.cfg.MaxRetries))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid grouping configuration", err)
	}

	ids := make([]string, opts.Records)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
	}
	if _, err := eng.AdmitAll(ctx, ids[:opts.UpdateAfter]); err != nil {
		return out.Fail("failed to admit exposures", err)
	}
	if err := s.reg.SetTime(ctx, demoUpdateTime); err != nil {
		return out.Fail("failed to move clock", err)
	}
	if _, _, err := s.reg.UpdateConfig(ctx, demoTask, demoUpdate); err != nil {
		return out.Fail("failed to update "+demoTask, err)
	}
	out.VerboseLog("%s updated to %s at %s", demoTask, demoUpdate.Revision, formatTime(demoUpdateTime))
	if _, err := eng.AdmitAll(ctx, ids[opts.UpdateAfter:]); err != nil {
		return out.Fail("failed to admit exposures", err)
	}

	result := DemoResult{Admitted: opts.Records}
	blocks, err := s.store.Blocks(ctx, demoStream)
	if err != nil {
		return out.Fail("failed to list blocks", err)
	}
	result.Blocks = len(blocks)
	if result.Epoch, err = s.reg.CurrentEpoch(ctx); err != nil {
		return out.Fail("failed to read epoch", err)
	}

	q := lineage.New(s.store)
	rec := prov.RecordRef{Stream: demoStream, ID: opts.Query[0]}
	steps, err := q.HistoryOf(ctx, rec)
	if err != nil {
		return out.Fail("failed to query history", err)
	}
	result.History = HistoryResult{Record: rec, History: steps}
	if result.ConfigVersions, err = configVersions(cmd, q, demoTask, demoStream, opts.Query); err != nil {
		return out.Fail("failed to query config version", err)
	}

	if out.IsJSON() {
		return out.Success(result)
	}
	w := out.Writer
	fmt.Fprintf(w, "Admitted %d exposures into %d blocks; epoch %d\n\n", result.Admitted, result.Blocks, result.Epoch)
	writeHistory(w, rec, steps)
	fmt.Fprintln(w)
	writeConfigVersions(w, result.ConfigVersions)
	return nil
}
