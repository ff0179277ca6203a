package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/lineage"
	"github.com/roach88/provledger/internal/prov"
)

// HistoryOptions holds flags for the lineage query commands.
type HistoryOptions struct {
	*RootOptions
	Stream string
}

// HistoryResult is the JSON output of history.
type HistoryResult struct {
	Record  prov.RecordRef     `json:"record"`
	History []prov.LineageStep `json:"history"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <record-id>",
		Short: "Show which tasks and nodes processed a record",
		Long: `Print the processing history of an output record: its data block
and every task execution that consumed the block, with the node it ran on.

A declared record that was never grouped has an empty history. A record
the registry has never seen fails with UNKNOWN_RECORD.

Example:
  provledger history --stream ScienceCalibratedExposure 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "record stream kind (required)")
	_ = cmd.MarkFlagRequired("stream")

	return cmd
}

func runHistory(opts *HistoryOptions, recordID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	rec := prov.RecordRef{Stream: opts.Stream, ID: recordID}
	steps, err := lineage.New(s.store).HistoryOf(ctx, rec)
	if err != nil {
		return out.Fail("failed to query history", err)
	}

	if out.IsJSON() {
		return out.Success(HistoryResult{Record: rec, History: steps})
	}
	writeHistory(out.Writer, rec, steps)
	return nil
}

func writeHistory(w io.Writer, rec prov.RecordRef, steps []prov.LineageStep) {
	if len(steps) == 0 {
		fmt.Fprintf(w, "%s: no processing history\n", rec)
		return
	}
	fmt.Fprintf(w, "%s processing history:\n", rec)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tEXEC\tTASK\tNODE\tEXECUTED")
	for _, st := range steps {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", st.BlockID, st.TaskExecID, st.TaskName, st.NodeName, formatTime(st.ExecutedAt))
	}
	tw.Flush()
}

// ConfigVersionResult is the JSON output of config-version.
type ConfigVersionResult struct {
	Record  prov.RecordRef      `json:"record"`
	Task    string              `json:"task"`
	Found   bool                `json:"found"`
	Version *prov.ConfigVersion `json:"version,omitempty"`
}

// NewConfigVersionCommand creates the config-version command.
func NewConfigVersionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config-version <task> <record-id>...",
		Short: "Show the configuration a task ran with for records",
		Long: `For each record, find the execution of the task that processed the
record's block and print the task configuration that was valid when it
ran. Records the task never processed report no lineage.

Example:
  provledger config-version --stream ScienceCalibratedExposure "WCS Determination" 10 80`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigVersion(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "record stream kind (required)")
	_ = cmd.MarkFlagRequired("stream")

	return cmd
}

func runConfigVersion(opts *HistoryOptions, task string, recordIDs []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := configVersions(cmd, lineage.New(s.store), task, opts.Stream, recordIDs)
	if err != nil {
		return out.Fail("failed to query config version", err)
	}

	if out.IsJSON() {
		return out.Success(results)
	}
	writeConfigVersions(out.Writer, results)
	return nil
}

func configVersions(cmd *cobra.Command, q *lineage.Engine, task, stream string, recordIDs []string) ([]ConfigVersionResult, error) {
	ctx := commandContext(cmd)
	results := make([]ConfigVersionResult, 0, len(recordIDs))
	for _, id := range recordIDs {
		rec := prov.RecordRef{Stream: stream, ID: id}
		v, found, err := q.ConfigVersionForRecord(ctx, task, rec)
		if err != nil {
			return nil, err
		}
		r := ConfigVersionResult{Record: rec, Task: task, Found: found}
		if found {
			r.Version = &v
		}
		results = append(results, r)
	}
	return results, nil
}

func writeConfigVersions(w io.Writer, results []ConfigVersionResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORD\tTASK\tCONFIG\tVALID FROM")
	for _, r := range results {
		if !r.Found {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\n", r.Record.ID, r.Task)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Record.ID, r.Task, formatPayload(r.Version.Payload), formatTime(r.Version.Begin))
	}
	tw.Flush()
}

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <pipeline|task|node> <name>",
		Short: "List every configuration version of an entity",
		Long: `Print the configuration history of an entity, oldest first. Validity
intervals are half-open: a version is valid from its start up to, but
not including, its end. The current version has no end.

Example:
  provledger versions task "WCS Determination"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			kind, err := prov.ParseEntityKind(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity kind", err)
			}

			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			versions, err := s.reg.ConfigHistory(ctx, kind, args[1])
			if err != nil {
				return out.Fail("failed to list versions", err)
			}

			if out.IsJSON() {
				return out.Success(versions)
			}
			tw := tabwriter.NewWriter(out.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tFROM\tUNTIL\tCONFIG\tHASH")
			for _, v := range versions {
				until := "-"
				if v.End != nil {
					until = formatTime(*v.End)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.12s\n", v.ID, formatTime(v.Begin), until, formatPayload(v.Payload), v.PayloadHash)
			}
			return tw.Flush()
		},
	}
}
