package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/prov"
)

// BlockSummary describes one data block with its fan-out.
type BlockSummary struct {
	prov.DataBlock
	Members    int                  `json:"members"`
	Executions []prov.TaskExecution `json:"executions"`
}

// NewBlocksCommand creates the blocks command.
func NewBlocksCommand(rootOpts *RootOptions) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List the data blocks of a stream",
		Long: `Print every data block of a stream in opening order with its member
count, the epoch it opened under, and the task executions that consumed it.

Example:
  provledger blocks --stream ScienceCalibratedExposure`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			ctx := commandContext(cmd)

			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			blocks, err := s.store.Blocks(ctx, stream)
			if err != nil {
				return out.Fail("failed to list blocks", err)
			}
			summaries := make([]BlockSummary, 0, len(blocks))
			for _, b := range blocks {
				members, err := s.store.BlockMembers(ctx, b.ID)
				if err != nil {
					return out.Fail("failed to list block members", err)
				}
				execs, err := s.store.BlockExecutions(ctx, b.ID)
				if err != nil {
					return out.Fail("failed to list block executions", err)
				}
				summaries = append(summaries, BlockSummary{DataBlock: b, Members: len(members), Executions: execs})
			}

			if out.IsJSON() {
				return out.Success(summaries)
			}
			if len(summaries) == 0 {
				return out.Success(fmt.Sprintf("No blocks for stream %s", stream))
			}
			for _, b := range summaries {
				state := "open"
				if b.ClosedAt != nil {
					state = "closed " + formatTime(*b.ClosedAt)
				}
				bindings := make([]string, len(b.Executions))
				for i, e := range b.Executions {
					bindings[i] = e.TaskName + "@" + e.NodeName
				}
				fmt.Fprintf(out.Writer, "block %d: %d records, epoch %d, opened %s, %s\n",
					b.ID, b.Members, b.EpochAtOpen, formatTime(b.OpenedAt), state)
				fmt.Fprintf(out.Writer, "  %s\n", strings.Join(bindings, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "record stream kind (required)")
	_ = cmd.MarkFlagRequired("stream")

	return cmd
}
