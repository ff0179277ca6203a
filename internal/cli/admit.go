package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/grouping"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// AdmitOptions holds flags for the admit command.
type AdmitOptions struct {
	*RootOptions
	Stream    string
	Pipeline  string
	Range     string        // "a:b", inclusive decimal ids
	BatchSize int           // 0 means configured default
	Increment time.Duration // 0 means configured default
}

// AdmitSummary is the JSON output of admit.
type AdmitSummary struct {
	Session  string                 `json:"session"`
	Admitted []grouping.AdmitResult `json:"admitted"`
	Clock    string                 `json:"clock"`
}

// NewAdmitCommand creates the admit command.
func NewAdmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "admit [record-id...]",
		Short: "Group output records into data blocks",
		Long: `Admit output records of a stream, in order.

Each record joins the stream's open data block. A block opens with one
task execution per pipeline task, on the next node of the task's pool,
and closes after --batch-size records or as soon as any task
configuration has changed since it opened. The clock advances by
--increment per record.

Record ids come from the arguments, from --range, or one per line on
stdin.

Examples:
  provledger admit --stream ScienceCalibratedExposure --pipeline "Data Release Pipeline" 1 2 3
  provledger admit --stream ScienceCalibratedExposure --pipeline "Data Release Pipeline" --range 1:100
  seq 1 100 | provledger admit --stream Source --pipeline P`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdmit(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "record stream kind (required)")
	_ = cmd.MarkFlagRequired("stream")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "pipeline whose tasks process each block (required)")
	_ = cmd.MarkFlagRequired("pipeline")
	cmd.Flags().StringVar(&opts.Range, "range", "", "admit decimal ids a..b inclusive, as a:b")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "records per block (default $PROVLEDGER_BATCH_SIZE or 10)")
	cmd.Flags().DurationVar(&opts.Increment, "increment", 0, "clock advance per record (default $PROVLEDGER_RECORD_INCREMENT or 12s)")

	return cmd
}

func runAdmit(opts *AdmitOptions, args []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	ids, err := recordIDs(args, opts.Range, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid record ids", err)
	}
	if len(ids) == 0 {
		return NewExitError(ExitCommandError, "no record ids given")
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	gcfg, err := grouping.ConfigFromStore(ctx, s.store, opts.Stream, opts.Pipeline)
	if err != nil {
		return out.Fail("failed to load pipeline", err)
	}
	if len(gcfg.TasksA)+len(gcfg.TasksB) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("pipeline %q has no tasks", opts.Pipeline))
	}
	gcfg.BatchSize = s.cfg.BatchSize
	if opts.BatchSize > 0 {
		gcfg.BatchSize = opts.BatchSize
	}
	gcfg.RecordIncrement = s.cfg.RecordIncrement
	if opts.Increment > 0 {
		gcfg.RecordIncrement = opts.Increment
	}

	eng, err := grouping.New(s.store, s.reg.Clock(), gcfg,
		grouping.WithLogger(slog.Default()),
		grouping.WithMaxRetries(s.cfg.MaxRetries))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid grouping configuration", err)
	}

	results, err := eng.AdmitAll(ctx, ids)
	if !out.IsJSON() {
		printAdmitted(out, results)
	}
	if err != nil {
		return out.Fail(fmt.Sprintf("admitted %d of %d records", len(results), len(ids)), err)
	}

	if out.IsJSON() {
		return out.Success(AdmitSummary{
			Session:  eng.Session(),
			Admitted: results,
			Clock:    formatTime(s.reg.Now()),
		})
	}
	return out.Success(fmt.Sprintf("Admitted %d records; clock at %s", len(results), formatTime(s.reg.Now())))
}

func printAdmitted(out *OutputFormatter, results []grouping.AdmitResult) {
	for _, r := range results {
		var notes []string
		if r.RolledOver != 0 {
			notes = append(notes, fmt.Sprintf("closed block %d on config change", r.RolledOver))
		}
		if r.Opened {
			notes = append(notes, fmt.Sprintf("opened with %d executions", len(r.Executions)))
		}
		if r.Closed {
			notes = append(notes, "block full")
		}
		line := fmt.Sprintf("%s -> block %d at %s", r.Record.ID, r.BlockID, formatTime(r.At))
		if len(notes) > 0 {
			line += " (" + strings.Join(notes, ", ") + ")"
		}
		if out.Verbose || r.Opened || r.Closed || r.RolledOver != 0 {
			fmt.Fprintln(out.Writer, line)
		}
	}
}

// recordIDs collects ids from args, then the range, else stdin lines.
func recordIDs(args []string, rng string, stdin io.Reader) ([]string, error) {
	ids := append([]string(nil), args...)
	if rng != "" {
		from, to, err := parseRange(rng)
		if err != nil {
			return nil, err
		}
		for i := from; i <= to; i++ {
			ids = append(ids, strconv.Itoa(i))
		}
	}
	if len(ids) > 0 || stdin == nil {
		return ids, nil
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids = append(ids, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return ids, nil
}

// parseRange parses "a:b" with a <= b.
func parseRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("range %q: want a:b", s)
	}
	from, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: %w", s, err)
	}
	to, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: %w", s, err)
	}
	if from > to {
		return 0, 0, fmt.Errorf("range %q: start after end", s)
	}
	return from, to, nil
}

// DeclareOptions holds flags for the declare command.
type DeclareOptions struct {
	*RootOptions
	Stream string
}

// DeclareResult reports one declared record.
type DeclareResult struct {
	Record string `json:"record"`
	New    bool   `json:"new"`
}

// NewDeclareCommand creates the declare command.
func NewDeclareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeclareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "declare record-id...",
		Short: "Make records known without grouping them",
		Long: `Declare output records that exist but were not produced by a
grouped run. Their history is empty rather than unknown. Declaring a
known record again is a no-op.

Example:
  provledger declare --stream Source 17 18`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeclare(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Stream, "stream", "", "record stream kind (required)")
	_ = cmd.MarkFlagRequired("stream")

	return cmd
}

func runDeclare(opts *DeclareOptions, args []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	at := s.reg.Now()
	var results []DeclareResult
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		results = results[:0]
		for _, id := range args {
			created, err := tx.DeclareRecord(ctx, prov.RecordRef{Stream: opts.Stream, ID: id}, at)
			if err != nil {
				return err
			}
			results = append(results, DeclareResult{Record: id, New: created})
		}
		return nil
	})
	if err != nil {
		return out.Fail("failed to declare records", err)
	}

	if out.IsJSON() {
		return out.Success(results)
	}
	for _, r := range results {
		state := "declared"
		if !r.New {
			state = "already known"
		}
		fmt.Fprintf(out.Writer, "%s/%s %s\n", opts.Stream, r.Record, state)
	}
	return nil
}
