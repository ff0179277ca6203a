package cli

import (
	"time"

	"github.com/spf13/cobra"
)

// ClockResult is the JSON output of the clock commands.
type ClockResult struct {
	Now string `json:"now"`
}

// NewClockCommand creates the clock command and its subcommands.
func NewClockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Show or move the registry clock",
		Long: `The registry keeps its own clock. Every configuration version,
block and task execution is stamped with it, and it is persisted in the
database so consecutive commands continue from the same instant.

Examples:
  provledger clock show
  provledger clock set "2021-10-15 17:42:12"
  provledger clock advance 90s`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the current clock time",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClock(rootOpts, cmd, nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "set <time>",
		Short:         "Move the clock to an instant (RFC 3339 or \"2006-01-02 15:04:05\" UTC)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseTime(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid time", err)
			}
			return runClock(rootOpts, cmd, func(s *session) error {
				return s.reg.SetTime(commandContext(cmd), t)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "advance <duration>",
		Short:         "Move the clock forward, e.g. 12s or 1h30m",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid duration", err)
			}
			if d < 0 {
				return NewExitError(ExitCommandError, "duration must not be negative")
			}
			return runClock(rootOpts, cmd, func(s *session) error {
				_, err := s.reg.Advance(commandContext(cmd), d)
				return err
			})
		},
	})

	return cmd
}

// runClock applies move, if any, and prints the resulting time.
func runClock(opts *RootOptions, cmd *cobra.Command, move func(*session) error) error {
	out := newFormatter(cmd, opts)

	s, err := openSession(commandContext(cmd), opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if move != nil {
		if err := move(s); err != nil {
			return out.Fail("failed to move clock", err)
		}
	}

	now := formatTime(s.reg.Now())
	if out.IsJSON() {
		return out.Success(ClockResult{Now: now})
	}
	return out.Success(now)
}
