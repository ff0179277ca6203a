package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/manifest"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Demo bool // apply the embedded demo manifest
}

// InitResult summarises an applied manifest.
type InitResult struct {
	Pipelines int    `json:"pipelines"`
	Tasks     int    `json:"tasks"`
	Nodes     int    `json:"nodes"`
	Clock     string `json:"clock"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [manifest.cue|manifest.yaml]",
		Short: "Register pipelines and nodes from a manifest",
		Long: `Apply a bootstrap manifest to the registry.

All pipelines, their tasks and all nodes are registered in one
transaction, valid from the manifest's start time, and the clock is
moved to that time. A manifest can be applied once: re-registering an
existing name fails with DUPLICATE_ENTITY and nothing is written.

Examples:
  provledger init ./manifest.cue
  provledger --db ./prov.db init ./manifest.yaml
  provledger init --demo`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "apply the built-in demo manifest")

	return cmd
}

func runInit(opts *InitOptions, args []string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case opts.Demo && len(args) == 0:
		m, err = manifest.Demo()
	case !opts.Demo && len(args) == 1:
		m, err = manifest.Load(args[0])
	default:
		return NewExitError(ExitCommandError, "exactly one of a manifest path and --demo is required")
	}
	if err != nil {
		return out.Fail("failed to load manifest", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := m.Apply(ctx, s.reg); err != nil {
		return out.Fail("failed to apply manifest", err)
	}

	result := InitResult{
		Pipelines: len(m.Pipelines),
		Nodes:     len(m.Nodes),
		Clock:     formatTime(s.reg.Now()),
	}
	for _, p := range m.Pipelines {
		result.Tasks += len(p.Tasks)
	}

	if out.IsJSON() {
		return out.Success(result)
	}
	return out.Success(fmt.Sprintf("Registered %d pipelines (%d tasks) and %d nodes; clock at %s",
		result.Pipelines, result.Tasks, result.Nodes, result.Clock))
}
