package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/prov"
)

// UpdateConfigOptions holds flags for the update-config command.
type UpdateConfigOptions struct {
	*RootOptions
	Revision string
	Params   []string // k=v
}

// UpdateConfigResult is the JSON output of update-config.
type UpdateConfigResult struct {
	Task    string             `json:"task"`
	Version prov.ConfigVersion `json:"version"`
	Epoch   prov.EpochID       `json:"epoch"`
}

// NewUpdateConfigCommand creates the update-config command.
func NewUpdateConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateConfigOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update-config <task>",
		Short: "Replace a task configuration as of now",
		Long: `Close the task's current configuration at the current clock time,
open a new one with the given revision and parameters, and start a new
processing-history epoch. The stream's open data block closes on the
next admit.

The parameter set is replaced, not merged: pass every parameter.

Example:
  provledger update-config "WCS Determination" --revision 4355aa --param x=2.1 --param y=5.08 --param z=6.7`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdateConfig(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Revision, "revision", "", "source revision of the new configuration (required)")
	_ = cmd.MarkFlagRequired("revision")
	cmd.Flags().StringArrayVar(&opts.Params, "param", nil, "configuration parameter as key=value (repeatable)")

	return cmd
}

func runUpdateConfig(opts *UpdateConfigOptions, task string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	params, err := parseParams(opts.Params)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --param", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	v, epoch, err := updateConfig(ctx, s.reg, s.cfg.MaxRetries, task, prov.Payload{Revision: opts.Revision, Params: params})
	if err != nil {
		return out.Fail("failed to update config", err)
	}

	if out.IsJSON() {
		return out.Success(UpdateConfigResult{Task: task, Version: v, Epoch: epoch})
	}
	return out.Success(fmt.Sprintf("%s: %s valid from %s (epoch %d)",
		task, formatPayload(v.Payload), formatTime(v.Begin), epoch))
}

type configUpdater interface {
	UpdateConfig(ctx context.Context, taskName string, payload prov.Payload) (prov.ConfigVersion, prov.EpochID, error)
}

// updateConfig replays the whole update while it fails with a retryable
// error, up to attempts times.
func updateConfig(ctx context.Context, u configUpdater, attempts int, task string, payload prov.Payload) (prov.ConfigVersion, prov.EpochID, error) {
	var (
		v     prov.ConfigVersion
		epoch prov.EpochID
	)
	err := prov.Retry(ctx, attempts, func(ctx context.Context) error {
		var err error
		v, epoch, err = u.UpdateConfig(ctx, task, payload)
		return err
	})
	return v, epoch, err
}

// parseParams turns k=v pairs into a map. Keys must be unique.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q: want key=value", p)
		}
		if _, dup := params[k]; dup {
			return nil, fmt.Errorf("duplicate key %q", k)
		}
		params[k] = v
	}
	return params, nil
}

// NewEpochCommand creates the epoch command.
func NewEpochCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "epoch",
		Short: "Show the current processing-history epoch",
		Long: `Print the current processing-history epoch. It is 0 until the
first task configuration change and grows by one with every change.`,
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

			epoch, err := s.reg.CurrentEpoch(ctx)
			if err != nil {
				return out.Fail("failed to read epoch", err)
			}
			if out.IsJSON() {
				return out.Success(map[string]prov.EpochID{"epoch": epoch})
			}
			return out.Success(epoch)
		},
	}
}
