package cli

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provledger/internal/config"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/registry"
	"github.com/roach88/provledger/internal/store"
)

// session is one command's view of the registry database.
type session struct {
	cfg   config.Config
	store *store.Store
	reg   *registry.Registry
}

// resolveConfig reads the environment and applies the global flags.
func resolveConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.DSN = opts.Database
	}
	if opts.Driver != "" {
		cfg.Driver = opts.Driver
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openSession opens the configured store and resumes the persisted clock.
// A database that has never been initialised starts its clock at
// registry.DefaultStart.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	slog.Debug("opening database", "driver", cfg.Driver, "dsn", redactDSN(cfg.DSN))
	st, err := store.OpenWithOptions(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg, err := registry.Load(ctx, st, registry.DefaultStart, registry.WithLogger(slog.Default()))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load registry", err)
	}
	return &session{cfg: cfg, store: st, reg: reg}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		userinfo = userinfo[:colon] + ":xxxxx"
	}
	return dsn[:scheme+3] + userinfo + dsn[at:]
}

// parseTime accepts RFC 3339 or "2006-01-02 15:04:05" (UTC).
func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or %q", s, time.DateTime)
}

// formatTime renders registry instants for text output.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

// formatPayload renders a payload as "rev {k=v ...}" with sorted keys.
func formatPayload(p prov.Payload) string {
	if len(p.Params) == 0 {
		return p.Revision
	}
	keys := slices.Sorted(maps.Keys(p.Params))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p.Params[k]
	}
	return fmt.Sprintf("%s {%s}", p.Revision, strings.Join(parts, " "))
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (as in tests calling RunE directly).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
