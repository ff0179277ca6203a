// Package registry binds the versioned entity store to the simulated clock.
//
// Every write that the store accepts an explicit instant for ("open the
// first version at now", "close the open version at now") takes that
// instant from the registry's clock here, so callers never pass times
// around. Clock moves are persisted so the next process resumes where this
// one stopped.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/provledger/internal/clock"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// Registry is the configuration side of the provenance registry.
type Registry struct {
	store  *store.Store
	clock  *clock.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Registry over an open store and a clock.
func New(st *store.Store, clk *clock.Clock, opts ...Option) *Registry {
	r := &Registry{store: st, clock: clk, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultStart is where a fresh registry's clock starts when nothing sets
// it. It matches the prototype deployment's first day.
var DefaultStart = time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)

// Load creates a Registry whose clock resumes from the value persisted in
// the store, or starts at fallback if none was saved.
func Load(ctx context.Context, st *store.Store, fallback time.Time, opts ...Option) (*Registry, error) {
	now, found, err := st.LoadClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	if !found {
		now = fallback
	}
	return New(st, clock.New(now), opts...), nil
}

// Store returns the underlying store.
func (r *Registry) Store() *store.Store { return r.store }

// Clock returns the registry clock.
func (r *Registry) Clock() *clock.Clock { return r.clock }

// Now returns the current simulated time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// SetTime moves the clock to t and persists it.
func (r *Registry) SetTime(ctx context.Context, t time.Time) error {
	if err := r.store.SaveClock(ctx, t); err != nil {
		return err
	}
	r.clock.SetTime(t)
	return nil
}

// Advance moves the clock forward by d and persists it.
func (r *Registry) Advance(ctx context.Context, d time.Duration) (time.Time, error) {
	next := r.clock.Now().Add(d)
	if err := r.SetTime(ctx, next); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// RegisterEntity registers an entity with its first configuration, valid
// from now. Fails with prov.ErrDuplicateEntity if (kind, name) exists.
func (r *Registry) RegisterEntity(ctx context.Context, kind prov.EntityKind, name string, payload prov.Payload) (prov.EntityID, error) {
	var id prov.EntityID
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.RegisterEntity(ctx, kind, name, payload, r.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("entity registered", "kind", kind, "name", name, "id", id)
	return id, nil
}

// RegisterTask registers a task and its output columns.
func (r *Registry) RegisterTask(ctx context.Context, spec prov.TaskSpec) (prov.EntityID, error) {
	var id prov.EntityID
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.RegisterTask(ctx, spec, r.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("task registered", "name", spec.Name, "id", id, "revision", spec.Payload.Revision)
	return id, nil
}

// RegisterNode registers a processing node.
func (r *Registry) RegisterNode(ctx context.Context, spec prov.NodeSpec) (prov.EntityID, error) {
	var id prov.EntityID
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.RegisterNode(ctx, spec, r.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("node registered", "name", spec.Name, "id", id)
	return id, nil
}

// RegisterPipeline registers a pipeline and its ordered tasks in one
// transaction.
func (r *Registry) RegisterPipeline(ctx context.Context, name, notes string, tasks []prov.TaskSpec) (prov.EntityID, error) {
	var id prov.EntityID
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		id, err = tx.RegisterPipeline(ctx, name, notes, tasks, r.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Debug("pipeline registered", "name", name, "id", id, "tasks", len(tasks))
	return id, nil
}

// Bootstrap moves the clock to start (unless zero) and registers every node
// and pipeline in one transaction. Either the whole topology is registered
// or none of it is.
func (r *Registry) Bootstrap(ctx context.Context, start time.Time, nodes []prov.NodeSpec, pipelines []prov.PipelineSpec) error {
	at := r.clock.Now()
	if !start.IsZero() {
		at = start.UTC()
	}
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, n := range nodes {
			if _, err := tx.RegisterNode(ctx, n, at); err != nil {
				return err
			}
		}
		for _, p := range pipelines {
			if _, err := tx.RegisterPipeline(ctx, p.Name, p.Notes, p.Tasks, at); err != nil {
				return err
			}
		}
		return tx.SaveClock(ctx, at)
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	r.clock.SetTime(at)
	r.logger.Info("registry bootstrapped",
		"nodes", len(nodes),
		"pipelines", len(pipelines),
		"start", at.Format(time.RFC3339))
	return nil
}

// UpdateConfig replaces a task's configuration as of now and mints a new
// processing-history epoch. Any open data block will be closed by the
// grouping engine on its next admit.
func (r *Registry) UpdateConfig(ctx context.Context, taskName string, payload prov.Payload) (prov.ConfigVersion, prov.EpochID, error) {
	var (
		v     prov.ConfigVersion
		epoch prov.EpochID
	)
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		v, epoch, err = tx.UpdateConfig(ctx, taskName, payload, r.clock.Now())
		return err
	})
	if err != nil {
		return prov.ConfigVersion{}, 0, err
	}
	r.logger.Info("task configuration updated",
		"task", taskName,
		"revision", payload.Revision,
		"epoch", epoch,
		"at", v.Begin.Format(time.RFC3339))
	return v, epoch, nil
}

// CurrentEpoch returns the latest epoch, or prov.NoEpoch.
func (r *Registry) CurrentEpoch(ctx context.Context) (prov.EpochID, error) {
	return r.store.CurrentEpoch(ctx)
}

// ConfigAt returns the configuration version of a task valid at t.
func (r *Registry) ConfigAt(ctx context.Context, taskName string, t time.Time) (prov.ConfigVersion, error) {
	return r.store.ConfigAt(ctx, prov.KindTask, taskName, t)
}

// ConfigHistory returns every version of an entity, oldest first.
func (r *Registry) ConfigHistory(ctx context.Context, kind prov.EntityKind, name string) ([]prov.ConfigVersion, error) {
	return r.store.ConfigHistory(ctx, kind, name)
}
