// Package lineage answers provenance questions by walking the recorded
// graph backwards: record → block → task executions → (task config, node).
//
// The engine is read-only. It never writes and never takes the grouping
// engine's lock, so queries can run while records are being admitted.
package lineage

import (
	"context"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

// Reader is the read side of the store the engine depends on.
type Reader interface {
	RecordExists(ctx context.Context, rec prov.RecordRef) (bool, error)
	BlockOf(ctx context.Context, rec prov.RecordRef) (prov.BlockID, bool, error)
	RecordLineage(ctx context.Context, rec prov.RecordRef) ([]prov.LineageStep, error)
	EarliestExecution(ctx context.Context, rec prov.RecordRef, taskName string) (prov.TaskExecution, bool, error)
	ConfigAt(ctx context.Context, kind prov.EntityKind, name string, at time.Time) (prov.ConfigVersion, error)
}

// Engine runs lineage queries.
type Engine struct {
	r Reader
}

// New creates an Engine over r.
func New(r Reader) *Engine {
	return &Engine{r: r}
}

// HistoryOf returns the processing history of rec, ordered by block then
// execution id. A declared record that was never grouped has an empty
// history; a record the registry has never seen fails with
// prov.ErrUnknownRecord.
func (e *Engine) HistoryOf(ctx context.Context, rec prov.RecordRef) ([]prov.LineageStep, error) {
	if err := e.mustExist(ctx, rec); err != nil {
		return nil, err
	}
	return e.r.RecordLineage(ctx, rec)
}

// ConfigVersionForRecord returns the configuration taskName ran with when
// it processed rec. If the task ran more than once against the record's
// block, the earliest execution (by time, then id) wins.
//
// The boolean is false, with no error, when rec has no lineage for the
// task: it was never grouped, or its block never ran the task.
func (e *Engine) ConfigVersionForRecord(ctx context.Context, taskName string, rec prov.RecordRef) (prov.ConfigVersion, bool, error) {
	exec, found, err := e.r.EarliestExecution(ctx, rec, taskName)
	if err != nil || !found {
		return prov.ConfigVersion{}, false, err
	}
	v, err := e.r.ConfigAt(ctx, prov.KindTask, exec.TaskName, exec.ExecutedAt)
	if err != nil {
		return prov.ConfigVersion{}, false, err
	}
	return v, true, nil
}

// BlockOf returns the block holding rec. The boolean is false for a
// declared record that was never grouped.
func (e *Engine) BlockOf(ctx context.Context, rec prov.RecordRef) (prov.BlockID, bool, error) {
	if err := e.mustExist(ctx, rec); err != nil {
		return 0, false, err
	}
	return e.r.BlockOf(ctx, rec)
}

func (e *Engine) mustExist(ctx context.Context, rec prov.RecordRef) error {
	ok, err := e.r.RecordExists(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		return prov.NewUnknownRecord(rec)
	}
	return nil
}
