package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/provledger/internal/prov"
)

// blockOf returns the block that holds rec, if any.
func (c conn) blockOf(ctx context.Context, rec prov.RecordRef) (prov.BlockID, bool, error) {
	var id prov.BlockID
	err := c.queryRow(ctx, `
		SELECT block_id FROM block_members WHERE stream = ? AND record_id = ?
	`, rec.Stream, rec.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("block of %s: %w", rec, err)
	}
	return id, true, nil
}

// RecordExists reports whether rec has been declared.
func (s *Store) RecordExists(ctx context.Context, rec prov.RecordRef) (bool, error) {
	var n int
	err := s.conn().queryRow(ctx, `
		SELECT COUNT(*) FROM records WHERE stream = ? AND record_id = ?
	`, rec.Stream, rec.ID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("record exists %s: %w", rec, err)
	}
	return n > 0, nil
}

// BlockOf returns the block holding rec. The boolean is false when the
// record is declared but not yet grouped.
func (s *Store) BlockOf(ctx context.Context, rec prov.RecordRef) (prov.BlockID, bool, error) {
	return s.conn().blockOf(ctx, rec)
}

// RecordLineage returns every (block, execution) pair reachable from rec,
// ordered by block id then execution id. A record belongs to at most one
// block, so all rows share one block id.
func (s *Store) RecordLineage(ctx context.Context, rec prov.RecordRef) ([]prov.LineageStep, error) {
	rows, err := s.conn().query(ctx, `
		SELECT bm.block_id, te.task_exec_id, t.name, n.name, te.executed_at
		FROM block_members bm
		JOIN execution_inputs ei ON ei.block_id = bm.block_id
		JOIN task_executions te ON te.task_exec_id = ei.task_exec_id
		JOIN entities t ON t.entity_id = te.task_id
		JOIN entities n ON n.entity_id = te.node_id
		WHERE bm.stream = ? AND bm.record_id = ?
		ORDER BY bm.block_id ASC, te.task_exec_id ASC
	`, rec.Stream, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("query lineage of %s: %w", rec, err)
	}
	defer rows.Close()

	steps := []prov.LineageStep{}
	for rows.Next() {
		var (
			step prov.LineageStep
			at   int64
		)
		if err := rows.Scan(&step.BlockID, &step.TaskExecID, &step.TaskName, &step.NodeName, &at); err != nil {
			return nil, fmt.Errorf("scan lineage step: %w", err)
		}
		step.ExecutedAt = fromNanos(at)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lineage: %w", err)
	}
	return steps, nil
}

// EarliestExecution returns the first execution of taskName that consumed
// the block holding rec, ordered by execution time then id. The boolean is
// false when the task never ran against that block.
func (s *Store) EarliestExecution(ctx context.Context, rec prov.RecordRef, taskName string) (prov.TaskExecution, bool, error) {
	var (
		e  prov.TaskExecution
		at int64
	)
	err := s.conn().queryRow(ctx, `
		SELECT te.task_exec_id, te.task_id, t.name, te.node_id, n.name, bm.block_id, te.executed_at
		FROM block_members bm
		JOIN execution_inputs ei ON ei.block_id = bm.block_id
		JOIN task_executions te ON te.task_exec_id = ei.task_exec_id
		JOIN entities t ON t.entity_id = te.task_id
		JOIN entities n ON n.entity_id = te.node_id
		WHERE bm.stream = ? AND bm.record_id = ? AND t.kind = 'task' AND t.name = ?
		ORDER BY te.executed_at ASC, te.task_exec_id ASC
		LIMIT 1
	`, rec.Stream, rec.ID, taskName).Scan(&e.ID, &e.TaskID, &e.TaskName, &e.NodeID, &e.NodeName, &e.BlockID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return prov.TaskExecution{}, false, nil
	}
	if err != nil {
		return prov.TaskExecution{}, false, fmt.Errorf("earliest execution of %q for %s: %w", taskName, rec, err)
	}
	e.ExecutedAt = fromNanos(at)
	return e, true, nil
}
