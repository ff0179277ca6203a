package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

// RegisterExecution records that taskName ran on nodeID against blockID at
// `at`. The configuration the task used is not copied; it is recovered
// later with ConfigAt(task, at).
//
// Fails with prov.ErrUnknownTask if no task of that name is registered.
func (tx *Tx) RegisterExecution(ctx context.Context, taskName string, nodeID prov.EntityID, blockID prov.BlockID, at time.Time) (prov.TaskExecID, error) {
	taskID, found, err := tx.lookupEntity(ctx, prov.KindTask, taskName)
	if err != nil {
		return 0, fmt.Errorf("register execution: %w", err)
	}
	if !found {
		return 0, prov.NewUnknownTask(taskName)
	}

	var kind string
	err = tx.queryRow(ctx, `SELECT kind FROM entities WHERE entity_id = ?`, nodeID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && prov.EntityKind(kind) != prov.KindNode) {
		return 0, prov.NewUnknownEntity(prov.KindNode, itoa(int64(nodeID)))
	}
	if err != nil {
		return 0, fmt.Errorf("register execution: lookup node: %w", err)
	}

	if _, err := tx.block(ctx, blockID); err != nil {
		return 0, fmt.Errorf("register execution: %w", err)
	}

	var id prov.TaskExecID
	err = tx.queryRow(ctx, `
		INSERT INTO task_executions (task_id, node_id, executed_at) VALUES (?, ?, ?)
		RETURNING task_exec_id
	`, taskID, nodeID, toNanos(at)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register execution: insert: %w", err)
	}

	_, err = tx.exec(ctx, `
		INSERT INTO execution_inputs (task_exec_id, block_id) VALUES (?, ?)
	`, id, blockID)
	if err != nil {
		return 0, fmt.Errorf("register execution: link block %d: %w", blockID, err)
	}
	return id, nil
}

// blockExecutions lists the executions that consumed a block.
func (c conn) blockExecutions(ctx context.Context, blockID prov.BlockID) ([]prov.TaskExecution, error) {
	rows, err := c.query(ctx, `
		SELECT te.task_exec_id, te.task_id, t.name, te.node_id, n.name, ei.block_id, te.executed_at
		FROM execution_inputs ei
		JOIN task_executions te ON te.task_exec_id = ei.task_exec_id
		JOIN entities t ON t.entity_id = te.task_id
		JOIN entities n ON n.entity_id = te.node_id
		WHERE ei.block_id = ?
		ORDER BY te.task_exec_id ASC
	`, blockID)
	if err != nil {
		return nil, fmt.Errorf("query executions of block %d: %w", blockID, err)
	}
	defer rows.Close()

	execs := []prov.TaskExecution{}
	for rows.Next() {
		var (
			e  prov.TaskExecution
			at int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskName, &e.NodeID, &e.NodeName, &e.BlockID, &at); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.ExecutedAt = fromNanos(at)
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return execs, nil
}

// BlockExecutions lists the task executions that consumed a block, in
// registration order.
func (s *Store) BlockExecutions(ctx context.Context, blockID prov.BlockID) ([]prov.TaskExecution, error) {
	return s.conn().blockExecutions(ctx, blockID)
}
