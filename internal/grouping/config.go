package grouping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// Policy defaults.
const (
	DefaultBatchSize       = 10
	DefaultRecordIncrement = 12 * time.Second
)

// Config fixes everything an engine needs to group one stream.
type Config struct {
	Stream string

	// TasksA draw their node from PoolA, TasksB from PoolB. Every block
	// gets one execution per task, in TasksA then TasksB order.
	TasksA []string
	TasksB []string
	PoolA  []prov.EntityID
	PoolB  []prov.EntityID

	BatchSize       int           // records per block; DefaultBatchSize if 0
	RecordIncrement time.Duration // clock advance per admitted record; DefaultRecordIncrement if 0
}

// NewConfig splits an ordered task list and the registered nodes into the
// two pools.
func NewConfig(stream string, tasks []string, nodes []prov.EntityID) Config {
	tasksA, tasksB := SplitTasks(tasks)
	poolA, poolB := SplitNodes(nodes)
	return Config{
		Stream: stream,
		TasksA: tasksA,
		TasksB: tasksB,
		PoolA:  poolA,
		PoolB:  poolB,
	}
}

// ConfigFromStore builds a Config for stream from the pipeline's current
// task list and every registered node.
func ConfigFromStore(ctx context.Context, st *store.Store, stream, pipeline string) (Config, error) {
	tasks, err := st.PipelineTasks(ctx, pipeline)
	if err != nil {
		return Config{}, fmt.Errorf("load pipeline tasks: %w", err)
	}
	nodes, err := st.NodeIDs(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load nodes: %w", err)
	}
	return NewConfig(stream, tasks, nodes), nil
}

// SplitTasks assigns the first half of tasks (rounded up) to pool A and
// the rest to pool B.
func SplitTasks(tasks []string) (a, b []string) {
	mid := (len(tasks) + 1) / 2
	return append([]string(nil), tasks[:mid]...), append([]string(nil), tasks[mid:]...)
}

// SplitNodes assigns the first half of nodes (rounded down) to pool A and
// the rest to pool B.
func SplitNodes(nodes []prov.EntityID) (a, b []prov.EntityID) {
	mid := len(nodes) / 2
	return append([]prov.EntityID(nil), nodes[:mid]...), append([]prov.EntityID(nil), nodes[mid:]...)
}

func (c Config) withDefaults() Config {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RecordIncrement == 0 {
		c.RecordIncrement = DefaultRecordIncrement
	}
	return c
}

// Validate checks the config after defaults are applied. Empty pools are
// not rejected here: admit reports them as prov.ErrNoNodesAvailable when a
// block actually needs a node.
func (c Config) Validate() error {
	if c.Stream == "" {
		return errors.New("grouping: stream is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("grouping: batch size must be positive, got %d", c.BatchSize)
	}
	if c.RecordIncrement < 0 {
		return fmt.Errorf("grouping: record increment must not be negative, got %s", c.RecordIncrement)
	}
	return nil
}
