// Package grouping binds a stream of admitted records to processing runs.
//
// Records are grouped into data blocks. When a block opens, one task
// execution per configured task is registered against it, each on the next
// node of its pool. A block closes when it reaches the batch size, or early
// when the processing-history epoch has moved since it opened, so that a
// block's executions always describe the code that produced its records.
//
// CRITICAL: one Engine is the single writer of its stream. Admit loads the
// persisted GroupingState, applies every write of the call and saves the
// state in one transaction, so a failed call leaves nothing behind and a
// new process resumes exactly where the last one stopped.
package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/provledger/internal/clock"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// Engine admits records of one stream.
//
// Thread-safety: Admit is serialised by an internal mutex. Running two
// engines for the same stream against SQLite is unsafe; against PostgreSQL
// the serializable transaction turns the race into a retryable
// prov.ErrTransactionAborted.
type Engine struct {
	store      *store.Store
	clock      *clock.Clock
	cfg        Config
	session    string
	maxRetries int
	logger     *slog.Logger

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSession overrides the session id stamped on blocks this engine opens.
// Tests use it for stable output.
func WithSession(id string) Option {
	return func(e *Engine) {
		e.session = id
	}
}

// WithMaxRetries sets how many times AdmitAll replays one Admit that failed
// with a retryable error. Default: 3.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// AdmitResult describes what one Admit call did.
type AdmitResult struct {
	Record     prov.RecordRef    `json:"record"`
	BlockID    prov.BlockID      `json:"block_id"`
	At         time.Time         `json:"at"`
	Opened     bool              `json:"opened"`                // a new block was opened for this record
	Closed     bool              `json:"closed"`                // the block reached the batch size
	RolledOver prov.BlockID      `json:"rolled_over,omitempty"` // block closed early by an epoch change
	Executions []prov.TaskExecID `json:"executions,omitempty"`  // executions registered for a newly opened block
}

// New creates an Engine for cfg.Stream. The session id defaults to a new
// UUIDv7.
func New(st *store.Store, clk *clock.Clock, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:      st,
		clock:      clk,
		cfg:        cfg,
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.session == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		e.session = id.String()
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Session returns the id stamped on blocks this engine opens.
func (e *Engine) Session() string { return e.session }

// Admit groups one record into the stream's open block:
//
//  1. If a block is open and the epoch changed since it opened, close it.
//  2. If no block is open, open one and register one execution per task,
//     each on the current node of its pool.
//  3. Declare the record and append it to the block.
//  4. If the block reached the batch size, close it.
//
// Closing a block for either reason advances both pool cursors. Finally
// the clock advances by the record increment. The epoch check runs before
// the membership increment, so a rollover takes precedence over the
// threshold on the same call.
func (e *Engine) Admit(ctx context.Context, recordID string) (AdmitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := prov.RecordRef{Stream: e.cfg.Stream, ID: recordID}
	now := e.clock.Now()
	next := now.Add(e.cfg.RecordIncrement)

	var res AdmitResult
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		res = AdmitResult{Record: rec, At: now}

		st, err := tx.GroupingState(ctx, e.cfg.Stream)
		if err != nil {
			return err
		}
		epoch, err := tx.CurrentEpoch(ctx)
		if err != nil {
			return err
		}

		if st.HasOpenBlock() && epoch != st.EpochAtOpen {
			if err := tx.CloseBlock(ctx, st.OpenBlock, now); err != nil {
				return err
			}
			res.RolledOver = st.OpenBlock
			st = e.advance(st)
		}

		if !st.HasOpenBlock() {
			id, execs, err := e.openBlock(ctx, tx, st, epoch, now)
			if err != nil {
				return err
			}
			st.OpenBlock = id
			st.EpochAtOpen = epoch
			st.MemberCount = 0
			res.Opened = true
			res.Executions = execs
		}
		res.BlockID = st.OpenBlock

		if _, err := tx.DeclareRecord(ctx, rec, now); err != nil {
			return err
		}
		if err := tx.AddMember(ctx, st.OpenBlock, rec); err != nil {
			return err
		}
		st.MemberCount++

		if st.MemberCount >= e.cfg.BatchSize {
			if err := tx.CloseBlock(ctx, st.OpenBlock, now); err != nil {
				return err
			}
			res.Closed = true
			st = e.advance(st)
		}

		if err := tx.SaveGroupingState(ctx, st); err != nil {
			return err
		}
		return tx.SaveClock(ctx, next)
	})
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit %s: %w", rec, err)
	}
	e.clock.SetTime(next)

	if res.RolledOver != 0 {
		e.logger.Debug("block closed by epoch change", "stream", e.cfg.Stream, "block", res.RolledOver)
	}
	if res.Opened {
		e.logger.Debug("block opened", "stream", e.cfg.Stream, "block", res.BlockID, "executions", len(res.Executions))
	}
	if res.Closed {
		e.logger.Debug("block closed", "stream", e.cfg.Stream, "block", res.BlockID)
	}
	return res, nil
}

// AdmitAll admits ids in order, replaying a whole Admit when it fails with
// a retryable error. It stops at the first non-retryable failure and
// returns the results admitted so far.
func (e *Engine) AdmitAll(ctx context.Context, ids []string) ([]AdmitResult, error) {
	results := make([]AdmitResult, 0, len(ids))
	for _, id := range ids {
		var res AdmitResult
		err := prov.Retry(ctx, e.maxRetries, func(ctx context.Context) error {
			var err error
			res, err = e.Admit(ctx, id)
			return err
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// State returns the persisted grouping state of the engine's stream.
func (e *Engine) State(ctx context.Context) (prov.GroupingState, error) {
	var st prov.GroupingState
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.GroupingState(ctx, e.cfg.Stream)
		return err
	})
	return st, err
}

// openBlock creates a block and its task-execution fan-out. All tasks of a
// pool share the pool's current cursor position.
func (e *Engine) openBlock(ctx context.Context, tx *store.Tx, st prov.GroupingState, epoch prov.EpochID, now time.Time) (prov.BlockID, []prov.TaskExecID, error) {
	nodeA, err := pick(e.cfg.PoolA, st.CursorA, "A", len(e.cfg.TasksA) > 0)
	if err != nil {
		return 0, nil, err
	}
	nodeB, err := pick(e.cfg.PoolB, st.CursorB, "B", len(e.cfg.TasksB) > 0)
	if err != nil {
		return 0, nil, err
	}

	blockID, err := tx.OpenBlock(ctx, e.cfg.Stream, epoch, e.session, now)
	if err != nil {
		return 0, nil, err
	}

	execs := make([]prov.TaskExecID, 0, len(e.cfg.TasksA)+len(e.cfg.TasksB))
	for _, assignment := range []struct {
		tasks []string
		node  prov.EntityID
	}{
		{e.cfg.TasksA, nodeA},
		{e.cfg.TasksB, nodeB},
	} {
		for _, task := range assignment.tasks {
			id, err := tx.RegisterExecution(ctx, task, assignment.node, blockID, now)
			if err != nil {
				return 0, nil, err
			}
			execs = append(execs, id)
		}
	}
	return blockID, execs, nil
}

// advance clears the open block and moves both cursors to the next node.
func (e *Engine) advance(st prov.GroupingState) prov.GroupingState {
	st.OpenBlock = 0
	st.MemberCount = 0
	st.CursorA = wrap(st.CursorA+1, len(e.cfg.PoolA))
	st.CursorB = wrap(st.CursorB+1, len(e.cfg.PoolB))
	return st
}

// pick returns the node at cursor. An empty pool is only an error when
// some task needs it.
func pick(pool []prov.EntityID, cursor int, name string, needed bool) (prov.EntityID, error) {
	if len(pool) == 0 {
		if needed {
			return 0, prov.NewNoNodesAvailable(name)
		}
		return 0, nil
	}
	return pool[wrap(cursor, len(pool))], nil
}

func wrap(i, n int) int {
	if n == 0 {
		return 0
	}
	return i % n
}
