package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/roach88/provledger/internal/clock"
	"github.com/roach88/provledger/internal/grouping"
	"github.com/roach88/provledger/internal/lineage"
	"github.com/roach88/provledger/internal/manifest"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/registry"
	"github.com/roach88/provledger/internal/store"
)

// DefaultStart is the clock position when neither the scenario nor its
// manifest sets one.
var DefaultStart = registry.DefaultStart

// Session is the grouping session id stamped on every scenario block.
const Session = "scenario"

// Harness holds the components of one scenario run.
type Harness struct {
	store    *store.Store
	registry *registry.Registry
	engine   *grouping.Engine
	lineage  *lineage.Engine
	stream   string
	logger   *slog.Logger
}

// Run executes a scenario against a fresh in-memory store and returns the
// result. Errors are returned only when the scenario cannot be set up; step
// and assertion failures are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	h, err := setup(ctx, st, scenario, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		Lineage: h.lineage,
		Stream:  h.stream,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// setup registers the topology and builds the grouping engine.
func setup(ctx context.Context, st *store.Store, s *Scenario, logger *slog.Logger) (*Harness, error) {
	start := DefaultStart
	if s.StartTime != "" {
		t, err := parseTime(s.StartTime)
		if err != nil {
			return nil, err
		}
		start = t
	}
	reg := registry.New(st, clock.New(start), registry.WithLogger(logger))

	if s.Manifest != "" {
		m, err := manifest.Load(s.manifestPath())
		if err != nil {
			return nil, err
		}
		if err := m.Apply(ctx, reg); err != nil {
			return nil, err
		}
	}
	for _, n := range s.Nodes {
		if _, err := reg.RegisterNode(ctx, prov.NodeSpec{Name: n}); err != nil {
			return nil, err
		}
	}
	for _, t := range s.Tasks {
		spec := prov.TaskSpec{Name: t.Name, Payload: prov.Payload{Revision: t.Revision, Params: t.Params}}
		if _, err := reg.RegisterTask(ctx, spec); err != nil {
			return nil, err
		}
	}

	var (
		cfg grouping.Config
		err error
	)
	if s.Grouping.Pipeline != "" {
		cfg, err = grouping.ConfigFromStore(ctx, st, s.Grouping.Stream, s.Grouping.Pipeline)
		if err != nil {
			return nil, err
		}
	} else {
		nodes, err := st.NodeIDs(ctx)
		if err != nil {
			return nil, err
		}
		cfg = grouping.NewConfig(s.Grouping.Stream, s.Grouping.Tasks, nodes)
	}
	cfg.BatchSize = s.Grouping.BatchSize
	if s.Grouping.Increment != "" {
		d, err := time.ParseDuration(s.Grouping.Increment)
		if err != nil {
			return nil, err
		}
		cfg.RecordIncrement = d
	}

	eng, err := grouping.New(st, reg.Clock(), cfg,
		grouping.WithSession(Session),
		grouping.WithLogger(logger),
		grouping.WithMaxRetries(1))
	if err != nil {
		return nil, err
	}

	return &Harness{
		store:    st,
		registry: reg,
		engine:   eng,
		lineage:  lineage.New(st),
		stream:   s.Grouping.Stream,
		logger:   logger,
	}, nil
}

// executeStep runs one step and records its trace events. A step error is
// recorded in the trace when expected and reported as a failure otherwise.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	var err error
	switch {
	case len(step.Admit) > 0:
		err = h.admit(ctx, step.Admit, result)
	case step.AdmitRange != nil:
		ids := make([]string, 0, step.AdmitRange.To-step.AdmitRange.From+1)
		for i := step.AdmitRange.From; i <= step.AdmitRange.To; i++ {
			ids = append(ids, strconv.Itoa(i))
		}
		err = h.admit(ctx, ids, result)
	case len(step.Declare) > 0:
		err = h.declare(ctx, step.Declare, result)
	case step.UpdateConfig != nil:
		err = h.updateConfig(ctx, step.UpdateConfig, result)
	case step.SetTime != "":
		var t time.Time
		if t, err = parseTime(step.SetTime); err == nil {
			if err = h.registry.SetTime(ctx, t); err == nil {
				result.addEvent(TraceEvent{Type: EventSetTime, At: formatTime(t)})
			}
		}
	case step.Advance != "":
		var d time.Duration
		if d, err = time.ParseDuration(step.Advance); err == nil {
			var now time.Time
			if now, err = h.registry.Advance(ctx, d); err == nil {
				result.addEvent(TraceEvent{Type: EventAdvance, At: formatTime(now)})
			}
		}
	}

	switch {
	case err == nil && step.ExpectError != "":
		result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got success", index, step.ExpectError))
	case err != nil && step.ExpectError == "":
		result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", index, err))
	case err != nil && errorCode(err) != step.ExpectError:
		result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got %s: %v", index, step.ExpectError, errorCode(err), err))
	}
	if err != nil {
		h.logger.Debug("step failed", "step", index, "error", err)
	}
}

// admit admits ids in order and stops at the first failure.
func (h *Harness) admit(ctx context.Context, ids []string, result *Result) error {
	for _, id := range ids {
		at := h.registry.Now()
		res, err := h.engine.Admit(ctx, id)
		if err != nil {
			result.addEvent(TraceEvent{Type: EventAdmit, At: formatTime(at), Record: id, Error: errorCode(err)})
			return err
		}

		ev := TraceEvent{
			Type:       EventAdmit,
			At:         formatTime(res.At),
			Record:     id,
			Block:      int64(res.BlockID),
			Opened:     res.Opened,
			Closed:     res.Closed,
			RolledOver: int64(res.RolledOver),
		}
		if res.Opened {
			execs, err := h.store.BlockExecutions(ctx, res.BlockID)
			if err != nil {
				return err
			}
			for _, e := range execs {
				ev.Bindings = append(ev.Bindings, e.TaskName+"@"+e.NodeName)
			}
		}
		result.addEvent(ev)
	}
	return nil
}

// declare makes records known without grouping them.
func (h *Harness) declare(ctx context.Context, ids []string, result *Result) error {
	at := h.registry.Now()
	return h.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			if _, err := tx.DeclareRecord(ctx, prov.RecordRef{Stream: h.stream, ID: id}, at); err != nil {
				return err
			}
			result.addEvent(TraceEvent{Type: EventDeclare, At: formatTime(at), Record: id})
		}
		return nil
	})
}

func (h *Harness) updateConfig(ctx context.Context, step *UpdateConfigStep, result *Result) error {
	at := h.registry.Now()
	payload := prov.Payload{Revision: step.Revision, Params: step.Params}
	_, epoch, err := h.registry.UpdateConfig(ctx, step.Task, payload)
	ev := TraceEvent{Type: EventUpdateConfig, At: formatTime(at), Task: step.Task, Revision: step.Revision}
	if err != nil {
		ev.Error = errorCode(err)
	} else {
		ev.Epoch = int64(epoch)
	}
	result.addEvent(ev)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
