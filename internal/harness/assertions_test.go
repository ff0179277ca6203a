package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provledger/internal/lineage"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// seededContext returns an assertion context over a store holding one
// closed block {r1, r2} processed by T on N1, plus a declared record d1.
func seededContext(t *testing.T) *AssertionContext {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	at := time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		nodeID, err := tx.RegisterNode(ctx, prov.NodeSpec{Name: "N1"}, at)
		if err != nil {
			return err
		}
		if _, err := tx.RegisterTask(ctx, prov.TaskSpec{Name: "T", Payload: prov.Payload{Revision: "v1"}}, at); err != nil {
			return err
		}
		blockID, err := tx.OpenBlock(ctx, "Source", prov.NoEpoch, "test", at)
		if err != nil {
			return err
		}
		if _, err := tx.RegisterExecution(ctx, "T", nodeID, blockID, at); err != nil {
			return err
		}
		for _, id := range []string{"r1", "r2", "d1"} {
			if _, err := tx.DeclareRecord(ctx, prov.RecordRef{Stream: "Source", ID: id}, at); err != nil {
				return err
			}
		}
		for _, id := range []string{"r1", "r2"} {
			if err := tx.AddMember(ctx, blockID, prov.RecordRef{Stream: "Source", ID: id}); err != nil {
				return err
			}
		}
		return tx.CloseBlock(ctx, blockID, at)
	})
	require.NoError(t, err)

	return &AssertionContext{Ctx: ctx, Store: st, Lineage: lineage.New(st), Stream: "Source"}
}

func TestAssertHistoryContains(t *testing.T) {
	actx := seededContext(t)

	assert.NoError(t, assertHistoryContains(actx, nil, Assertion{Record: "r1", Task: "T"}))
	assert.NoError(t, assertHistoryContains(actx, nil, Assertion{Record: "r1", Task: "T", Node: "N1"}))

	err := assertHistoryContains(actx, nil, Assertion{Record: "r1", Task: "T", Node: "N2"})
	require.Error(t, err)
	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, AssertHistoryContains, assertErr.Type)
	assert.Equal(t, "execution of T on N2 in history of r1", assertErr.Expected)
	assert.Equal(t, "history [T@N1]", assertErr.Actual)

	// Unknown records are a query error, not a mismatch.
	err = assertHistoryContains(actx, nil, Assertion{Record: "zz", Task: "T"})
	require.Error(t, err)
	assert.Equal(t, prov.ErrCodeUnknownRecord, prov.CodeOf(err))
}

func TestAssertHistoryEmpty(t *testing.T) {
	actx := seededContext(t)

	assert.NoError(t, assertHistoryEmpty(actx, nil, Assertion{Record: "d1"}))

	err := assertHistoryEmpty(actx, nil, Assertion{Record: "r2"})
	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "1 executions", assertErr.Actual)
}

func TestAssertConfigRevision(t *testing.T) {
	actx := seededContext(t)

	assert.NoError(t, assertConfigRevision(actx, nil, Assertion{Record: "r1", Task: "T", Revision: "v1"}))
	assert.NoError(t, assertConfigRevision(actx, nil, Assertion{Record: "d1", Task: "T"}))

	err := assertConfigRevision(actx, nil, Assertion{Record: "r1", Task: "T", Revision: "v2"})
	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "revision v2 for T of r1", assertErr.Expected)
	assert.Equal(t, "revision v1", assertErr.Actual)

	err = assertConfigRevision(actx, nil, Assertion{Record: "d1", Task: "T", Revision: "v1"})
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "no lineage", assertErr.Actual)
}

func TestAssertBlockCountAndMembers(t *testing.T) {
	actx := seededContext(t)

	assert.NoError(t, assertBlockCount(actx, nil, Assertion{Count: 1}))
	assert.Error(t, assertBlockCount(actx, nil, Assertion{Count: 2}))

	assert.NoError(t, assertBlockMembers(actx, nil, Assertion{Block: 1, Count: 2}))

	err := assertBlockMembers(actx, nil, Assertion{Block: 1, Count: 3})
	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "2 members [r1 r2]", assertErr.Actual)

	err = assertBlockMembers(actx, nil, Assertion{Block: 2, Count: 0})
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "only 1 blocks", assertErr.Actual)
}

func TestAssertEpoch(t *testing.T) {
	actx := seededContext(t)

	assert.NoError(t, assertEpoch(actx, nil, Assertion{Count: 0}))
	assert.Error(t, assertEpoch(actx, nil, Assertion{Count: 1}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Type: EventAdmit, Record: "r1"},
		{Seq: 2, Type: EventAdmit, Record: "r1", Error: "DUPLICATE_RECORD"},
		{Seq: 3, Type: EventAdvance},
	}

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventAdmit, Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: EventDeclare, Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: EventAdmit, Count: 2})
	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "1 occurrences", assertErr.Actual)
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 occurrences of admit",
		Actual:   "1 occurrences",
		Trace: []TraceEvent{
			{Seq: 1, Type: EventAdmit, At: "2021-10-01T00:00:00Z", Record: "r1", Block: 1},
			{Seq: 2, Type: EventUpdateConfig, At: "2021-10-01T00:00:12Z", Task: "T", Revision: "v2"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "[1] 2021-10-01T00:00:00Z admit record=r1 block=1")
	assert.Contains(t, msg, "[2] 2021-10-01T00:00:12Z update_config task=T@v2")
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.addEvent(TraceEvent{Type: EventAdmit, Record: "r1"})

	// trace_count needs no registry context.
	errs := EvaluateAssertions(result, []Assertion{{Type: AssertTraceCount, Event: EventAdmit, Count: 1}}, nil)
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertBlockCount, Count: 1},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires registry context")
	assert.Contains(t, errs[1], "requires registry context")

	actx := seededContext(t)
	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertBlockCount, Count: 1},
		{Type: "bogus"},
	}, actx)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "bogus"`)
}
