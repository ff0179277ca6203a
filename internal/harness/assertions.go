package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/provledger/internal/lineage"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s%s\n", event.Seq, event.At, event.Type, describe(event))
		}
	}
	return buf.String()
}

// describe renders the interesting fields of an event for failure output.
func describe(e TraceEvent) string {
	var parts []string
	if e.Record != "" {
		parts = append(parts, "record="+e.Record)
	}
	if e.Block != 0 {
		parts = append(parts, fmt.Sprintf("block=%d", e.Block))
	}
	if e.Task != "" {
		parts = append(parts, "task="+e.Task+"@"+e.Revision)
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// AssertionContext provides the final registry state for assertions.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Lineage *lineage.Engine
	Stream  string
}

func (a *AssertionContext) record(id string) prov.RecordRef {
	return prov.RecordRef{Stream: a.Stream, ID: id}
}

// assertHistoryContains checks that the record was processed by the task,
// on the given node when one is named.
func assertHistoryContains(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	steps, err := actx.Lineage.HistoryOf(actx.Ctx, actx.record(a.Record))
	if err != nil {
		return fmt.Errorf("history of %s: %w", a.Record, err)
	}

	var seen []string
	for _, s := range steps {
		if s.TaskName == a.Task && (a.Node == "" || s.NodeName == a.Node) {
			return nil
		}
		seen = append(seen, s.TaskName+"@"+s.NodeName)
	}

	expected := "execution of " + a.Task
	if a.Node != "" {
		expected += " on " + a.Node
	}
	return &AssertionError{
		Type:     AssertHistoryContains,
		Expected: fmt.Sprintf("%s in history of %s", expected, a.Record),
		Actual:   fmt.Sprintf("history %v", seen),
		Trace:    trace,
	}
}

// assertHistoryEmpty checks that the record is known but was never grouped.
func assertHistoryEmpty(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	steps, err := actx.Lineage.HistoryOf(actx.Ctx, actx.record(a.Record))
	if err != nil {
		return fmt.Errorf("history of %s: %w", a.Record, err)
	}
	if len(steps) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertHistoryEmpty,
		Expected: fmt.Sprintf("empty history for %s", a.Record),
		Actual:   fmt.Sprintf("%d executions", len(steps)),
		Trace:    trace,
	}
}

// assertConfigRevision checks the revision the task ran with for the
// record. An empty Revision expects no lineage at all.
func assertConfigRevision(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	v, found, err := actx.Lineage.ConfigVersionForRecord(actx.Ctx, a.Task, actx.record(a.Record))
	if err != nil {
		return fmt.Errorf("config version of %s for %s: %w", a.Task, a.Record, err)
	}

	actual := "no lineage"
	if found {
		actual = "revision " + v.Payload.Revision
	}
	expected := "no lineage"
	if a.Revision != "" {
		expected = "revision " + a.Revision
	}
	if actual == expected {
		return nil
	}
	return &AssertionError{
		Type:     AssertConfigRevision,
		Expected: fmt.Sprintf("%s for %s of %s", expected, a.Task, a.Record),
		Actual:   actual,
		Trace:    trace,
	}
}

// assertBlockCount checks how many blocks the stream has.
func assertBlockCount(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	blocks, err := actx.Store.Blocks(actx.Ctx, actx.Stream)
	if err != nil {
		return fmt.Errorf("list blocks: %w", err)
	}
	if len(blocks) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertBlockCount,
		Expected: fmt.Sprintf("%d blocks in %s", a.Count, actx.Stream),
		Actual:   fmt.Sprintf("%d blocks", len(blocks)),
		Trace:    trace,
	}
}

// assertBlockMembers checks the size of the Block-th block of the stream.
func assertBlockMembers(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	blocks, err := actx.Store.Blocks(actx.Ctx, actx.Stream)
	if err != nil {
		return fmt.Errorf("list blocks: %w", err)
	}
	if a.Block > len(blocks) {
		return &AssertionError{
			Type:     AssertBlockMembers,
			Expected: fmt.Sprintf("block %d of %s", a.Block, actx.Stream),
			Actual:   fmt.Sprintf("only %d blocks", len(blocks)),
			Trace:    trace,
		}
	}

	members, err := actx.Store.BlockMembers(actx.Ctx, blocks[a.Block-1].ID)
	if err != nil {
		return fmt.Errorf("list block members: %w", err)
	}
	if len(members) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertBlockMembers,
		Expected: fmt.Sprintf("%d members in block %d", a.Count, a.Block),
		Actual:   fmt.Sprintf("%d members %v", len(members), members),
		Trace:    trace,
	}
}

// assertEpoch checks the current processing-history epoch.
func assertEpoch(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	epoch, err := actx.Store.CurrentEpoch(actx.Ctx)
	if err != nil {
		return fmt.Errorf("current epoch: %w", err)
	}
	if int(epoch) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEpoch,
		Expected: fmt.Sprintf("epoch %d", a.Count),
		Actual:   fmt.Sprintf("epoch %d", epoch),
		Trace:    trace,
	}
}

// assertTraceCount checks that the event type appears exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == a.Event && event.Error == "" {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Trace:    trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		if assertion.Type != AssertTraceCount && (actx == nil || actx.Store == nil || actx.Lineage == nil) {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires registry context", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertHistoryContains:
			err = assertHistoryContains(actx, result.Trace, assertion)
		case AssertHistoryEmpty:
			err = assertHistoryEmpty(actx, result.Trace, assertion)
		case AssertConfigRevision:
			err = assertConfigRevision(actx, result.Trace, assertion)
		case AssertBlockCount:
			err = assertBlockCount(actx, result.Trace, assertion)
		case AssertBlockMembers:
			err = assertBlockMembers(actx, result.Trace, assertion)
		case AssertEpoch:
			err = assertEpoch(actx, result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
