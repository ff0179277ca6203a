package lineage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provledger/internal/prov"
)

var t0 = time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)

// fakeReader serves canned answers and records the ConfigAt instant.
type fakeReader struct {
	records  map[prov.RecordRef]bool
	steps    []prov.LineageStep
	earliest *prov.TaskExecution
	version  prov.ConfigVersion
	err      error

	configAtCalled time.Time
}

func (f *fakeReader) RecordExists(_ context.Context, rec prov.RecordRef) (bool, error) {
	return f.records[rec], f.err
}

func (f *fakeReader) BlockOf(_ context.Context, _ prov.RecordRef) (prov.BlockID, bool, error) {
	if len(f.steps) == 0 {
		return 0, false, nil
	}
	return f.steps[0].BlockID, true, nil
}

func (f *fakeReader) RecordLineage(_ context.Context, _ prov.RecordRef) ([]prov.LineageStep, error) {
	return f.steps, nil
}

func (f *fakeReader) EarliestExecution(_ context.Context, _ prov.RecordRef, _ string) (prov.TaskExecution, bool, error) {
	if f.err != nil {
		return prov.TaskExecution{}, false, f.err
	}
	if f.earliest == nil {
		return prov.TaskExecution{}, false, nil
	}
	return *f.earliest, true, nil
}

func (f *fakeReader) ConfigAt(_ context.Context, _ prov.EntityKind, _ string, at time.Time) (prov.ConfigVersion, error) {
	f.configAtCalled = at
	return f.version, nil
}

var known = prov.RecordRef{Stream: "Source", ID: "5"}

func TestHistoryOf_UnknownRecordIsAnError(t *testing.T) {
	e := New(&fakeReader{records: map[prov.RecordRef]bool{}})

	_, err := e.HistoryOf(context.Background(), known)
	assert.ErrorIs(t, err, prov.ErrUnknownRecord)

	_, _, err = e.BlockOf(context.Background(), known)
	assert.ErrorIs(t, err, prov.ErrUnknownRecord)
}

func TestHistoryOf_KnownButUngroupedIsEmpty(t *testing.T) {
	e := New(&fakeReader{records: map[prov.RecordRef]bool{known: true}, steps: []prov.LineageStep{}})

	steps, err := e.HistoryOf(context.Background(), known)
	require.NoError(t, err)
	assert.NotNil(t, steps)
	assert.Empty(t, steps)

	_, found, err := e.BlockOf(context.Background(), known)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHistoryOf_ReaderErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	e := New(&fakeReader{err: boom})

	_, err := e.HistoryOf(context.Background(), known)
	assert.ErrorIs(t, err, boom)

	_, _, err = e.ConfigVersionForRecord(context.Background(), "T", known)
	assert.ErrorIs(t, err, boom)
}

func TestConfigVersionForRecord_UsesExecutionTime(t *testing.T) {
	at := t0.Add(3 * time.Hour)
	r := &fakeReader{
		earliest: &prov.TaskExecution{TaskName: "T", ExecutedAt: at},
		version:  prov.ConfigVersion{Payload: prov.Payload{Revision: "v1"}},
	}
	e := New(r)

	v, found, err := e.ConfigVersionForRecord(context.Background(), "T", known)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v.Payload.Revision)
	assert.Equal(t, at, r.configAtCalled)
}

func TestConfigVersionForRecord_NoLineageIsNotFound(t *testing.T) {
	e := New(&fakeReader{})

	_, found, err := e.ConfigVersionForRecord(context.Background(), "T", known)
	require.NoError(t, err)
	assert.False(t, found)
}
