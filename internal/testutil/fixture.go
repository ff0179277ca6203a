// Package testutil holds registry fixtures shared by package tests.
//
// Fixtures never touch the wall clock: every registry starts at Start and
// moves only when a test sets or advances the clock.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provledger/internal/clock"
	"github.com/roach88/provledger/internal/prov"
	"github.com/roach88/provledger/internal/registry"
	"github.com/roach88/provledger/internal/store"
)

// Start is the simulated time every fixture begins at.
var Start = time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)

// DefaultRevision is the payload revision given to fixture tasks.
const DefaultRevision = "v1"

// Fixture bundles a file-backed store with a registry over it.
type Fixture struct {
	Store    *store.Store
	Registry *registry.Registry
	Clock    *clock.Clock
	Path     string
}

// OpenStore opens a SQLite store in a temp dir and closes it on cleanup.
func OpenStore(t testing.TB) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provledger.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, path
}

// New returns a fixture with nodes and tasks registered in the given order.
// Tasks get an empty payload at DefaultRevision.
func New(t testing.TB, nodes []string, tasks ...string) *Fixture {
	t.Helper()
	st, path := OpenStore(t)
	clk := clock.New(Start)
	f := &Fixture{Store: st, Registry: registry.New(st, clk), Clock: clk, Path: path}
	for _, n := range nodes {
		f.AddNode(t, n)
	}
	for _, task := range tasks {
		f.AddTask(t, task, prov.Payload{Revision: DefaultRevision})
	}
	return f
}

// AddNode registers one node.
func (f *Fixture) AddNode(t testing.TB, name string) prov.EntityID {
	t.Helper()
	id, err := f.Registry.RegisterNode(context.Background(), prov.NodeSpec{Name: name})
	require.NoError(t, err)
	return id
}

// AddTask registers one task with its initial payload.
func (f *Fixture) AddTask(t testing.TB, name string, payload prov.Payload) prov.EntityID {
	t.Helper()
	id, err := f.Registry.RegisterTask(context.Background(), prov.TaskSpec{Name: name, Payload: payload})
	require.NoError(t, err)
	return id
}

// NodeIDs returns the registered node ids in registration order.
func (f *Fixture) NodeIDs(t testing.TB) []prov.EntityID {
	t.Helper()
	ids, err := f.Store.NodeIDs(context.Background())
	require.NoError(t, err)
	return ids
}

// RecordIDs returns n decimal record ids starting at from.
func RecordIDs(from, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", from+i)
	}
	return ids
}
