package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/provledger/internal/prov"
)

var t0 = time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a fresh SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustTx runs fn in a transaction and fails the test on error.
func mustTx(t *testing.T, s *Store, fn func(tx *Tx) error) {
	t.Helper()
	if err := s.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("WithTx() failed: %v", err)
	}
}

func payload(rev string, kv ...string) prov.Payload {
	p := prov.Payload{Revision: rev}
	if len(kv) > 0 {
		p.Params = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			p.Params[kv[i]] = kv[i+1]
		}
	}
	return p
}

// seedTaskAndNode registers one task and one node and returns their ids.
func seedTaskAndNode(t *testing.T, s *Store) (prov.EntityID, prov.EntityID) {
	t.Helper()
	var taskID, nodeID prov.EntityID
	mustTx(t, s, func(tx *Tx) error {
		var err error
		taskID, err = tx.RegisterTask(context.Background(), prov.TaskSpec{Name: "T", Payload: payload("v1")}, t0)
		if err != nil {
			return err
		}
		nodeID, err = tx.RegisterNode(context.Background(), prov.NodeSpec{Name: "N1", IP: "10.0.0.1", OS: "linux", Cores: 8, RAMGB: 16}, t0)
		return err
	})
	return taskID, nodeID
}
