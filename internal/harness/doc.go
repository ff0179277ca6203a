// Package harness runs provenance scenarios end to end.
//
// A scenario is a YAML file describing a registry topology (inline nodes
// and tasks, or a bootstrap manifest), a sequence of steps (admit records,
// declare records, update task configurations, move the clock) and a set
// of assertions over the resulting lineage graph.
//
// Each run uses a fresh in-memory SQLite store, a fixed start time and a
// fixed grouping session id, so the produced trace is deterministic and can
// be compared against a golden file:
//
//	go test ./internal/harness -update
//
// regenerates the files under testdata/golden.
package harness
