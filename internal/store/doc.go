// Package store provides durable, transactional storage for the provenance
// registry on SQLite (default) or PostgreSQL.
//
// The store holds:
//   - Entities: pipelines, tasks and nodes, unique per (kind, name)
//   - Config versions: bitemporal [begin, end) payloads per entity
//   - Processing history: epochs minted by task configuration changes
//   - Records, data blocks and block memberships
//   - Task executions and their input blocks
//   - Grouping state and the persisted simulated clock
//
// # Critical Patterns
//
// Single open version:
//   - A partial UNIQUE index allows at most one row with validity_end NULL
//     per entity
//   - UpdateConfig closes and opens in one transaction, so no reader ever
//     observes zero open versions
//
// Explicit time:
//   - Every write takes its timestamp as an argument; the store never reads
//     a clock
//
// Deterministic reads:
//   - All multi-row queries ORDER BY ids, so identical histories produce
//     identical answers
//
// Atomicity:
//   - Multi-statement writes go through WithTx; a failed callback rolls back
//     everything it wrote
//   - Busy/locked (SQLite) and serialization/deadlock (PostgreSQL) failures
//     surface as prov.ErrTransactionAborted so callers replay the whole step
//
// All SQL is parameterised. Queries are written with ? placeholders and
// rebound to $n for PostgreSQL.
package store
