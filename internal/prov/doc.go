// Package prov defines the provenance vocabulary shared by every other
// package: entities and their bitemporal configuration versions, processing
// history epochs, data blocks, task executions and lineage steps.
//
// This package contains types, the error taxonomy and payload hashing only.
// All other internal packages import prov; prov imports nothing internal.
//
// Key constraints:
//   - Configuration validity is the half-open interval [Begin, End); an open
//     version has End == nil, meaning +infinity
//   - Per entity, exactly one version is open at any time after registration
//   - Epoch ids only change when a task configuration changes
//   - All timestamps come from the simulated clock, never the wall clock
package prov
