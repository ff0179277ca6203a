package prov

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntityKind identifies which kind of configurable thing an entity is.
type EntityKind string

const (
	KindPipeline EntityKind = "pipeline"
	KindTask     EntityKind = "task"
	KindNode     EntityKind = "node"
)

// EntityKinds lists the valid kinds in display order.
var EntityKinds = []EntityKind{KindPipeline, KindTask, KindNode}

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	return slices.Contains(EntityKinds, k)
}

// ParseEntityKind converts a user-supplied string into an EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("invalid entity kind %q: must be one of %v", s, EntityKinds)
	}
	return k, nil
}

// EntityID is the opaque identifier assigned at first registration.
type EntityID int64

// EpochID identifies a processing-history epoch.
type EpochID int64

// NoEpoch is returned by CurrentEpoch before any task configuration has
// ever changed.
const NoEpoch EpochID = 0

// BlockID identifies a data block.
type BlockID int64

// TaskExecID identifies a task execution.
type TaskExecID int64

// Payload is the configuration content of one version: a revision tag
// (e.g. a source control SHA) and an unordered set of named parameters.
type Payload struct {
	Revision string            `json:"revision" yaml:"revision"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored parameters.
func (p Payload) Clone() Payload {
	return Payload{Revision: p.Revision, Params: maps.Clone(p.Params)}
}

// Equal reports whether two payloads carry the same revision and params.
func (p Payload) Equal(o Payload) bool {
	return p.Revision == o.Revision && maps.Equal(p.Params, o.Params)
}

// Entity is a registered pipeline, task or node.
type Entity struct {
	ID      EntityID   `json:"id"`
	Kind    EntityKind `json:"kind"`
	Name    string     `json:"name"`
	Columns []string   `json:"columns,omitempty"` // declared output columns, tasks only
}

// ConfigVersion is one bitemporal configuration record of an entity.
type ConfigVersion struct {
	ID          int64      `json:"id"`
	EntityID    EntityID   `json:"entity_id"`
	Begin       time.Time  `json:"validity_begin"`
	End         *time.Time `json:"validity_end"` // nil while open
	Payload     Payload    `json:"payload"`
	PayloadHash string     `json:"payload_hash"`
}

// IsOpen reports whether the version is the current one.
func (v ConfigVersion) IsOpen() bool {
	return v.End == nil
}

// Covers reports whether t falls inside [Begin, End).
func (v ConfigVersion) Covers(t time.Time) bool {
	if t.Before(v.Begin) {
		return false
	}
	return v.End == nil || t.Before(*v.End)
}

// DataBlock is a batch of records processed under one fixed set of task
// executions. It is immutable once ClosedAt is set.
type DataBlock struct {
	ID          BlockID    `json:"id"`
	Stream      string     `json:"stream"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	EpochAtOpen EpochID    `json:"epoch_at_open"`
	Session     string     `json:"session"`
}

// IsClosed reports whether the block no longer accepts members.
func (b DataBlock) IsClosed() bool {
	return b.ClosedAt != nil
}

// RecordRef identifies an output record within its stream.
type RecordRef struct {
	Stream string `json:"stream"`
	ID     string `json:"id"`
}

func (r RecordRef) String() string {
	return r.Stream + "/" + r.ID
}

// TaskExecution is one execution of a task on a node against a block.
// The configuration it ran with is looked up by ExecutedAt, not stored.
type TaskExecution struct {
	ID         TaskExecID `json:"id"`
	TaskID     EntityID   `json:"task_id"`
	TaskName   string     `json:"task_name"`
	NodeID     EntityID   `json:"node_id"`
	NodeName   string     `json:"node_name"`
	BlockID    BlockID    `json:"block_id"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// LineageStep is one row of a record's processing history.
type LineageStep struct {
	BlockID    BlockID    `json:"block_id"`
	TaskExecID TaskExecID `json:"task_exec_id"`
	TaskName   string     `json:"task_name"`
	NodeName   string     `json:"node_name"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// TaskSpec describes a task at registration time.
type TaskSpec struct {
	Name    string
	Payload Payload
	Columns []string
}

// PipelineSpec describes a pipeline and its ordered tasks at registration time.
type PipelineSpec struct {
	Name  string
	Notes string
	Tasks []TaskSpec
}

// NodeSpec describes a processing node at registration time.
type NodeSpec struct {
	Name  string
	IP    string
	OS    string
	Cores int
	RAMGB int
}

// Payload converts the hardware description into a node configuration.
func (n NodeSpec) Payload() Payload {
	return Payload{
		Params: map[string]string{
			"ip":     n.IP,
			"os":     n.OS,
			"cores":  fmt.Sprintf("%d", n.Cores),
			"ram_gb": fmt.Sprintf("%d", n.RAMGB),
		},
	}
}

// GroupingState is the single-owned cursor state of one record stream's
// grouping engine: the open block (if any), how many records it holds, the
// epoch captured when it opened, and the round-robin cursors of both pools.
//
// It is loaded and saved inside the same transaction as the writes it
// describes, so it never drifts from the persisted blocks.
type GroupingState struct {
	Stream      string  `json:"stream"`
	OpenBlock   BlockID `json:"open_block,omitempty"` // 0 when no block is open
	MemberCount int     `json:"member_count"`
	EpochAtOpen EpochID `json:"epoch_at_open"`
	CursorA     int     `json:"cursor_a"`
	CursorB     int     `json:"cursor_b"`
}

// HasOpenBlock reports whether records are currently being appended to a block.
func (g GroupingState) HasOpenBlock() bool {
	return g.OpenBlock != 0
}
