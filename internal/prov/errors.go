package prov

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes registry errors.
type ErrorCode string

const (
	// ErrCodeDuplicateEntity indicates an entity of that kind and name exists.
	ErrCodeDuplicateEntity ErrorCode = "DUPLICATE_ENTITY"

	// ErrCodeUnknownEntity indicates no entity (or no open version) matched.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeUnknownTask indicates an execution referenced an unregistered task.
	ErrCodeUnknownTask ErrorCode = "UNKNOWN_TASK"

	// ErrCodeNoVersionAtTime indicates no validity interval covers a timestamp.
	ErrCodeNoVersionAtTime ErrorCode = "NO_VERSION_AT_TIME"

	// ErrCodeNoNodesAvailable indicates a node pool is empty.
	ErrCodeNoNodesAvailable ErrorCode = "NO_NODES_AVAILABLE"

	// ErrCodeTransactionAborted indicates the store aborted the transaction
	// (deadlock, serialization failure, busy database). Retryable.
	ErrCodeTransactionAborted ErrorCode = "TRANSACTION_ABORTED"

	// ErrCodeUnknownRecord indicates a lineage query named a record the
	// registry has never seen.
	ErrCodeUnknownRecord ErrorCode = "UNKNOWN_RECORD"

	// ErrCodeBlockClosed indicates a write targeted an immutable block.
	ErrCodeBlockClosed ErrorCode = "BLOCK_CLOSED"

	// ErrCodeDuplicateRecord indicates a record was admitted twice. A record
	// belongs to exactly one block.
	ErrCodeDuplicateRecord ErrorCode = "DUPLICATE_RECORD"

	// ErrCodeNonMonotonicTime indicates a config update at a time before the
	// open version began, which would overlap intervals.
	ErrCodeNonMonotonicTime ErrorCode = "NON_MONOTONIC_TIME"
)

// Error is the registry's structured error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Kind and Name identify the entity involved, when there is one.
	Kind EntityKind
	Name string

	// Err is the underlying cause (driver error for TRANSACTION_ABORTED).
	Err error
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrDuplicateEntity    = &Error{Code: ErrCodeDuplicateEntity}
	ErrUnknownEntity      = &Error{Code: ErrCodeUnknownEntity}
	ErrUnknownTask        = &Error{Code: ErrCodeUnknownTask}
	ErrNoVersionAtTime    = &Error{Code: ErrCodeNoVersionAtTime}
	ErrNoNodesAvailable   = &Error{Code: ErrCodeNoNodesAvailable}
	ErrTransactionAborted = &Error{Code: ErrCodeTransactionAborted}
	ErrUnknownRecord      = &Error{Code: ErrCodeUnknownRecord}
	ErrBlockClosed        = &Error{Code: ErrCodeBlockClosed}
	ErrDuplicateRecord    = &Error{Code: ErrCodeDuplicateRecord}
	ErrNonMonotonicTime   = &Error{Code: ErrCodeNonMonotonicTime}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Name != "" {
		msg += fmt.Sprintf(" (%s=%s)", e.Kind, e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so wrapped errors compare
// equal to the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the whole logical operation may be replayed.
// Only aborted transactions are retryable; registration errors are caller bugs.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeTransactionAborted
}

// NewDuplicateEntity creates an error for a second registration of a name.
func NewDuplicateEntity(kind EntityKind, name string) *Error {
	return &Error{Code: ErrCodeDuplicateEntity, Message: "entity already registered", Kind: kind, Name: name}
}

// NewUnknownEntity creates an error for a name with no registered entity.
func NewUnknownEntity(kind EntityKind, name string) *Error {
	return &Error{Code: ErrCodeUnknownEntity, Message: "no entity with an open configuration", Kind: kind, Name: name}
}

// NewUnknownTask creates an error for an execution against an unknown task.
func NewUnknownTask(name string) *Error {
	return &Error{Code: ErrCodeUnknownTask, Message: "task not registered", Kind: KindTask, Name: name}
}

// NewNoVersionAtTime creates an error for a point-in-time lookup miss.
func NewNoVersionAtTime(kind EntityKind, name string, at string) *Error {
	return &Error{Code: ErrCodeNoVersionAtTime, Message: "no configuration valid at " + at, Kind: kind, Name: name}
}

// NewNoNodesAvailable creates an error for an empty node pool.
func NewNoNodesAvailable(pool string) *Error {
	return &Error{Code: ErrCodeNoNodesAvailable, Message: fmt.Sprintf("node pool %s is empty", pool)}
}

// NewTransactionAborted wraps a driver error that aborted a transaction.
func NewTransactionAborted(cause error) *Error {
	return &Error{Code: ErrCodeTransactionAborted, Message: "transaction aborted", Err: cause}
}

// NewUnknownRecord creates an error for a lineage query on an unseen record.
func NewUnknownRecord(rec RecordRef) *Error {
	return &Error{Code: ErrCodeUnknownRecord, Message: "record " + rec.String() + " does not exist"}
}

// NewBlockClosed creates an error for a membership write to a closed block.
func NewBlockClosed(id BlockID) *Error {
	return &Error{Code: ErrCodeBlockClosed, Message: fmt.Sprintf("block %d is closed", id)}
}

// NewDuplicateRecord creates an error for a record that already has a block.
func NewDuplicateRecord(rec RecordRef, existing BlockID) *Error {
	return &Error{Code: ErrCodeDuplicateRecord, Message: fmt.Sprintf("record %s already belongs to block %d", rec, existing)}
}

// NewNonMonotonicTime creates an error for an update that would start a
// version before the current one.
func NewNonMonotonicTime(name string, at, begin string) *Error {
	return &Error{
		Code:    ErrCodeNonMonotonicTime,
		Message: fmt.Sprintf("update at %s precedes open version start %s", at, begin),
		Kind:    KindTask,
		Name:    name,
	}
}
